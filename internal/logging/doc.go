// Package logging provides the structured run logger.
//
// # Overview
//
// Logging package wraps Zap with:
//   - Console lines tagged [TRACE], [DEBUG], [INFO], [WARN], [FAIL]
//   - A custom [RESULTS] level for final metrics that no level filter drops
//   - A per-run log file (stm32ai_main.log) repeating each line with a timestamp
//   - Optional OpenTelemetry output
//   - Automatic context fields (trace_id, run.id, use_case, mode, stage)
//   - Secret redaction in field names, field values and messages
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	logger, closeLog, err := logger.WithRunLog(cfg.OutputDir())
//	if err != nil {
//	    return err
//	}
//	defer closeLog()
//
//	ctx = logging.WithRun(ctx, &logging.Run{ID: runID, UseCase: "image_classification"})
//	ctx = logging.WithStage(ctx, "quantize")
//	logger.Info(ctx, "quantized model saved", zap.String("path", p))
//
// prints
//
//	[INFO] quantized model saved {"run.id": "...", "use_case": "image_classification", "stage": "quantize", "path": "..."}
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Warn(ctx, "falling back to local compiler")
//	tl.AssertLogged(t, zapcore.WarnLevel, "falling back")
//	tl.AssertNoSecrets(t)
package logging
