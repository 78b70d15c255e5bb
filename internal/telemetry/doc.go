// Package telemetry provides OpenTelemetry tracing and metrics for
// pipeline runs.
//
// # Overview
//
// Each stage of a run becomes a span ("stage.train", "stage.benchmark")
// carrying the stage, mode and artifact attributes, and increments the
// modelzoo.stage.runs counter. Data is exported over OTLP (gRPC by
// default, http/protobuf on request). Telemetry is off unless
// MODELZOO_TELEMETRY_ENABLED=true.
//
// # Usage
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(settings.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	exec.SetTelemetry(tel)
//
// # Error Handling
//
// Exporter failures never fail a run. The instance degrades to no-op
// providers and Health reports the reason.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	exec.SetTelemetry(tt.Telemetry)
//	// run stages
//	tt.AssertSpanExists(t, "stage.quantize")
package telemetry
