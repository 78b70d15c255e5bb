// Package orchestrator runs the stages of an operation mode in order.
//
// # Overview
//
// The Executor walks the step sequence of a mode (see package mode):
//
//	preprocess → train → quantize → evaluate → benchmark
//
// Every stage is guarded by gates that validate artifact hand-off before
// the stage handler runs.
//
// # Key Components
//
// ## Executor
//
// The Executor manages:
//   - Stage handler registration
//   - Gate registration and validation
//   - Interrupt routing (training consumes SIGINT, other stages fail)
//   - Per-stage spans, Prometheus observations and run recording
//
// ## Artifact store
//
// Stages hand models to each other by file path. Store.Resolve returns
// the most recently produced artifact of the required kinds and falls
// back to general.model_path when no stage produced one.
//
// ## Gates
//
//   - InputGate: the model a stage consumes exists on disk
//   - HandoffGate: everything the previous stage produced exists on disk
//
// # Usage
//
//	exec := orchestrator.NewExecutor(recorder, logger)
//	exec.RegisterHandler(trainHandler)
//	exec.RegisterGate(mode.StageEvaluate, orchestrator.NewInputGate())
//	state, err := exec.Execute(ctx, orchestrator.RunConfig{
//	    ID:        runID,
//	    Mode:      mode.ChainTQE,
//	    Steps:     mode.Sequence(mode.ChainTQE),
//	    ModelPath: cfg.General.ModelPath,
//	})
package orchestrator
