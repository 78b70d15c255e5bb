// Package dataset decides which dataset splits a run reads.
//
// Reconcile turns the dataset section of a resolved configuration into a
// Plan: which configured path feeds training, validation, evaluation and
// quantization, which splits are carved out of the training set with a
// seeded stratified split, and whether quantization falls back to fake
// calibration data. Every configured path is checked on disk, and missing
// class names are inferred from the first available split.
//
// Prepare materializes the derived splits as CSV manifests inside the run
// output directory so the ML framework reads exactly the files the plan
// selected:
//
//	plan, err := dataset.Reconcile(cfg)
//	if err != nil {
//	    return err
//	}
//	prepared, err := dataset.Prepare(plan, cfg.OutputDir())
package dataset
