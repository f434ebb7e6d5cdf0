// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

// mapo-train fine-tunes a text-to-image noise predictor with margin-aware
// preference optimization on the Pick-a-Pair dataset.
//
// Hyperparameters can be set with --set, e.g.:
//
//	mapo-train --checkpoint=base_model --set="mapo_beta=0.05;lora_rank=16"
package main

import (
	"flag"

	"github.com/Crystal427/CrystalSuMAPOTrainer/mapo"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/pickapair", "Directory to cache downloaded dataset files.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the validation data in the end.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. Required: it also stores the fixed validation samples regenerated during training.")
)

var (
	backend = backends.MustNew()
)

func main() {
	ctx := mapo.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))
	config := mapo.NewConfig(backend, ctx, *flagDataDir, paramsSet)
	err := exceptions.TryCatch[error](func() {
		mapo.TrainModel(config, *flagCheckpoint, *flagEval, *flagVerbosity)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
