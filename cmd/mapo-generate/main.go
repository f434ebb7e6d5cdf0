// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

// mapo-generate samples images from a trained checkpoint, conditioned on
// prompt embeddings drawn from the dataset, and saves them as a tensor of
// shape [num_images, size, size, 3].
//
// With --merge_lora it first folds trained low-rank adapters into the base
// weights and saves the checkpoint back, so the result can be served without
// the adapter variables.
package main

import (
	"flag"
	"fmt"
	"path"

	"github.com/Crystal427/CrystalSuMAPOTrainer/mapo"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/pickapair", "Directory to cache downloaded dataset files.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to load the trained model from. Required.")
	flagNumImages  = flag.Int("num_images", 16, "Number of images to generate.")
	flagNumSteps   = flag.Int("steps", 20, "Number of denoising steps.")
	flagOutput     = flag.String("output", "generated_images.tensor", "File to save the generated images to. A relative path is taken under the checkpoint directory.")
	flagMergeLoRA  = flag.Bool("merge_lora", false, "Merge trained low-rank adapters into the base weights and save the checkpoint, before generating.")
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
	if *flagCheckpoint == "" {
		klog.Exitf("A checkpoint directory with a trained model is required, set it with --checkpoint")
	}
	config := mapo.NewConfig(backend, ctx, *flagDataDir, paramsSet)
	err := exceptions.TryCatch[error](func() { generate(config) })
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func generate(config *mapo.Config) {
	ctx := config.Context
	checkpoint, _, _ := config.AttachCheckpoint(*flagCheckpoint)
	globalStep := optimizers.GetGlobalStep(ctx)
	fmt.Printf("Model loaded from %q at global step %d.\n", checkpoint.Dir(), globalStep)

	if *flagMergeLoRA {
		numMerged := mapo.MergeLoRAWeights(config.Backend, ctx)
		if numMerged == 0 {
			klog.Exitf("--merge_lora given, but the model at %q has no adapter variables", checkpoint.Dir())
		}
		fmt.Printf("Merged %d low-rank adapters into the base weights.\n", numMerged)
		must.M(checkpoint.Save())
	}

	promptEmbeds := config.SampleValidationPrompts(*flagNumImages)
	images := mapo.GenerateFromPrompts(config, promptEmbeds, *flagNumSteps)

	outputPath := *flagOutput
	if !path.IsAbs(outputPath) {
		outputPath = path.Join(checkpoint.Dir(), outputPath)
	}
	must.M(images.Save(outputPath))
	fmt.Printf("Saved %d generated images (%s) to %q.\n", *flagNumImages, images.Shape(), outputPath)
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
