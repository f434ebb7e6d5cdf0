// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package mapo

import (
	"github.com/Crystal427/CrystalSuMAPOTrainer/pickapair"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
)

// GenerateNoise generates random noise that can be used to generate images.
func (c *Config) GenerateNoise(numImages int) *tensors.Tensor {
	return MustExecOnce(c.Backend, func(g *Graph) *Node {
		state := RNGStateForGraph(g)
		_, noise := RandomNormal(state, shapes.Make(c.DType, numImages, c.ImageSize, c.ImageSize, 3))
		return noise
	})
}

// SampleValidationPrompts picks numImages prompt embeddings from the dataset,
// to condition the validation images generated during training.
func (c *Config) SampleValidationPrompts(numImages int) *tensors.Tensor {
	return must.M1(pickapair.SamplePromptEmbeddings(c.DataDir, numImages))
}

// DenoiseStepGraph moves noisyImages one step back along the diffusion
// process, from startTime to endTime, conditioned on promptEmbeds.
//
// Times run backwards during generation: 1.0 is pure noise, 0.0 the finished
// image, so endTime < startTime. Each step predicts the noise at startTime,
// recovers the image estimate and re-mixes it at endTime's ratios.
func (c *Config) DenoiseStepGraph(ctx *context.Context, noisyImages, promptEmbeds, startTime, endTime *Node) *Node {
	numImages := noisyImages.Shape().Dimensions[0]
	normalizeTimeFn := func(x *Node) *Node {
		x = ConvertDType(x, noisyImages.DType())
		if !x.IsScalar() {
			x = Reshape(x, numImages, 1, 1, 1)
		} else {
			x = BroadcastToDims(x, numImages, 1, 1, 1)
		}
		return x
	}
	startTime = normalizeTimeFn(startTime)
	endTime = normalizeTimeFn(endTime)

	signalRatios, noiseRatios := DiffusionSchedule(ctx, startTime, false)
	predictedNoise := NoisePredictorGraph(ctx, nil, noisyImages, Square(noiseRatios), promptEmbeds)
	predictedImages := Div(
		Sub(noisyImages, Mul(predictedNoise, noiseRatios)),
		signalRatios)

	nextSignalRatios, nextNoiseRatios := DiffusionSchedule(ctx, endTime, false)
	return Add(
		Mul(predictedImages, nextSignalRatios),
		Mul(predictedNoise, nextNoiseRatios))
}

// ImagesGenerator regenerates images from fixed noise and prompt embeddings.
// Use it with NewImagesGenerator.
type ImagesGenerator struct {
	config              *Config
	ctx                 *context.Context
	noise, promptEmbeds *tensors.Tensor
	numImages           int
	numSteps            int
	denormalizerExec    *Exec
	stepExec            *context.Exec
}

// NewImagesGenerator generates images given initial noise and prompt
// embeddings, in numSteps denoising steps.
func NewImagesGenerator(cfg *Config, noise, promptEmbeds *tensors.Tensor, numSteps int) *ImagesGenerator {
	ctx := cfg.Context.Reuse()
	if numSteps <= 0 {
		exceptions.Panicf("Expected numSteps > 0, got %d", numSteps)
	}
	numImages := noise.Shape().Dimensions[0]
	if promptEmbeds.Shape().Dimensions[0] != numImages || noise.Rank() != 4 || promptEmbeds.Rank() != 2 {
		exceptions.Panicf("Shapes of noise (%s) and promptEmbeds (%s) are incompatible: "+
			"they must have the same number of images, noise must be rank 4 and promptEmbeds must "+
			"be rank 2", noise.Shape(), promptEmbeds.Shape())
	}
	return &ImagesGenerator{
		config:       cfg,
		ctx:          ctx,
		noise:        noise,
		promptEmbeds: promptEmbeds,
		numImages:    numImages,
		numSteps:     numSteps,
		stepExec:     context.MustNewExec(cfg.Backend, ctx, cfg.DenoiseStepGraph),
		denormalizerExec: MustNewExec(cfg.Backend, func(images *Node) *Node {
			return cfg.DenormalizeImages(images)
		}),
	}
}

// GenerateEveryN images from the original noise.
// It denoises the fixed noise towards the image distribution in numSteps
// steps, and returns the last batch of images plus every n-th intermediary
// batch, along with the diffusion time of each.
//
// It can be called more than once if the context changed, if the model was
// further trained. Otherwise, it will always return the same images.
func (g *ImagesGenerator) GenerateEveryN(n int) (predictedImages []*tensors.Tensor, diffusionTimes []float64) {
	// Copy tensor: it is donated to the exec at each iteration, and we want to
	// preserve the original g.noise.
	imagesBatch := must.M1(g.noise.LocalClone())

	backend := g.config.Backend
	stepSize := 1.0 / float64(g.numSteps)
	for step := 0; step < g.numSteps; step++ {
		startTime := 1.0 - float64(step)*stepSize
		endTime := startTime - stepSize
		if step == g.numSteps-1 {
			endTime = 0.0 // Avoiding numeric issues.
		}
		buf := must.M1(DonateTensorBuffer(imagesBatch, backend, 0))
		imagesBatch = must.M1(g.stepExec.Exec1(buf, g.promptEmbeds, startTime, endTime))
		if (n > 0 && step%n == 0) || step == g.numSteps-1 {
			diffusionTimes = append(diffusionTimes, endTime)
			predictedImages = append(predictedImages, g.denormalizerExec.MustExec(imagesBatch)[0])
		}
	}
	return
}

// Generate images from the original noise.
//
// It can be called multiple times if the context changed, if the model was
// further trained. Otherwise, it will always return the same images.
func (g *ImagesGenerator) Generate() (batchedImages *tensors.Tensor) {
	allBatches, _ := g.GenerateEveryN(0)
	return allBatches[len(allBatches)-1]
}

// GenerateFromPrompts generates numImages fresh images per prompt embedding in
// promptEmbeds, using a new random noise draw. It is what the generation
// command line uses after training.
func GenerateFromPrompts(cfg *Config, promptEmbeds *tensors.Tensor, numSteps int) *tensors.Tensor {
	numImages := promptEmbeds.Shape().Dimensions[0]
	noise := cfg.GenerateNoise(numImages)
	generator := NewImagesGenerator(cfg, noise, promptEmbeds, numSteps)
	return generator.Generate()
}
