// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package mapo

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// PairedDiffusionStep is one (time, noise) draw for a batch of preference
// pairs. It is drawn once per pair and applied to both the preferred and the
// rejected branch, so the two noise predictions are comparable: any difference
// in their errors comes from the images, not from the corruption.
type PairedDiffusionStep struct {
	// Times of the diffusion process, in [0, 1), shaped [batchSize, 1, 1, 1].
	Times *Node

	// SignalRatios and NoiseRatios mix image and noise at each time.
	// Element-wise, SignalRatios^2 + NoiseRatios^2 = 1.
	SignalRatios, NoiseRatios *Node

	// Noise to corrupt both branches with, shaped like one branch of images.
	Noise *Node
}

// DiffusionSchedule calculates the ratio of signal (image) and noise to mix
// for the given diffusion times `~ [0.0, 1.0]`.
//
// Time 0 means minimum corruption -- the signal ratio is clipped at the
// "mapo_max_signal_ratio" hyperparameter (default 0.95) -- and time 1.0 means
// almost all noise -- signal ratio "mapo_min_signal_ratio" (default 0.02).
//
// The ratios observe the element-wise constraint signalRatios^2 +
// noiseRatios^2 = 1, which preserves the variance of the corrupted images.
//
// If clipStart is false the signal ratio is not clipped at the start, and it
// can go all the way to 1.0 -- used when generating images from pure noise.
func DiffusionSchedule(ctx *context.Context, times *Node, clipStart bool) (signalRatios, noiseRatios *Node) {
	minSignalRatio := context.GetParamOr(ctx, "mapo_min_signal_ratio", 0.02)
	maxSignalRatio := context.GetParamOr(ctx, "mapo_max_signal_ratio", 0.95)
	if minSignalRatio <= 0 || maxSignalRatio > 1 || minSignalRatio >= maxSignalRatio {
		exceptions.Panicf("DiffusionSchedule: invalid signal ratio range [%g, %g]: it must observe "+
			"0 < mapo_min_signal_ratio < mapo_max_signal_ratio <= 1",
			minSignalRatio, maxSignalRatio)
	}

	// Diffusion times -> angles.
	startAngle := 0.0
	if clipStart {
		startAngle = math.Acos(maxSignalRatio)
	}
	endAngle := math.Acos(minSignalRatio)
	diffusionAngles := AddScalar(MulScalar(times, endAngle-startAngle), startAngle)

	// Cos^2 + Sin^2 = 1 gives us the variance-preserving mix.
	signalRatios = Cos(diffusionAngles)
	noiseRatios = Sin(diffusionAngles)
	return
}

// SamplePairedDiffusionStep draws one diffusion time and one noise tensor per
// preference pair in the batch. imagesShape is the shape of one branch of
// images, [batchSize, height, width, channels].
//
// The draw uses the context RNG state, so it is deterministic given the state,
// and each call advances it.
func SamplePairedDiffusionStep(ctx *context.Context, g *Graph, imagesShape shapes.Shape) *PairedDiffusionStep {
	if imagesShape.Rank() != 4 {
		exceptions.Panicf("SamplePairedDiffusionStep: images must be rank 4 ([batchSize, height, width, channels]), got %s",
			imagesShape)
	}
	batchSize := imagesShape.Dimensions[0]
	dtype := imagesShape.DType
	times := ctx.RandomUniform(g, shapes.Make(dtype, batchSize, 1, 1, 1))
	signalRatios, noiseRatios := DiffusionSchedule(ctx, times, true)
	noise := ctx.RandomNormal(g, imagesShape)
	return &PairedDiffusionStep{
		Times:        times,
		SignalRatios: signalRatios,
		NoiseRatios:  noiseRatios,
		Noise:        noise,
	}
}

// Corrupt mixes the images with the step's noise at the step's ratios.
// Calling it on the preferred and the rejected images of the same step
// guarantees both branches see the same (time, noise) draw.
//
// Gradients are stopped on the result: the corruption is an input to the
// noise predictor, not part of the trained model.
func (s *PairedDiffusionStep) Corrupt(images *Node) *Node {
	if !images.Shape().Equal(s.Noise.Shape()) {
		exceptions.Panicf("PairedDiffusionStep.Corrupt: images shape %s does not match the sampled noise shape %s",
			images.Shape(), s.Noise.Shape())
	}
	noisy := Add(
		Mul(images, s.SignalRatios),
		Mul(s.Noise, s.NoiseRatios))
	return StopGradient(noisy)
}

// NoiseVariances of the step, the squared noise ratios. This is the
// conditioning signal given to the noise predictor.
func (s *PairedDiffusionStep) NoiseVariances() *Node {
	return Square(s.NoiseRatios)
}
