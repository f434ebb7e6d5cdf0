// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package mapo

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// PerExampleSquaredError returns the squared error between predicted and target
// noise, averaged over all non-batch axes. The result is shaped [batchSize].
//
// Both inputs must have the same shape, with the batch on axis 0.
func PerExampleSquaredError(predicted, target *Node) *Node {
	if !predicted.Shape().Equal(target.Shape()) {
		exceptions.Panicf("PerExampleSquaredError: predicted (%s) and target (%s) must have the same shape",
			predicted.Shape(), target.Shape())
	}
	if predicted.Rank() < 2 {
		exceptions.Panicf("PerExampleSquaredError: inputs must be at least rank 2 ([batchSize, ...]), got %s",
			predicted.Shape())
	}
	nonBatchAxes := xslices.Iota(1, predicted.Rank()-1)
	return ReduceMean(Square(Sub(predicted, target)), nonBatchAxes...)
}

// PreferenceLossGraph computes the margin-aware preference loss for a batch of
// preference pairs.
//
// Parameters:
//   - predPreferred: noise predicted by the model for the corrupted preferred
//     images, shaped [batchSize, ...].
//   - predRejected: noise predicted for the corrupted rejected images, with the
//     exact same shape -- both branches were corrupted with the same noise, at
//     the same diffusion time (see PairedDiffusionStep).
//   - noise: the noise both branches were corrupted with, same shape again.
//   - beta: margin strength, must be > 0.
//
// Per pair it takes the squared error of each branch against the noise (mean
// over the non-batch axes), and penalizes the preferred branch being worse
// than the rejected one:
//
//	margin = err_preferred - err_rejected
//	loss = mean(softplus(beta * margin))
//
// Softplus here is computed as LogAddExp(x, 0), so the loss stays finite and
// correct for large |beta*margin| (it approaches 0 for very negative margins
// and beta*margin for very positive ones, never overflowing).
//
// It returns the scalar loss and the per-pair margins (shaped [batchSize]) for
// monitoring. A zero margin yields loss ln(2).
func PreferenceLossGraph(predPreferred, predRejected, noise *Node, beta float64) (loss, margins *Node) {
	if beta <= 0 {
		exceptions.Panicf("PreferenceLossGraph: beta must be > 0, got %g", beta)
	}
	if !predPreferred.Shape().Equal(predRejected.Shape()) || !predPreferred.Shape().Equal(noise.Shape()) {
		exceptions.Panicf("PreferenceLossGraph: predPreferred (%s), predRejected (%s) and noise (%s) must all "+
			"have the same shape", predPreferred.Shape(), predRejected.Shape(), noise.Shape())
	}
	errPreferred := PerExampleSquaredError(predPreferred, noise)
	errRejected := PerExampleSquaredError(predRejected, noise)
	margins = Sub(errPreferred, errRejected)
	loss = ReduceAllMean(Softplus(MulScalar(margins, beta)))
	return
}
