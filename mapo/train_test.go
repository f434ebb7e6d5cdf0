// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package mapo

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
)

func TestFlipLabelNoise(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	preferredIn := [][]float32{{1, 2, 3}, {4, 5, 6}}
	rejectedIn := [][]float32{{-1, -2, -3}, {-4, -5, -6}}

	run := func(prob float64, training bool) (preferredOut, rejectedOut [][]float32) {
		ctx := context.New()
		ctx.SetParam("label_noise_prob", prob)
		outputs := context.MustExecOnceN(backend, ctx,
			func(ctx *context.Context, preferred, rejected *Node) []*Node {
				ctx.SetTraining(preferred.Graph(), training)
				newPreferred, newRejected := FlipLabelNoise(ctx, preferred, rejected)
				return []*Node{newPreferred, newRejected}
			}, preferredIn, rejectedIn)
		return outputs[0].Value().([][]float32), outputs[1].Value().([][]float32)
	}

	// With probability 1 every pair is swapped.
	preferred, rejected := run(1.0, true)
	assert.Equal(t, rejectedIn, preferred)
	assert.Equal(t, preferredIn, rejected)

	// With probability 0 the pairs are untouched.
	preferred, rejected = run(0.0, true)
	assert.Equal(t, preferredIn, preferred)
	assert.Equal(t, rejectedIn, rejected)

	// Evaluation graphs never flip, whatever the probability.
	preferred, rejected = run(1.0, false)
	assert.Equal(t, preferredIn, preferred)
	assert.Equal(t, rejectedIn, rejected)
}
