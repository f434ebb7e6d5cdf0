// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package mapo

import (
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// pairLoss evaluates the preference loss for a batch where every element of
// the preferred prediction misses the noise by sqrt(errPreferred), and every
// element of the rejected one by sqrt(errRejected) -- so the per-example
// squared errors are exactly errPreferred and errRejected.
func pairLoss(backend backends.Backend, errPreferred, errRejected, beta float64) float64 {
	loss := MustExecOnce(backend, func(g *Graph) *Node {
		shape := shapes.Make(dtypes.Float64, 2, 4)
		predPreferred := MulScalar(Ones(g, shape), math.Sqrt(errPreferred))
		predRejected := MulScalar(Ones(g, shape), math.Sqrt(errRejected))
		loss, _ := PreferenceLossGraph(predPreferred, predRejected, Zeros(g, shape), beta)
		return loss
	})
	return loss.Value().(float64)
}

func TestPerExampleSquaredError(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got := MustExecOnce(backend, func(g *Graph) *Node {
		predicted := Const(g, [][]float64{{1, 1, 1, 1}, {3, 3, 3, 3}})
		target := Const(g, [][]float64{{0, 0, 0, 0}, {1, 1, 1, 1}})
		return PerExampleSquaredError(predicted, target)
	})
	require.NoError(t, got.Shape().CheckDims(2))
	assert.InDeltaSlice(t, []float64{1, 4}, got.Value().([]float64), 1e-9)
}

func TestPreferenceLossGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// A zero margin -- both branches equally wrong -- costs exactly ln(2),
	// whatever the errors or beta.
	assert.InDelta(t, math.Ln2, pairLoss(backend, 0, 0, 0.1), 1e-9)
	assert.InDelta(t, math.Ln2, pairLoss(backend, 2.25, 2.25, 1.0), 1e-9)
	assert.InDelta(t, math.Ln2, pairLoss(backend, 0.5, 0.5, 7.0), 1e-9)

	// Exact value at margin 1, beta 1: softplus(1) = ln(1+e).
	assert.InDelta(t, math.Log(1+math.E), pairLoss(backend, 1, 0, 1), 1e-9)

	// A negative margin -- preferred branch better -- costs less than ln(2)
	// but never goes negative.
	negLoss := pairLoss(backend, 0, 1, 1)
	assert.Greater(t, negLoss, 0.0)
	assert.Less(t, negLoss, math.Ln2)

	// Loss grows with the margin...
	l1 := pairLoss(backend, 0.25, 0, 1)
	l2 := pairLoss(backend, 1, 0, 1)
	l3 := pairLoss(backend, 4, 0, 1)
	assert.Greater(t, l1, math.Ln2)
	assert.Greater(t, l2, l1)
	assert.Greater(t, l3, l2)

	// ... and, for a positive margin, with beta.
	b1 := pairLoss(backend, 1, 0, 0.1)
	b2 := pairLoss(backend, 1, 0, 1.0)
	b3 := pairLoss(backend, 1, 0, 10.0)
	assert.Greater(t, b2, b1)
	assert.Greater(t, b3, b2)

	// For a negative margin a larger beta shrinks the loss: the temperature
	// sharpens the penalty in whichever direction the margin points.
	n1 := pairLoss(backend, 0, 1, 0.1)
	n2 := pairLoss(backend, 0, 1, 1.0)
	n3 := pairLoss(backend, 0, 1, 10.0)
	assert.Less(t, n2, n1)
	assert.Less(t, n3, n2)

	// Margins are returned per pair, for monitoring.
	margins := MustExecOnce(backend, func(g *Graph) *Node {
		shape := shapes.Make(dtypes.Float64, 2, 4)
		predPreferred := MulScalar(Ones(g, shape), 2.0) // err = 4
		predRejected := Ones(g, shape)                  // err = 1
		_, margins := PreferenceLossGraph(predPreferred, predRejected, Zeros(g, shape), 0.5)
		return margins
	})
	require.NoError(t, margins.Shape().CheckDims(2))
	assert.InDeltaSlice(t, []float64{3, 3}, margins.Value().([]float64), 1e-9)
}

func TestPreferenceLossStability(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// At beta*margin = 1e4 the naive ln(1+exp(x)) overflows; the loss must
	// instead converge to beta*margin.
	loss := pairLoss(backend, 1e4, 0, 1.0)
	require.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
	assert.InDelta(t, 1e4, loss, 1e-6)

	// Same for a large beta with a moderate margin.
	loss = pairLoss(backend, 1, 0, 1e4)
	require.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
	assert.InDelta(t, 1e4, loss, 1e-6)

	// At beta*margin = -1e4 it converges to 0, from above.
	loss = pairLoss(backend, 0, 1e4, 1.0)
	require.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
	assert.GreaterOrEqual(t, loss, 0.0)
	assert.Less(t, loss, 1e-12)
}

func TestPreferenceLossGraphValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// Mismatched branch shapes.
	require.Error(t, exceptions.TryCatch[error](func() {
		_ = MustExecOnce(backend, func(g *Graph) *Node {
			shape := shapes.Make(dtypes.Float32, 2, 4)
			other := shapes.Make(dtypes.Float32, 2, 5)
			loss, _ := PreferenceLossGraph(Zeros(g, shape), Zeros(g, other), Zeros(g, shape), 0.1)
			return loss
		})
	}))

	// Invalid beta.
	require.Error(t, exceptions.TryCatch[error](func() {
		_ = MustExecOnce(backend, func(g *Graph) *Node {
			shape := shapes.Make(dtypes.Float32, 2, 4)
			loss, _ := PreferenceLossGraph(Zeros(g, shape), Zeros(g, shape), Zeros(g, shape), 0)
			return loss
		})
	}))

	// Per-example error needs a batch axis plus at least one more.
	require.Error(t, exceptions.TryCatch[error](func() {
		_ = MustExecOnce(backend, func(g *Graph) *Node {
			flat := shapes.Make(dtypes.Float32, 4)
			return PerExampleSquaredError(Zeros(g, flat), Zeros(g, flat))
		})
	}))
}
