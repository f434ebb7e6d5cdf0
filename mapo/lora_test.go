// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package mapo

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeLoRAWeights(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam("lora_rank", 2)
	ctx.SetParam("lora_alpha", 4.0)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return DenseProjection(ctx.In(NoisePredictorScope).In("projection"), x, true, 3)
	})
	x := [][]float32{{1, 2, 3, 4}, {-1, 0.5, 0, 2}}
	base := exec.MustExec(x)[0].Value().([][]float32)

	// Fresh adapters are a no-op (lora_b starts at zero); give them a
	// non-trivial update so the merge has something to fold in.
	loraCtx := ctx.In(NoisePredictorScope).In("projection").In(LoRAScope)
	upVar := loraCtx.GetVariable("lora_b")
	require.NotNil(t, upVar, "adapter variable lora_b not found")
	upVar.MustSetValue(tensors.FromFlatDataAndDimensions(
		[]float32{0.1, -0.2, 0.3, 0.4, -0.5, 0.6}, 2, 3))
	adapted := exec.MustExec(x)[0].Value().([][]float32)
	assert.NotEqual(t, base, adapted, "adapter update must change the projection output")

	numMerged := MergeLoRAWeights(backend, ctx)
	require.Equal(t, 1, numMerged)

	// After merging, the base kernel alone reproduces the adapted projection,
	// and the adapter path is reset so it isn't applied twice.
	merged := exec.MustExec(x)[0].Value().([][]float32)
	for row := range adapted {
		assert.InDeltaSlice(t, adapted[row], merged[row], 1e-5)
	}
	zeroedUp := upVar.MustValue().Value().([][]float32)
	for _, row := range zeroedUp {
		for _, value := range row {
			assert.Zero(t, value, "lora_b must be reset to zero by the merge")
		}
	}
}
