// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package mapo

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/janpfeifer/must"
)

// LoRAScope is the sub-scope holding the low-rank adapter variables of a
// dense projection. Variables under it stay trainable when the base model is
// frozen, and MergeLoRAWeights folds them back into the base kernels.
const LoRAScope = "lora"

// DenseProjection is a dense layer over the last axis of x, with an optional
// low-rank adapter.
//
// With "lora_rank" <= 0 it is exactly layers.Dense. With "lora_rank" = r > 0
// it adds a rank-r update: x·A·B scaled by lora_alpha/r, with A randomly
// initialized and B zero -- so the adapted projection starts identical to the
// base one. Freeze the base with FreezeBaseVariables to train only the
// adapters.
func DenseProjection(ctx *context.Context, x *Node, useBias bool, outputDim int) *Node {
	base := layers.Dense(ctx, x, useBias, outputDim)
	rank := context.GetParamOr(ctx, "lora_rank", 0)
	if rank <= 0 {
		return base
	}
	return Add(base, loraDelta(ctx.In(LoRAScope), x, rank, outputDim))
}

func loraDelta(ctx *context.Context, x *Node, rank, outputDim int) *Node {
	g := x.Graph()
	dtype := x.DType()
	inputDim := x.Shape().Dimensions[x.Rank()-1]
	alpha := context.GetParamOr(ctx, "lora_alpha", 8.0)

	downVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 1.0/float64(rank))).
		VariableWithShape("lora_a", shapes.Make(dtype, inputDim, rank))
	upVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("lora_b", shapes.Make(dtype, rank, outputDim))

	// Flatten the leading axes, apply the two projections, restore the shape.
	origDims := x.Shape().Clone().Dimensions
	delta := Reshape(x, -1, inputDim)
	delta = MatMul(MatMul(delta, downVar.ValueGraph(g)), upVar.ValueGraph(g))
	origDims[len(origDims)-1] = outputDim
	delta = Reshape(delta, origDims...)
	return MulScalar(delta, alpha/float64(rank))
}

// FreezeBaseVariables marks every noise-predictor variable as non-trainable,
// except the LoRA adapters. The optimizer then only updates the adapters;
// gradients still flow through the frozen weights.
//
// Call it after the first forward graph has been built, once the variables
// exist. It returns the number of frozen variables.
func FreezeBaseVariables(ctx *context.Context) int {
	frozen := 0
	ctx.In(NoisePredictorScope).EnumerateVariablesInScope(func(v *context.Variable) {
		if strings.Contains(v.Scope(), context.ScopeSeparator+LoRAScope) {
			return
		}
		v.SetTrainable(false)
		frozen++
	})
	return frozen
}

// MergeLoRAWeights folds the trained adapters into the base dense kernels:
// for each adapted projection, weights += (lora_alpha/lora_rank)·A·B. The
// adapters are then reset to a no-op (B = 0), so the merged model behaves
// identically with or without the adapter path.
//
// The resulting context can be saved as a plain checkpoint and used without
// any LoRA hyperparameters.
func MergeLoRAWeights(backend backends.Backend, ctx *context.Context) int {
	alpha := context.GetParamOr(ctx, "lora_alpha", 8.0)
	rank := context.GetParamOr(ctx, "lora_rank", 0)
	if rank <= 0 {
		exceptions.Panicf(`MergeLoRAWeights: "lora_rank" is %d, there are no adapters to merge`, rank)
	}
	scale := alpha / float64(rank)

	merged := 0
	ctx.In(NoisePredictorScope).EnumerateVariablesInScope(func(v *context.Variable) {
		if v.Name() != "lora_a" {
			return
		}
		loraCtx := ctx.InAbsPath(v.Scope())
		downVar := v
		upVar := loraCtx.GetVariable("lora_b")
		if upVar == nil {
			exceptions.Panicf("MergeLoRAWeights: variable %q has no matching lora_b in scope %q",
				v.Name(), v.Scope())
		}

		// The base kernel lives in the "dense" sub-scope layers.Dense creates,
		// a sibling of the "lora" sub-scope.
		parentScope := strings.TrimSuffix(v.Scope(), context.ScopeSeparator+LoRAScope)
		weightsVar := ctx.InAbsPath(parentScope).In("dense").GetVariable("weights")
		if weightsVar == nil {
			exceptions.Panicf("MergeLoRAWeights: no dense \"weights\" variable under scope %q to merge adapter into",
				parentScope)
		}

		newWeights := must.M1(ExecOnce(backend, func(weights, down, up *Node) *Node {
			return Add(weights, MulScalar(MatMul(down, up), scale))
		}, weightsVar.MustValue(), downVar.MustValue(), upVar.MustValue()))
		weightsVar.MustSetValue(newWeights)

		// Reset the adapter so the merged weights are not applied twice.
		zeroUp := must.M1(ExecOnce(backend, func(g *Graph) *Node {
			return Zeros(g, upVar.Shape())
		}))
		upVar.MustSetValue(zeroUp)
		merged++
	})
	return merged
}
