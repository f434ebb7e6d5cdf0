// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package mapo

import (
	"flag"
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/compute/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	flagDataDir = flag.String("data", "~/work/pickapair", "Directory to cache downloaded dataset files.")

	// -set flag content
	ctxSettings *string
)

func init() {
	ctx := CreateDefaultContext()
	ctxSettings = commandline.CreateContextSettingsFlag(ctx, "")
}

func getTestConfig() *Config {
	ctx := CreateDefaultContext()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *ctxSettings))
	backend := graphtest.BuildTestBackend()
	return NewConfig(backend, ctx, *flagDataDir, paramsSet)
}

func TestNoisePredictorGraph(t *testing.T) {
	config := getTestConfig()
	ctx := config.Context
	g := NewGraph(config.Backend, "test")

	numExamples := 5
	promptEmbedDim := 128
	noisyImages := Zeros(g, shapes.Make(config.DType, numExamples, 32, 32, 3))
	noiseVariances := Ones(g, shapes.Make(config.DType, numExamples, 1, 1, 1))
	promptEmbeds := Zeros(g, shapes.Make(dtypes.Float32, numExamples, promptEmbedDim))
	predicted := NoisePredictorGraph(ctx, nil, noisyImages, noiseVariances, promptEmbeds)
	assert.True(t, noisyImages.Shape().Equal(predicted.Shape()),
		"Predicted noise must have the same shape as the input images")
	fmt.Printf("Noise predictor #params:\t%d\n", ctx.NumParameters())
	fmt.Printf(" Noise predictor memory:\t%s\n", fsutil.ByteCountIEC(ctx.Memory()))
}

func TestTrainingModelGraph(t *testing.T) {
	config := getTestConfig()
	ctx := config.Context
	g := NewGraph(config.Backend, "test")

	numPairs := 4
	promptEmbedDim := 128
	preferred := Zeros(g, shapes.Make(dtypes.Uint8, numPairs, config.ImageSize, config.ImageSize, 3))
	rejected := Zeros(g, shapes.Make(dtypes.Uint8, numPairs, config.ImageSize, config.ImageSize, 3))
	promptEmbeds := Zeros(g, shapes.Make(dtypes.Float32, numPairs, promptEmbedDim))

	modelFn := config.BuildTrainingModelGraph()
	outputs := modelFn(ctx, nil, []*Node{preferred, rejected, promptEmbeds})
	require.Len(t, outputs, 4)
	denoised, loss, margin, mse := outputs[0], outputs[1], outputs[2], outputs[3]
	assert.NoError(t, denoised.Shape().CheckDims(numPairs, config.ImageSize, config.ImageSize, 3))
	assert.True(t, loss.Shape().IsScalar(), "Loss must be scalar.")
	assert.True(t, margin.Shape().IsScalar(), "Mean margin must be scalar.")
	assert.True(t, mse.Shape().IsScalar(), "Preferred branch MSE must be scalar.")
	assert.Greater(t, ctx.NumParameters(), 0, "No context parameters created!?")
	fmt.Printf("Model #params:\t%d\n", ctx.NumParameters())
}

func TestFreezeBaseVariables(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	ctx.SetParam("lora_rank", 2)
	g := NewGraph(backend, "test")

	// Building the graph creates the variables, adapters included.
	images := Zeros(g, shapes.Make(dtypes.Float32, 2, 16, 16, 3))
	variances := Ones(g, shapes.Make(dtypes.Float32, 2, 1, 1, 1))
	promptEmbeds := Zeros(g, shapes.Make(dtypes.Float32, 2, 32))
	_ = NoisePredictorGraph(ctx, nil, images, variances, promptEmbeds)

	frozen := FreezeBaseVariables(ctx)
	require.Greater(t, frozen, 0, "No base variables frozen!?")

	numAdapters := 0
	ctx.In(NoisePredictorScope).EnumerateVariablesInScope(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		assert.Contains(t, v.Scope(), context.ScopeSeparator+LoRAScope,
			"Only adapter variables may stay trainable after freezing, got %q / %q", v.Scope(), v.Name())
		numAdapters++
	})
	assert.Greater(t, numAdapters, 0, "No trainable adapter variables left after freezing!?")
}
