// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package mapo

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// NoisePredictorScope is the context scope holding the U-Net variables.
// Pretrained weights are loaded under it, and LoRA freezing walks it.
const NoisePredictorScope = "noise-predictor"

// SinusoidalEmbedding provides embeddings of `x` for geometrically spaced
// frequencies. Applied to the noise variance, it lets the model easily tell
// apart different ranges of the signal/noise ratio.
func SinusoidalEmbedding(ctx *context.Context, x *Node) *Node {
	g := x.Graph()

	// Half the embedding size for sine numbers, half for cosine numbers.
	halfEmbed := context.GetParamOr(ctx, "sinusoidal_embed_size", 32) / 2
	logMinFreq := math.Log(context.GetParamOr(ctx, "sinusoidal_min_freq", 1.0))
	logMaxFreq := math.Log(context.GetParamOr(ctx, "sinusoidal_max_freq", 1000.0))
	frequencies := IotaFull(g, shapes.Make(x.DType(), halfEmbed))
	frequencies = AddScalar(
		MulScalar(frequencies, (logMaxFreq-logMinFreq)/float64(halfEmbed-1.0)),
		logMinFreq)
	frequencies = Exp(frequencies)
	frequencies.AssertDims(halfEmbed)

	angularSpeeds := MulScalar(frequencies, 2.0*math.Pi)
	if !x.Shape().IsScalar() {
		angularSpeeds = ExpandLeftToRank(angularSpeeds, x.Rank())
	}
	angles := Mul(angularSpeeds, x)
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// NormalizeLayer normalizes according to the "normalization" hyperparameter.
// It works with `x` of rank 4 and rank 3.
func NormalizeLayer(ctx *context.Context, x *Node) *Node {
	norm := context.GetParamOr(ctx, layers.ParamNormalization, "none")
	switch norm {
	case "none":
		// No-op.
	case "batch":
		x = batchnorm.New(ctx, x, -1).Center(false).Scale(false).Done()
	case "layer":
		x = layers.LayerNormalization(ctx, x, 1, 2).Done()
	}
	return x
}

// concatContextFeatures to x, by broadcasting contextFeatures to x spatial dimensions.
func concatContextFeatures(x, contextFeatures *Node) *Node {
	if contextFeatures == nil {
		return x
	}
	broadcastDims := contextFeatures.Shape().Clone().Dimensions
	for _, axis := range timages.GetSpatialAxes(x, timages.ChannelsLast) {
		broadcastDims[axis] = x.Shape().Dimensions[axis]
	}
	contextFeatures = BroadcastToDims(contextFeatures, broadcastDims...)
	return Concatenate([]*Node{x, contextFeatures}, -1)
}

// ResidualBlock on the input with `outputChannels` (axis 3) in the output.
//
// The parameter `x` must be of rank 4, shaped `[batchSize, height, width, channels]`.
func ResidualBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node, outputChannels int) *Node {
	x.AssertRank(4)
	inputChannels := x.Shape().Dimensions[3]
	residual := x
	layerNum := 0
	nextCtx := func(name string) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-%s", layerNum, name)
		layerNum++
		return
	}

	if inputChannels != outputChannels {
		residual = DenseProjection(nextCtx("residual_projection"), x, true, outputChannels)
	}
	nanLogger.TraceFirstNaN(residual, "residual")

	x = NormalizeLayer(nextCtx("norm"), x)
	residual = activations.ApplyFromContext(ctx, residual)
	// Zero-initialized convolution: the block starts as an identity.
	convCtx := nextCtx("conv").WithInitializer(initializers.Zero)
	x = layers.Convolution(convCtx, x).Filters(outputChannels).KernelSize(3).PadSame().Done()
	x = layers.DropBlock(ctx, x).ChannelsAxis(timages.ChannelsLast).Done()
	nanLogger.TraceFirstNaN(x, "conv")
	x = Add(x, residual)
	return x
}

// DownBlock applies `numBlocks` residual blocks followed by a pooling of size 2,
// halving the spatial size. It pushes the value after each residual block to the
// `skips` stack, to build the skip connections later.
//
// It returns the transformed `x` and `skips` with the newly stacked skip connections.
func DownBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	for ii := 0; ii < numBlocks; ii++ {
		x = ResidualBlock(ctx.Inf("%03d-residual", ii), nanLogger, x, outputChannels)
		skips = append(skips, x)
	}
	poolType := context.GetParamOr(ctx, "unet_pool", "mean")
	switch poolType {
	case "mean":
		x = MeanPool(x).Window(2).NoPadding().Done()
	case "max":
		x = MaxPool(x).Window(2).NoPadding().Done()
	case "sum":
		x = SumPool(x).Window(2).NoPadding().Done()
	case "concat":
		x = ConcatPool(x).Window(2).NoPadding().Done()
	default:
		exceptions.Panicf(`invalid "unet_pool" setting %q: valid values are mean, max, sum or concat`, poolType)
	}
	nanLogger.TraceFirstNaN(x)
	return x, skips
}

// UpSampleImages doubles the spatial dimensions of the images, repeating pixels.
func UpSampleImages(images *Node) *Node {
	shape := images.Shape()
	batchSize := shape.Dimensions[0]
	height, width := shape.Dimensions[1], shape.Dimensions[2]
	numChannels := shape.Dimensions[3]
	upSampled := Concatenate([]*Node{images, images}, 3)
	upSampled = Reshape(upSampled, batchSize, height, 2*width, numChannels)
	upSampled = Concatenate([]*Node{upSampled, upSampled}, 2)
	upSampled = Reshape(upSampled, batchSize, 2*height, 2*width, numChannels)
	return upSampled
}

// UpBlock is the counter-part to DownBlock. It up-samples and connects skip
// connections popped from `skips`.
//
// It returns `x` and `skips` after popping the consumed skip connections.
func UpBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	nanLogger.PushScope("UpBlock")
	defer nanLogger.PopScope()

	x = UpSampleImages(x)
	nanLogger.TraceFirstNaN(x, "UpSampleImages")
	for ii := 0; ii < numBlocks; ii++ {
		scopedCtx := ctx.Inf("%03d-residual", ii)
		nanLogger.PushScope(scopedCtx.Scope())
		var skip *Node
		skip, skips = xslices.Pop(skips)
		x = Concatenate([]*Node{x, skip}, -1)
		x = ResidualBlock(scopedCtx, nanLogger, x, outputChannels)
		nanLogger.TraceFirstNaN(x)
		nanLogger.PopScope()
	}
	return x, skips
}

// AttentionBlock applies self-attention over the collapsed spatial dimensions
// of x, shaped `[batchSize, height, width, channels]`. Used at the innermost
// (smallest spatial size) part of the U-Net when "unet_attn_layers" > 0.
func AttentionBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node) *Node {
	g := x.Graph()
	dtype := x.DType()
	batchDim := x.Shape().Dimensions[0]
	embedDim := x.Shape().Dimensions[3]

	numLayers := context.GetParamOr(ctx, "unet_attn_layers", 0)
	numHeads := context.GetParamOr(ctx, "unet_attn_heads", 4)
	keyQueryDim := context.GetParamOr(ctx, "unet_attn_key_dim", 16)
	posEmbedDim := context.GetParamOr(ctx, "unet_attn_pos_dim", 16)

	// Collapse spatial dimensions of the image.
	embed := Reshape(x, batchDim, -1, embedDim)
	spatialDim := embed.Shape().Dimensions[1]

	// One positional embedding per spatial position, shared across the batch.
	posEmbedVar := ctx.VariableWithShape("positional", shapes.Make(dtype, 1, spatialDim, posEmbedDim))
	posEmbed := posEmbedVar.ValueGraph(g)
	posEmbed = BroadcastToDims(posEmbed, batchDim, spatialDim, posEmbedDim)

	for ii := 0; ii < numLayers; ii++ {
		scopedCtx := ctx.In(fmt.Sprintf("AttLayer_%d", ii))
		residual := embed
		embed = Concatenate([]*Node{embed, posEmbed}, -1)
		embed = attention.MultiHeadAttention(scopedCtx, embed, embed, embed, numHeads, keyQueryDim).
			SetOutputDim(embedDim).
			SetValueHeadDim(embedDim).Done()
		nanLogger.TraceFirstNaN(embed)
		embed = layers.DropoutFromContext(scopedCtx, embed)
		embed = NormalizeLayer(scopedCtx.In("normalization_1"), embed)
		attentionOutput := embed

		embed = DenseProjection(scopedCtx.In("ffn_1"), embed, true, embedDim)
		embed = activations.ApplyFromContext(scopedCtx, embed)
		embed = DenseProjection(scopedCtx.In("ffn_2"), embed, true, embedDim)
		embed = layers.DropoutFromContext(scopedCtx, embed)
		embed = Add(embed, attentionOutput)
		embed = NormalizeLayer(scopedCtx.In("normalization_2"), embed)
		embed = Add(residual, embed)
	}
	return Reshape(embed, batchDim, x.Shape().Dimensions[1], x.Shape().Dimensions[2], -1)
}

// NoisePredictorGraph builds the U-Net that predicts the noise mixed into a
// batch of corrupted images.
//
// Parameters:
//   - noisyImages: images shaped `[batchSize, size, size, channels=3]`.
//   - noiseVariances: one value [0.0-1.0] per image, shaped `[batchSize, 1, 1, 1]`.
//   - promptEmbeds: the prompt embedding each image was generated from,
//     shaped `[batchSize, promptEmbedDim]`. Embeddings are precomputed by an
//     external text encoder and shipped with the dataset.
//
// Hyperparameters in ctx:
//   - "unet_channels_list": channels (embedding size) per image size. For each
//     value "unet_num_residual_blocks" blocks are applied and the image halved,
//     later to be up-sampled again. So at most log2(size) values.
//   - "unet_num_residual_blocks": blocks per unet_channels_list element.
//   - "lora_rank": if > 0, dense projections carry low-rank adapters.
func NoisePredictorGraph(ctx *context.Context, nanLogger *nanlogger.NanLogger, noisyImages, noiseVariances, promptEmbeds *Node) *Node {
	ctx = ctx.In(NoisePredictorScope).WithInitializer(initializers.XavierNormalFn(ctx))

	// nextCtx returns a new context prefixed with a counter, to give a nice ordering to the variables.
	layerNum := 0
	nextCtx := func(format string, args ...any) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return
	}

	batchSize := noisyImages.Shape().Dimensions[0]
	imgSize := noisyImages.Shape().Dimensions[1]
	imageChannels := noisyImages.Shape().Dimensions[3]
	noisyImages.AssertDims(batchSize, imgSize, imgSize, imageChannels)
	noiseVariances.AssertDims(batchSize, 1, 1, 1)
	promptEmbeds.AssertRank(2)
	if promptEmbeds.Shape().Dimensions[0] != batchSize {
		exceptions.Panicf("NoisePredictorGraph: promptEmbeds batch dimension (%d) does not match images (%d)",
			promptEmbeds.Shape().Dimensions[0], batchSize)
	}

	nanLogger.TraceFirstNaN(noisyImages, "NoisePredictorGraph:noisyImages")
	nanLogger.TraceFirstNaN(noiseVariances, "NoisePredictorGraph:noiseVariances")

	numChannelsList := context.GetParamOr(ctx, "unet_channels_list", []int{32, 64, 96, 128})
	numBlocks := context.GetParamOr(ctx, "unet_num_residual_blocks", 2)

	// Noise variance sinusoidal representation, broadcast to the spatial dimensions.
	contextFeatures := SinusoidalEmbedding(ctx, noiseVariances)
	nanLogger.TraceFirstNaN(contextFeatures, "NoisePredictorGraph:sinEmbed")

	// Prompt conditioning: optionally project the embeddings to a smaller size,
	// then append them to the per-pixel context features.
	promptEmbeds = ConvertDType(promptEmbeds, noisyImages.DType())
	if projSize := context.GetParamOr(ctx, "prompt_embed_size", 0); projSize > 0 {
		promptEmbeds = DenseProjection(nextCtx("PromptProjection"), promptEmbeds, true, projSize)
	}
	promptEmbeds = InsertAxes(promptEmbeds, 1, 1) // -> [batchSize, 1, 1, embedDim]
	nanLogger.TraceFirstNaN(promptEmbeds, "NoisePredictorGraph:promptEmbeds")
	contextFeatures = Concatenate([]*Node{contextFeatures, promptEmbeds}, -1)

	// Adjust imageChannels to the initial num channels.
	x := noisyImages
	x = DenseProjection(nextCtx("StartingChannelsProjection"), x, true, numChannelsList[0])
	nanLogger.TraceFirstNaN(x, "NoisePredictorGraph:x")

	// Downward: keep pooling the image to a smaller size.
	// Keep the `skips` features as we move downward, to be skip-connected on the way up.
	skips := make([]*Node, 0, numBlocks*len(numChannelsList))
	for ii, numChannels := range numChannelsList {
		blockCtx := nextCtx("DownBlock_%d", ii)
		nanLogger.PushScope(blockCtx.Scope())
		x = concatContextFeatures(x, contextFeatures)
		x, skips = DownBlock(blockCtx, nanLogger, x, skips, numBlocks, numChannels)
		nanLogger.PopScope()
	}

	// Innermost part of the model: smallest spatial shape, largest embedding size.
	if context.GetParamOr(ctx, "unet_attn_layers", 0) > 0 {
		blockCtx := nextCtx("Attention")
		nanLogger.PushScope(blockCtx.Scope())
		x = AttentionBlock(blockCtx, nanLogger, x)
		nanLogger.PopScope()
	} else {
		lastNumChannels := xslices.Last(numChannelsList)
		for ii := range numBlocks {
			blockCtx := nextCtx("IntermediaryBlock-%02d", ii)
			nanLogger.PushScope(blockCtx.Scope())
			x = ResidualBlock(blockCtx, nanLogger, x, lastNumChannels)
			nanLogger.PopScope()
		}
	}

	// Upward: up-sample the image back to the original size, one block at a time.
	for ii := range numChannelsList {
		blockCtx := nextCtx("UpBlock_%d", ii)
		nanLogger.PushScope(blockCtx.Scope())
		numChannels := numChannelsList[len(numChannelsList)-(ii+1)]
		x, skips = UpBlock(blockCtx, nanLogger, x, skips, numBlocks, numChannels)
		nanLogger.PopScope()
	}
	if len(skips) != 0 {
		exceptions.Panicf("Ended with %d skips not accounted for!?", len(skips))
	}

	// Output initialized to 0, which is the mean of the target noise.
	x = layers.DenseWithBias(nextCtx("Readout").WithInitializer(initializers.Zero), x, imageChannels)
	nanLogger.TraceFirstNaN(x, "NoisePredictorGraph:readout")
	return x
}
