// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package mapo

import (
	"os"
	"path"

	"github.com/Crystal427/CrystalSuMAPOTrainer/pickapair"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/compute/dtypes"
	"github.com/janpfeifer/must"
)

var (
	// PartitionSeed used for the dataset splitting into train/validation.
	PartitionSeed = int64(42)

	// ValidationFraction where the rest is used for training. There is no test set.
	ValidationFraction = 0.1
)

const (
	ValidationNoiseFile    = "validation_noise.tensor"
	ValidationPromptsFile  = "validation_prompts.tensor"
	GeneratedSamplesPrefix = "generated_samples_"
)

// Config holds a configuration for the preference-optimization recipe: backend,
// context with hyperparameters, data location and sizes. See NewConfig.
type Config struct {
	Backend backends.Backend
	Context *context.Context // Usually, at the root scope.

	// DataDir is where the dataset is downloaded, and models are saved.
	DataDir string

	// ParamsSet are hyperparameters overridden, that should not be loaded from the
	// checkpoint (see commandline.ParseContextSettings).
	ParamsSet []string

	DType                               dtypes.DType
	ImageSize, BatchSize, EvalBatchSize int

	// Checkpoint if one has been attached. See Config.AttachCheckpoint.
	Checkpoint *checkpoints.Handler

	// NanLogger is enabled by setting the hyperparameter "nan_logger=true".
	NanLogger *nanlogger.NanLogger
}

// NewConfig creates a configuration for the preference-optimization recipe.
//
// It validates the preference hyperparameters once, up-front: an invalid
// mapo_beta, signal ratio range or lora_rank panics here, before any
// download or training starts.
//
// paramsSet are hyperparameters overridden, that should not be loaded from the
// checkpoint (see commandline.ParseContextSettings).
func NewConfig(backend backends.Backend, ctx *context.Context, dataDir string, paramsSet []string) *Config {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	dtype := must.M1(dtypes.DTypeString(
		context.GetParamOr(ctx, "dtype", "float32")))
	cfg := &Config{
		Backend:       backend,
		Context:       ctx,
		DataDir:       dataDir,
		ImageSize:     context.GetParamOr(ctx, "image_size", 64),
		BatchSize:     context.GetParamOr(ctx, "batch_size", 16),
		EvalBatchSize: context.GetParamOr(ctx, "eval_batch_size", 64),
		DType:         dtype,
		ParamsSet:     paramsSet,
	}
	validateHyperparameters(ctx)
	if context.GetParamOr(ctx, "nan_logger", false) {
		cfg.NanLogger = nanlogger.New()
	}
	return cfg
}

func validateHyperparameters(ctx *context.Context) {
	beta := context.GetParamOr(ctx, "mapo_beta", 0.1)
	if beta <= 0 {
		exceptions.Panicf(`invalid "mapo_beta" %g: it must be > 0`, beta)
	}
	minRatio := context.GetParamOr(ctx, "mapo_min_signal_ratio", 0.02)
	maxRatio := context.GetParamOr(ctx, "mapo_max_signal_ratio", 0.95)
	if minRatio <= 0 || maxRatio > 1 || minRatio >= maxRatio {
		exceptions.Panicf(`invalid signal ratio range [%g, %g]: it must observe `+
			`0 < mapo_min_signal_ratio < mapo_max_signal_ratio <= 1`, minRatio, maxRatio)
	}
	labelNoise := context.GetParamOr(ctx, "label_noise_prob", 0.0)
	if labelNoise < 0 || labelNoise > 1 {
		exceptions.Panicf(`invalid "label_noise_prob" %g: it must be in [0, 1]`, labelNoise)
	}
	loraRank := context.GetParamOr(ctx, "lora_rank", 0)
	if loraRank < 0 {
		exceptions.Panicf(`invalid "lora_rank" %d: it must be >= 0 (0 disables LoRA)`, loraRank)
	}
	if loraRank > 0 {
		loraAlpha := context.GetParamOr(ctx, "lora_alpha", 8.0)
		if loraAlpha <= 0 {
			exceptions.Panicf(`invalid "lora_alpha" %g: it must be > 0 when lora_rank > 0`, loraAlpha)
		}
	}
	if embedSize := context.GetParamOr(ctx, "sinusoidal_embed_size", 32); embedSize%2 != 0 {
		exceptions.Panicf(`invalid "sinusoidal_embed_size" %d: it must be even`, embedSize)
	}
}

// Beta returns the margin strength hyperparameter ("mapo_beta").
func (c *Config) Beta() float64 {
	return context.GetParamOr(c.Context, "mapo_beta", 0.1)
}

// AttachCheckpoint loads a checkpoint from the given directory into the
// context and attaches to it, so that it gets saved.
//
// It also loads (or, for new models, creates and saves) the fixed validation
// noise and prompt embeddings. At each monitoring step the same noise+prompts
// are regenerated into images, so one can observe the model drifting towards
// the preferred style.
//
// A relative checkpointPath is taken under Config.DataDir. An empty one
// disables checkpointing and returns nils.
func (c *Config) AttachCheckpoint(checkpointPath string) (checkpoint *checkpoints.Handler, validationNoise, validationPrompts *tensors.Tensor) {
	if checkpointPath == "" {
		return
	}
	ctx := c.Context
	checkpointPath = fsutil.MustReplaceTildeInDir(checkpointPath)
	if !path.IsAbs(checkpointPath) {
		checkpointPath = path.Join(c.DataDir, checkpointPath)
	}
	numCheckpoints := context.GetParamOr(ctx, "num_checkpoints", 5)
	excluded := append([]string{}, c.ParamsSet...)
	excluded = append(excluded, ParamsExcludedFromLoading...)
	checkpoint = must.M1(checkpoints.Build(ctx).
		Dir(checkpointPath).
		Keep(numCheckpoints).
		ExcludeParams(excluded...).
		Done())
	c.Checkpoint = checkpoint

	// Load previously created validation samples, if any.
	noisePath := path.Join(checkpointPath, ValidationNoiseFile)
	promptsPath := path.Join(checkpointPath, ValidationPromptsFile)
	var err error
	validationNoise, err = tensors.Load(noisePath)
	if err == nil {
		validationPrompts, err = tensors.Load(promptsPath)
		if err == nil {
			return
		}
	}
	if !os.IsNotExist(err) {
		must.M(err)
	}

	// New model: create the validation samples and save them for future training.
	numSamples := context.GetParamOr(ctx, "samples_during_training", 64)
	validationNoise = c.GenerateNoise(numSamples)
	validationPrompts = c.SampleValidationPrompts(numSamples)
	must.M(validationNoise.Save(noisePath))
	must.M(validationPrompts.Save(promptsPath))
	return
}

// CreateInMemoryDatasets returns a train and a validation InMemoryDataset of
// preference pairs, with a deterministic split. Label noise is not applied
// here: examples are materialized once, so FlipLabelNoise draws the flips
// in-graph, fresh at each training step.
func (c *Config) CreateInMemoryDatasets() (trainDS, validationDS *datasets.InMemoryDataset) {
	trainDS = must.M1(
		pickapair.InMemoryDataset(c.Backend, c.DataDir, c.ImageSize,
			"train", PartitionSeed, ValidationFraction, 1.0))
	validationDS = must.M1(
		pickapair.InMemoryDataset(c.Backend, c.DataDir, c.ImageSize,
			"validation", PartitionSeed, 0.0, ValidationFraction))
	return
}

// PreprocessImages converts uint8 images (0 to 255) to the model DType,
// normalized to [-1, 1] -- the range the noise predictor is trained on.
func (c *Config) PreprocessImages(images *Node) *Node {
	images = ConvertDType(images, dtypes.Float32)
	images = AddScalar(DivScalar(images, 127.5), -1.0)
	images = ConvertDType(images, c.DType)
	c.NanLogger.TraceFirstNaN(images, "PreprocessImages:"+c.DType.String())
	return images
}

// DenormalizeImages reverts images back to the 0 - 255 range.
// It keeps them as float, it doesn't convert back to uint8.
func (c *Config) DenormalizeImages(images *Node) *Node {
	images = ConvertDType(images, dtypes.Float32)
	images = MulScalar(AddScalar(images, 1.0), 127.5)
	images = ClipScalar(images, 0.0, 255.0)
	return images
}
