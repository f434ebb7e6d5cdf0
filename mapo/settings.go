// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package mapo

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
)

var (
	// ParamsExcludedFromLoading is the list of parameters (see CreateDefaultContext) that shouldn't be loaded
	// from model checkpoints.
	//
	// These are appended to the list of settings given in the command line with -set.
	ParamsExcludedFromLoading = []string{
		"data_dir", "train_steps", "plots", "nan_logger",
	}
)

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":          50_000,
		"num_checkpoints":      5,
		"checkpoint_frequency": "3m", // How often to save checkpoints. See time.ParseDuration.

		// batch_size is the number of preference pairs per step. The noise
		// predictor sees 2x this many images per forward pass.
		"batch_size": 16,

		// eval_batch_size can be larger than training, it's more efficient.
		"eval_batch_size": 64,

		// image_size the pairs are resized/cropped to before training.
		"image_size": 64,

		// dtype to use for the model.
		"dtype": "float32",

		// samples_during_training is the number of validation images regenerated during
		// training to observe the model drifting towards the preferred style.
		"samples_during_training":                  64,
		"samples_during_training_frequency":        200, // Steps between regenerating samples (actually the period).
		"samples_during_training_frequency_growth": 1.2, // Growth factor for the period.

		// rng_reset enables resetting the random number generator state with a new random
		// value -- useful when continuing training.
		"rng_reset": true,

		// Debugging: add a NanLogger to help find where NaNs appear in the model.
		"nan_logger": false,

		// Preference optimization:
		"mapo_beta":        0.1, // Margin strength: scales the error margin inside the softplus. Must be > 0.
		"label_noise_prob": 0.0, // Probability of flipping preferred/rejected labels, a regularizer for noisy human labels.

		// Diffusion corruption schedule:
		"mapo_min_signal_ratio": 0.02, // Minimum signal ratio when corrupting pairs. Must be > 0.
		"mapo_max_signal_ratio": 0.95, // Maximum signal ratio when corrupting pairs.

		// LoRA fine-tuning: if lora_rank > 0 the base weights are frozen and only
		// low-rank adapters on the dense projections are trained.
		"lora_rank":  0,
		"lora_alpha": 8.0, // Adapter updates are scaled by lora_alpha/lora_rank.

		// Pretrained base weights, downloaded from HuggingFace if set.
		"pretrained_repo": "", // E.g.: "Crystal427/unet-noise-predictor"
		"pretrained_file": "model.safetensors",

		// U-Net noise predictor:
		"unet_channels_list":       []int{32, 64, 96, 128}, // Channels (features) per image size (progressively smaller).
		"unet_num_residual_blocks": 2,                      // Residual blocks per image size.
		"unet_pool":                "mean",                 // Values are: "mean", "max", "sum", "concat".
		"unet_attn_layers":         0,                      // If > 0 uses attention in the inner (smallest spatial size) part.
		"unet_attn_heads":          4,                      // If using attention, how many heads.
		"unet_attn_key_dim":        16,                     // Key/Query embedding size for attention.
		"unet_attn_pos_dim":        16,                     // Position embedding size for the patches.

		// Conditioning:
		"prompt_embed_size":     0,      // If > 0, project the dataset's prompt embeddings down to this size; 0 uses them as is.
		"sinusoidal_embed_size": 32,     // Sinusoidal embedding size of the noise variance. Must be even.
		"sinusoidal_max_freq":   1000.0, // Sinusoidal embedding max frequency.
		"sinusoidal_min_freq":   1.0,    // Sinusoidal embedding min frequency.

		layers.ParamNormalization: "layer",

		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamDType:       "",
		optimizers.ParamAdamWeightDecay: 1e-4,
		activations.ParamActivation:     "swish",
		layers.ParamDropoutRate:         0.0,
		regularizers.ParamL2:            0.0,
		regularizers.ParamL1:            0.0,

		optimizers.ParamLearningRate:        1e-4,
		cosineschedule.ParamPeriodSteps:     0, // If > 0, period of the learning rate cosine schedule. Typically = train_steps.
		cosineschedule.ParamMinLearningRate: 1e-6,

		// "plots" triggers generating intermediary eval data for plotting, and if running
		// in GoNB, to actually draw the plot with Plotly.
		plotly.ParamPlots: true,
	})
	return ctx
}
