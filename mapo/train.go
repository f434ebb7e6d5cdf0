// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package mapo

import (
	"fmt"
	"path"
	"time"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	stdplots "github.com/gomlx/gomlx/ui/plots"
	"github.com/gomlx/compute/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// AugmentPairs randomly mirrors pairs of images left-to-right during training.
// One draw is made per pair and applied to both images: the preferred and the
// rejected image always receive the same flip, so the preference relation
// between them is untouched.
func AugmentPairs(ctx *context.Context, preferred, rejected *Node) (*Node, *Node) {
	g := preferred.Graph()
	if !ctx.IsTraining(g) {
		return preferred, rejected
	}
	batchSize := preferred.Shape().Dimensions[0]
	flip := ctx.RandomBernoulli(Const(g, 0.5), shapes.Make(dtypes.Bool, batchSize))
	preferred = Where(flip, preferred, Reverse(preferred, 2 /* width axis */))
	rejected = Where(flip, rejected, Reverse(rejected, 2))
	return preferred, rejected
}

// FlipLabelNoise randomly swaps the preferred and rejected images of a pair
// with probability "label_noise_prob", a regularizer for noisy human labels.
//
// The swap is drawn in-graph, one fresh Bernoulli draw per pair per training
// step: datasets are materialized in accelerator memory once, so a flip drawn
// at load time would freeze into a fixed relabeling for the whole run.
// Evaluation graphs are left untouched.
func FlipLabelNoise(ctx *context.Context, preferred, rejected *Node) (*Node, *Node) {
	g := preferred.Graph()
	prob := context.GetParamOr(ctx, "label_noise_prob", 0.0)
	if prob <= 0 || !ctx.IsTraining(g) {
		return preferred, rejected
	}
	batchSize := preferred.Shape().Dimensions[0]
	swap := ctx.RandomBernoulli(Const(g, prob), shapes.Make(dtypes.Bool, batchSize))
	newPreferred := Where(swap, rejected, preferred)
	newRejected := Where(swap, preferred, rejected)
	return newPreferred, newRejected
}

// BuildTrainingModelGraph builds the ModelFn for training and evaluation.
//
// Each input batch is a batch of preference pairs: the preferred images, the
// rejected images and the prompt embedding shared by each pair. Both images of
// a pair are corrupted with the same (time, noise) draw, the noise predictor
// runs once over the concatenated batch with shared weights (there is no
// frozen reference model), and the preference loss compares the two branches'
// errors.
//
// Outputs: [0] denormalized denoised preferred images, [1] the scalar
// preference loss, [2] the mean error margin, [3] the preferred branch MSE.
func (c *Config) BuildTrainingModelGraph() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		preferred, rejected, promptEmbeds := inputs[0], inputs[1], inputs[2]
		batchSize := preferred.Shape().Dimensions[0]

		preferred, rejected = FlipLabelNoise(ctx, preferred, rejected)
		preferred, rejected = AugmentPairs(ctx, preferred, rejected)
		preferred = c.PreprocessImages(preferred)
		rejected = c.PreprocessImages(rejected)
		c.NanLogger.TraceFirstNaN(preferred, "preferred")
		c.NanLogger.TraceFirstNaN(rejected, "rejected")

		// Cosine learning rate schedule, if enabled.
		cosineschedule.New(ctx, g, c.DType).FromContext().Done()

		// One (time, noise) draw per pair, applied to both branches.
		step := SamplePairedDiffusionStep(ctx, g, preferred.Shape())
		noisyPreferred := step.Corrupt(preferred)
		noisyRejected := step.Corrupt(rejected)
		c.NanLogger.TraceFirstNaN(noisyPreferred, "noisyPreferred")

		// Single forward pass over both branches: concatenate on the batch axis
		// and split the predictions back.
		noisyBoth := Concatenate([]*Node{noisyPreferred, noisyRejected}, 0)
		variancesBoth := Concatenate([]*Node{step.NoiseVariances(), step.NoiseVariances()}, 0)
		promptsBoth := Concatenate([]*Node{promptEmbeds, promptEmbeds}, 0)
		predictions := NoisePredictorGraph(ctx, c.NanLogger, noisyBoth, variancesBoth, promptsBoth)
		c.NanLogger.TraceFirstNaN(predictions, "predictions")
		predPreferred := Slice(predictions, AxisRange(0, batchSize))
		predRejected := Slice(predictions, AxisRange(batchSize, 2*batchSize))

		if context.GetParamOr(ctx, "lora_rank", 0) > 0 {
			// The adapter variables exist now; keep only them trainable.
			FreezeBaseVariables(ctx)
		}

		// Large reduce operations overflow for low-precision dtypes: up-convert
		// before calculating the loss.
		noise := step.Noise
		if c.DType == dtypes.Float16 || c.DType == dtypes.BFloat16 {
			predPreferred = ConvertDType(predPreferred, dtypes.Float32)
			predRejected = ConvertDType(predRejected, dtypes.Float32)
			noise = ConvertDType(noise, dtypes.Float32)
		}
		loss, margins := PreferenceLossGraph(predPreferred, predRejected, noise, c.Beta())
		c.NanLogger.TraceFirstNaN(loss, "loss")
		marginMean := ReduceAllMean(margins)
		preferredMSE := ReduceAllMean(PerExampleSquaredError(predPreferred, noise))

		// Denoised preferred images, for monitoring.
		denoised := Sub(noisyPreferred, Mul(ConvertDType(predPreferred, c.DType), step.NoiseRatios))
		denoised = Div(denoised, step.SignalRatios)
		denoised = c.DenormalizeImages(denoised)

		return []*Node{denoised, loss, marginMean, preferredMSE}
	}
}

// TrainModel with a given config -- it includes the context with hyperparameters.
func TrainModel(config *Config, checkpointPath string, evaluateOnEnd bool, verbosity int) {
	ctx := config.Context
	backend := config.Backend

	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	// Checkpoints saving.
	checkpoint, validationNoise, validationPrompts := config.AttachCheckpoint(checkpointPath)
	if validationNoise == nil {
		klog.Exitf("A checkpoint directory name with --checkpoint is required for storing the evolution of some samples, none given")
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	if context.GetParamOr(ctx, "rng_reset", true) {
		// Reset RNG with some pseudo-random value.
		ctx.ResetRNGState()
	}
	if verbosity >= 1 {
		// Enumerate parameters that were set.
		for _, paramsPath := range config.ParamsSet {
			scope, name := context.SplitScope(paramsPath)
			if scope == "" {
				if value, found := ctx.GetParam(name); found {
					fmt.Printf("\t%s=%v\n", name, value)
				}
			} else {
				if value, found := ctx.InAbsPath(scope).GetParam(name); found {
					fmt.Printf("\tscope=%q %s=%v\n", scope, name, value)
				}
			}
		}
	}

	// Pretrained base weights: only loaded for fresh models, a checkpointed
	// model already carries its own.
	globalStep := int(optimizers.GetGlobalStep(ctx))
	loadedPretrained := false
	if repo := context.GetParamOr(ctx, "pretrained_repo", ""); repo != "" && globalStep == 0 {
		numLoaded := must.M1(LoadPretrainedWeights(ctx, repo,
			context.GetParamOr(ctx, "pretrained_file", "model.safetensors")))
		fmt.Printf("\t - Loaded %d pretrained tensors from %q.\n", numLoaded, repo)
		loadedPretrained = true
	}

	// Create datasets used for training and evaluation.
	trainInMemoryDS, validationDS := config.CreateInMemoryDatasets()
	trainEvalDS := trainInMemoryDS.Copy()
	trainInMemoryDS.Shuffle().Infinite(true).BatchSize(config.BatchSize, true)
	trainEvalDS.BatchSize(config.EvalBatchSize, false)
	validationDS.BatchSize(config.EvalBatchSize, false)

	// Custom loss: the model returns the preference loss as the second element of the predictions.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }

	marginMetricFn := func(ctx *context.Context, labels, predictions []*Node) *Node {
		return predictions[2]
	}
	mseMetricFn := func(ctx *context.Context, labels, predictions []*Node) *Node {
		return predictions[3]
	}
	pprintFn := func(t *tensors.Tensor) string {
		return fmt.Sprintf("%.4f", t.Value())
	}
	meanMargin := metrics.NewMeanMetric(
		"Error Margin", "margin", "margin", marginMetricFn, pprintFn)
	movingMargin := metrics.NewExponentialMovingAverageMetric(
		"Moving Error Margin", "~margin", "margin", marginMetricFn, pprintFn, 0.01)
	meanMSE := metrics.NewMeanMetric(
		"Preferred Branch MSE", "mse", "mse", mseMetricFn, pprintFn)
	movingMSE := metrics.NewExponentialMovingAverageMetric(
		"Moving Preferred Branch MSE", "~mse", "mse", mseMetricFn, pprintFn, 0.01)

	// Create a train.Trainer: this object will orchestrate running the model, feeding
	// results to the optimizer, evaluating the metrics, etc. (all happens in trainer.TrainStep)
	trainer := train.NewTrainer(
		backend, ctx, config.BuildTrainingModelGraph(), customLoss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingMargin, movingMSE}, // trainMetrics
		[]metrics.Interface{meanMargin, meanMSE})     // evalMetrics
	if config.NanLogger != nil {
		trainer.OnExecCreation(func(exec *context.Exec, _ train.GraphType) {
			config.NanLogger.AttachToExec(exec)
		})
	}

	// Use a standard training loop.
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Checkpoint saving: every "checkpoint_frequency" of training.
	if checkpoint != nil {
		period := must.M1(
			time.ParseDuration(context.GetParamOr(ctx, "checkpoint_frequency", "3m")))
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Attach Plotly plots: plot points at exponential steps.
	// The points generated are saved along the checkpoint directory.
	var plotter *plotly.PlotConfig
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		plotter = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(trainEvalDS, validationDS).
			WithBatchNormalizationAveragesUpdate(trainEvalDS)
	}

	// Regenerate the fixed validation samples periodically, to monitor the
	// model drifting towards the preferred style.
	generator := NewImagesGenerator(config, validationNoise, validationPrompts, 20)
	samplesFrequency := context.GetParamOr(ctx, "samples_during_training_frequency", 200)
	samplesFrequencyGrowth := context.GetParamOr(ctx, "samples_during_training_frequency_growth", 1.2)
	if plotter != nil {
		train.ExponentialCallback(loop, samplesFrequency, samplesFrequencyGrowth, true,
			"Monitor", 0, func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return TrainingMonitor(checkpoint, loop, metrics, plotter, plotter.EvalDatasets, generator)
			})
	}

	// Loop for given number of steps.
	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	} else if loadedPretrained {
		// Pretrained variables already exist; the model graph may still create new ones.
		trainer.SetContext(ctx.Checked(false))
	}
	if globalStep < numTrainSteps {
		fmt.Println("Starting training stage:")
		_, err := loop.RunSteps(trainInMemoryDS, numTrainSteps-globalStep)
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
		if err != nil {
			if loop.LoopStep > loop.StartStep {
				klog.Infof("Debug checkpoint save before crashing at loop step %d", loop.LoopStep)
				errSave := checkpoint.Save()
				if errSave != nil {
					klog.Errorf("Error while saving checkpoint before crashing: %+v", errSave)
				}
			}
			klog.Fatalf("Error during training: %+v", err)
		}

		// Update batch normalization averages, if they are used.
		bnUpdated, err := batchnorm.UpdateAverages(trainer, trainEvalDS)
		if err != nil {
			klog.Exitf("Error while updating batch normalization averages: %+v", err)
		}
		if bnUpdated {
			fmt.Println("\tUpdated batch normalization mean/variances averages.")
			if checkpoint != nil {
				must.M(checkpoint.Save())
			}
		}

	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	// Finally, print an evaluation on train and validation datasets.
	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, trainEvalDS, validationDS))
	}
}

// TrainingMonitor is periodically called during training, to report metrics and
// regenerate the fixed validation samples at the current training step.
func TrainingMonitor(checkpoint *checkpoints.Handler, loop *train.Loop, metrics []*tensors.Tensor,
	plotter stdplots.Plotter, evalDatasets []train.Dataset, generator *ImagesGenerator) error {
	// Save checkpoint, just in case.
	if checkpoint == nil {
		// Only works if there is a model directory.
		return nil
	}
	must.M(checkpoint.Save())
	must.M(checkpoint.Backup()) // So this checkpoint doesn't get automatically collected.

	// Update plotter with metrics.
	must.M(stdplots.AddTrainAndEvalMetrics(plotter, loop, metrics, evalDatasets, evalDatasets[0]))

	// Regenerate the validation samples.
	sampledImages := generator.Generate()
	imagesPath := fmt.Sprintf("%s%07d.tensor", GeneratedSamplesPrefix, loop.LoopStep)
	imagesPath = path.Join(checkpoint.Dir(), imagesPath)
	must.M(sampledImages.Save(imagesPath))

	return nil
}
