// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package mapo

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/require"
)

func TestHyperparameterValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	invalid := []struct {
		name  string
		value any
	}{
		{"mapo_beta", 0.0},
		{"mapo_beta", -1.0},
		{"mapo_min_signal_ratio", 0.98}, // Above the default max of 0.95.
		{"mapo_max_signal_ratio", 1.5},
		{"label_noise_prob", 1.5},
		{"label_noise_prob", -0.1},
		{"lora_rank", -1},
		{"sinusoidal_embed_size", 33},
	}
	for _, setting := range invalid {
		ctx := CreateDefaultContext()
		ctx.SetParam(setting.name, setting.value)
		err := exceptions.TryCatch[error](func() {
			_ = NewConfig(backend, ctx, *flagDataDir, nil)
		})
		require.Errorf(t, err, "invalid %s=%v must be rejected at configuration time", setting.name, setting.value)
	}

	// lora_alpha is only checked when adapters are enabled.
	ctx := CreateDefaultContext()
	ctx.SetParam("lora_alpha", -1.0)
	require.NoError(t, exceptions.TryCatch[error](func() {
		_ = NewConfig(backend, ctx, *flagDataDir, nil)
	}))
	ctx.SetParam("lora_rank", 4)
	require.Error(t, exceptions.TryCatch[error](func() {
		_ = NewConfig(backend, ctx, *flagDataDir, nil)
	}))
}
