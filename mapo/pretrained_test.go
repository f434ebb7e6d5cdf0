// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package mapo

import (
	"encoding/binary"
	"math"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSafetensors writes a minimal safetensors file: 8 bytes of little-endian
// header size, the JSON header, and the raw data section.
func writeSafetensors(t *testing.T, header string, data []byte) string {
	filePath := path.Join(t.TempDir(), "model.safetensors")
	contents := make([]byte, 8, 8+len(header)+len(data))
	binary.LittleEndian.PutUint64(contents, uint64(len(header)))
	contents = append(contents, header...)
	contents = append(contents, data...)
	require.NoError(t, os.WriteFile(filePath, contents, 0644))
	return filePath
}

func TestLoadSafetensorsFile(t *testing.T) {
	want := []float32{1.5, -2.0}
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], math.Float32bits(want[0]))
	binary.LittleEndian.PutUint32(data[4:8], math.Float32bits(want[1]))
	filePath := writeSafetensors(t,
		`{"proj/weights":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, data)

	ctx := context.New()
	count, err := loadSafetensorsFile(ctx, filePath)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	v := ctx.In(NoisePredictorScope).In("proj").GetVariable("weights")
	require.NotNil(t, v)
	assert.Equal(t, want, v.MustValue().Value())
}

func TestLoadSafetensorsFileInvalidOffsets(t *testing.T) {
	// Offsets must stay within the data section; malformed entries must be
	// reported as errors, negative starts included.
	for _, header := range []string{
		`{"w":{"dtype":"F32","shape":[1],"data_offsets":[-4,0]}}`,
		`{"w":{"dtype":"F32","shape":[1],"data_offsets":[0,100]}}`,
		`{"w":{"dtype":"F32","shape":[1],"data_offsets":[8,4]}}`,
	} {
		filePath := writeSafetensors(t, header, make([]byte, 8))
		ctx := context.New()
		_, err := loadSafetensorsFile(ctx, filePath)
		require.ErrorContains(t, err, "invalid offsets", "header=%s", header)
	}
}
