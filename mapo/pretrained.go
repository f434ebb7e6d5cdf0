// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package mapo

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// safetensorsInfo is the metadata of a single tensor in a safetensors header.
type safetensorsInfo struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// safetensorsIndex is the *.safetensors.index.json layout of sharded models:
// it maps each tensor name to the shard file holding it.
type safetensorsIndex struct {
	WeightMap map[string]string `json:"weight_map"`
}

// LoadPretrainedWeights downloads base noise-predictor weights from the given
// HuggingFace repo and loads them into the context, under NoisePredictorScope.
//
// fileName may be a plain safetensors file or a "*.safetensors.index.json" of
// a sharded model, in which case every shard named in its weight_map is
// downloaded and merged.
//
// Tensor names in the files are context paths relative to the
// noise-predictor scope, e.g. "001-StartingChannelsProjection/weights".
// It returns the number of tensors loaded.
func LoadPretrainedWeights(ctx *context.Context, repoID, fileName string) (int, error) {
	repo := hub.New(repoID).WithProgressBar(true)
	filePath, err := repo.DownloadFile(fileName)
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to download %q from HuggingFace repo %q", fileName, repoID)
	}

	if !strings.HasSuffix(fileName, ".index.json") {
		return loadSafetensorsFile(ctx, filePath)
	}

	// Sharded model: download and load every shard listed in the weight map.
	indexBytes, err := os.ReadFile(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read shards index %q", filePath)
	}
	var index safetensorsIndex
	if err := json.Unmarshal(indexBytes, &index); err != nil {
		return 0, errors.Wrapf(err, "failed to parse shards index %q", filePath)
	}
	shards := make(map[string]bool)
	for _, shard := range index.WeightMap {
		shards[shard] = true
	}
	total := 0
	for shard := range shards {
		shardPath, err := repo.DownloadFile(shard)
		if err != nil {
			return total, errors.WithMessagef(err, "failed to download shard %q from HuggingFace repo %q", shard, repoID)
		}
		count, err := loadSafetensorsFile(ctx, shardPath)
		if err != nil {
			return total, errors.WithMessagef(err, "failed to load shard %q", shard)
		}
		total += count
	}
	return total, nil
}

// loadSafetensorsFile loads every tensor of one safetensors file into the
// context, under NoisePredictorScope.
func loadSafetensorsFile(ctx *context.Context, filePath string) (int, error) {
	fileData, err := os.ReadFile(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read safetensors file %q", filePath)
	}
	if len(fileData) < 8 {
		return 0, errors.Errorf("safetensors file %q too small (%d bytes)", filePath, len(fileData))
	}
	headerSize := int64(binary.LittleEndian.Uint64(fileData[0:8]))
	if int64(len(fileData)) < 8+headerSize {
		return 0, errors.Errorf("safetensors file %q truncated: header of %d bytes announced, %d available",
			filePath, headerSize, len(fileData)-8)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(fileData[8:8+headerSize], &header); err != nil {
		return 0, errors.Wrapf(err, "failed to parse safetensors header of %q", filePath)
	}
	dataSection := fileData[8+headerSize:]

	baseCtx := ctx.In(NoisePredictorScope).Checked(false)
	count := 0
	for name, rawInfo := range header {
		if name == "__metadata__" {
			continue
		}
		var info safetensorsInfo
		if err := json.Unmarshal(rawInfo, &info); err != nil {
			return count, errors.Wrapf(err, "failed to parse safetensors entry %q in %q", name, filePath)
		}
		if info.Offsets[0] < 0 || info.Offsets[1] > int64(len(dataSection)) || info.Offsets[0] > info.Offsets[1] {
			return count, errors.Errorf("safetensors entry %q in %q has invalid offsets %v",
				name, filePath, info.Offsets)
		}
		tensor, err := bytesToTensor(dataSection[info.Offsets[0]:info.Offsets[1]], info.Shape, info.DType)
		if err != nil {
			return count, errors.WithMessagef(err, "safetensors entry %q in %q", name, filePath)
		}

		scopedCtx := baseCtx
		parts := strings.Split(strings.Trim(name, context.ScopeSeparator), context.ScopeSeparator)
		varName := parts[len(parts)-1]
		for _, part := range parts[:len(parts)-1] {
			scopedCtx = scopedCtx.In(part)
		}
		scopedCtx.VariableWithValue(varName, tensor)
		count++
	}
	return count, nil
}

// bytesToTensor converts the raw little-endian bytes of one safetensors entry
// to a tensor. Half-precision entries are up-converted to float32.
func bytesToTensor(data []byte, shape []int, dtypeStr string) (*tensors.Tensor, error) {
	numElements := 1
	for _, dim := range shape {
		numElements *= dim
	}
	var dtype dtypes.DType
	switch dtypeStr {
	case "F32":
		dtype = dtypes.Float32
	case "F16":
		dtype = dtypes.Float16
	case "BF16":
		dtype = dtypes.BFloat16
	default:
		return nil, errors.Errorf("unsupported safetensors dtype %q", dtypeStr)
	}
	if want := numElements * dtype.Size(); len(data) != want {
		return nil, errors.Errorf("data size mismatch: got %d bytes, expected %d for shape %v and dtype %s",
			len(data), want, shape, dtypeStr)
	}

	values := make([]float32, numElements)
	for i := 0; i < numElements; i++ {
		switch dtype {
		case dtypes.Float32:
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : (i+1)*4]))
		case dtypes.Float16:
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2 : (i+1)*2])).Float32()
		case dtypes.BFloat16:
			values[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(data[i*2:(i+1)*2])) << 16)
		}
	}
	return tensors.FromFlatDataAndDimensions(values, shape...), nil
}
