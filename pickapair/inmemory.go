// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package pickapair

import (
	"hash/fnv"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
)

// partitionFraction deterministically maps an example ID to [0, 1), so the
// train/validation split is stable across runs and machines for a given seed.
func partitionFraction(id string, seed int64) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	var seedBytes [8]byte
	for ii := range seedBytes {
		seedBytes[ii] = byte(seed >> (8 * ii))
	}
	_, _ = h.Write(seedBytes[:])
	return float64(h.Sum64()>>11) / float64(1<<53)
}

// PartitionIndices returns the indices of the examples whose partition
// fraction falls in [from, to). DownloadAndParse must have been called.
func PartitionIndices(seed int64, from, to float64) []int {
	indices := make([]int, 0, NumExamples)
	for idx, pair := range AllPairs {
		frac := partitionFraction(pair.ID, seed)
		if frac >= from && frac < to {
			indices = append(indices, idx)
		}
	}
	return indices
}

// InMemoryDataset downloads the dataset (if missing), selects the partition
// of examples whose deterministic fraction (given seed) falls in [from, to),
// and loads them all -- images transformed to `size x size` -- into an
// InMemoryDataset on the accelerator.
func InMemoryDataset(backend backends.Backend, baseDir string, size int,
	name string, seed int64, from, to float64) (*datasets.InMemoryDataset, error) {
	if err := DownloadAndParse(baseDir); err != nil {
		return nil, err
	}
	indices := PartitionIndices(seed, from, to)
	if len(indices) == 0 {
		return nil, errors.Errorf("partition %q [%g, %g) of the %d examples is empty",
			name, from, to, NumExamples)
	}
	ds := NewDataset(name, indices, size)
	mds, err := datasets.InMemory(backend, ds, false)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load partition %q in memory", name)
	}
	return mds, nil
}
