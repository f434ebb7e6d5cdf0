// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package pickapair

import (
	"compress/gzip"
	"fmt"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdaptiveSize(t *testing.T) {
	cases := []struct{ width, height, target int }{
		{512, 512, 64},
		{640, 480, 64},
		{1024, 512, 256},
		{300, 700, 128},
		{64, 64, 64},
	}
	for _, c := range cases {
		width, height := adaptiveSize(c.width, c.height, c.target)
		assert.Zero(t, width%SizeDivisor, "width %d for %+v must be divisible by %d", width, c, SizeDivisor)
		assert.Zero(t, height%SizeDivisor, "height %d for %+v must be divisible by %d", height, c, SizeDivisor)
		// The center crop to target x target must never need padding.
		assert.GreaterOrEqual(t, width, c.target)
		assert.GreaterOrEqual(t, height, c.target)
	}

	// For moderate aspect ratios the resized area stays close to the target area.
	width, height := adaptiveSize(640, 480, 64)
	assert.InEpsilon(t, 64*64, width*height, 0.5)
}

func TestPartitioning(t *testing.T) {
	// Fractions are deterministic and in [0, 1).
	for ii := 0; ii < 1000; ii++ {
		id := fmt.Sprintf("pair%04d", ii)
		frac := partitionFraction(id, 42)
		require.GreaterOrEqual(t, frac, 0.0)
		require.Less(t, frac, 1.0)
		require.Equal(t, frac, partitionFraction(id, 42))
	}
	// A different seed reshuffles the split.
	assert.NotEqual(t, partitionFraction("pair0000", 1), partitionFraction("pair0000", 2))

	savedPairs, savedNum := AllPairs, NumExamples
	defer func() { AllPairs, NumExamples = savedPairs, savedNum }()
	AllPairs = make([]Pair, 1000)
	for ii := range AllPairs {
		AllPairs[ii] = Pair{ID: fmt.Sprintf("pair%04d", ii)}
	}
	NumExamples = len(AllPairs)

	validation := PartitionIndices(42, 0, 0.1)
	train := PartitionIndices(42, 0.1, 1.0)
	assert.Equal(t, NumExamples, len(validation)+len(train), "partitions must cover every example")
	assert.InDelta(t, 100, len(validation), 40, "~10%% of the examples go to validation")
	seen := make(map[int]bool, NumExamples)
	for _, idx := range append(validation, train...) {
		require.False(t, seen[idx], "example %d assigned to both partitions", idx)
		seen[idx] = true
	}
}

// writeGzip writes content gzip-compressed to a new file under dir.
func writeGzip(t *testing.T, dir, name, content string) string {
	filePath := path.Join(dir, name)
	f, err := os.Create(filePath)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return filePath
}

func TestParseIndex(t *testing.T) {
	savedPairs := AllPairs
	defer func() { AllPairs = savedPairs }()
	dir := t.TempDir()

	indexPath := writeGzip(t, dir, "index.csv.gz",
		"id,preferred,prompt_idx\nabc,0,3\ndef,1,0\n")
	require.NoError(t, parseIndex(indexPath))
	require.Len(t, AllPairs, 2)
	assert.Equal(t, Pair{ID: "abc", Preferred: 0, PromptIdx: 3}, AllPairs[0])
	assert.Equal(t, Pair{ID: "def", Preferred: 1, PromptIdx: 0}, AllPairs[1])

	// Invalid preference labels and malformed rows are rejected.
	badPath := writeGzip(t, dir, "bad_preferred.csv.gz", "abc,2,0\n")
	assert.Error(t, parseIndex(badPath))
	badPath = writeGzip(t, dir, "bad_prompt.csv.gz", "abc,0,-1\n")
	assert.Error(t, parseIndex(badPath))
}
