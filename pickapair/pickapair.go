// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

// Package pickapair provides tools to download and cache the Pick-a-Pair
// preference dataset and a `train.Dataset` implementation that can be used to
// fine-tune text-to-image models with preference optimization.
//
// Each example is a pair of images generated from the same prompt, a human
// label naming the preferred one, and the prompt's embedding -- precomputed by
// an external text encoder, so no tokenizer or text model is needed here.
//
// Call DownloadAndParse (or InMemoryDataset, which calls it) before using any
// of the package-level state.
package pickapair

import (
	"math/rand"
	"os"
	"path"
	"strconv"

	"github.com/Crystal427/CrystalSuMAPOTrainer/downloader"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

var (
	DownloadBaseURL           = "https://huggingface.co/datasets/Crystal427/pick-a-pair-512/resolve/main/"
	DownloadSubdir            = "downloads"
	DownloadFilesAndChecksums = []struct {
		File, Checksum, UntarDir string
	}{
		// Order matters below:
		{"pairs.tgz", "", "pairs"}, // Always a different checksum :(
		{"index.csv.gz", "c0535a4508f0e256369c63a42a66d54ca7314a76de100a2c8381c44b1a3a14ab", ""},
		{"prompt_embeddings.tensor", "8ccf4bb12b43a7c43c0ca1f5b04f73a4a4d1bbf19ce4a3a83a4b00b8de2e2c34", ""},
	}
)

// Pair is one preference example: two images generated from the same prompt
// and the index of the preferred one.
type Pair struct {
	// ID names the image files: "<ID>_0.jpg" and "<ID>_1.jpg" under PairsDir.
	ID string

	// Preferred is 0 or 1, the human-preferred image of the pair.
	Preferred int32

	// PromptIdx is the row of the pair's prompt in the prompt embeddings table.
	PromptIdx int32
}

var (
	// AllPairs of the dataset.
	// Only available after DownloadAndParse is successfully called.
	AllPairs []Pair

	// NumExamples is the number of preference pairs in the dataset.
	// Only available after DownloadAndParse is successfully called.
	NumExamples int

	// PairsDir where the pair images are stored. Only available after
	// DownloadAndParse is successfully called.
	PairsDir string

	// Prompt embeddings table, flattened [NumPrompts, PromptEmbedDim].
	promptEmbeddingsFlat []float32

	// NumPrompts and PromptEmbedDim of the prompt embeddings table.
	// Only available after DownloadAndParse is successfully called.
	NumPrompts, PromptEmbedDim int
)

// DownloadAndParse the Pick-a-Pair dataset files to baseDir and untar them.
// If files are already downloaded, their previous copy is used.
//
// After download, the index and the prompt embeddings are parsed, and the
// package-level AllPairs and friends are set. It is safe to call repeatedly.
func DownloadAndParse(baseDir string) error {
	if NumExamples > 0 {
		return nil
	}
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	downloadPath := path.Join(baseDir, DownloadSubdir)
	if err := os.MkdirAll(downloadPath, 0777); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "failed to create path for downloading %q", downloadPath)
	}

	for _, file := range DownloadFilesAndChecksums {
		filePath := path.Join(downloadPath, file.File)
		url := DownloadBaseURL + file.File
		if file.UntarDir == "" {
			err := downloader.DownloadIfMissing(url, filePath, file.Checksum)
			if err != nil {
				return errors.WithMessagef(err, "failed to download %q from %q", file.File, url)
			}
		} else {
			err := downloader.DownloadAndUntarIfMissing(url, baseDir, filePath, file.UntarDir, file.Checksum)
			if err != nil {
				return errors.WithMessagef(err, "failed to download and untar %q from %q", file.File, url)
			}
		}
	}

	PairsDir = path.Join(baseDir, DownloadFilesAndChecksums[0].UntarDir)
	if err := parseIndex(path.Join(downloadPath, DownloadFilesAndChecksums[1].File)); err != nil {
		return err
	}
	if err := parsePromptEmbeddings(path.Join(downloadPath, DownloadFilesAndChecksums[2].File)); err != nil {
		return err
	}
	NumExamples = len(AllPairs)
	return nil
}

// parseIndex reads the gzipped CSV index: one row per pair, with columns
// (id, preferred, prompt_idx).
func parseIndex(filePath string) error {
	AllPairs = AllPairs[:0]
	row := 0
	err := downloader.ParseGzipCSVFile(filePath, func(fields []string) error {
		row++
		if row == 1 && fields[0] == "id" {
			// Header row.
			return nil
		}
		if len(fields) != 3 {
			return errors.Errorf("row %d has %d columns, expected 3 (id, preferred, prompt_idx)", row, len(fields))
		}
		preferred, err := strconv.Atoi(fields[1])
		if err != nil || (preferred != 0 && preferred != 1) {
			return errors.Errorf("row %d has invalid preferred column %q, expected 0 or 1", row, fields[1])
		}
		promptIdx, err := strconv.Atoi(fields[2])
		if err != nil || promptIdx < 0 {
			return errors.Errorf("row %d has invalid prompt_idx column %q", row, fields[2])
		}
		AllPairs = append(AllPairs, Pair{
			ID:        fields[0],
			Preferred: int32(preferred),
			PromptIdx: int32(promptIdx),
		})
		return nil
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to parse pairs index %q", filePath)
	}
	return nil
}

// parsePromptEmbeddings loads the prompt embeddings table, a float32 tensor
// shaped [numPrompts, embedDim].
func parsePromptEmbeddings(filePath string) error {
	t, err := tensors.Load(filePath)
	if err != nil {
		return errors.WithMessagef(err, "failed to load prompt embeddings %q", filePath)
	}
	if t.Rank() != 2 {
		return errors.Errorf("prompt embeddings %q must be rank 2 ([numPrompts, embedDim]), got %s",
			filePath, t.Shape())
	}
	NumPrompts = t.Shape().Dimensions[0]
	PromptEmbedDim = t.Shape().Dimensions[1]
	promptEmbeddingsFlat = make([]float32, t.Size())
	err = tensors.ConstFlatData(t, func(flat []float32) {
		copy(promptEmbeddingsFlat, flat)
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to read prompt embeddings %q", filePath)
	}
	return nil
}

// PromptEmbedding returns a copy of the embedding row of the given prompt.
func PromptEmbedding(promptIdx int32) ([]float32, error) {
	if NumPrompts == 0 {
		return nil, errors.Errorf("either pickapair.DownloadAndParse hasn't been called yet, or " +
			"it failed for some reason -- no prompt embeddings available")
	}
	if promptIdx < 0 || int(promptIdx) >= NumPrompts {
		return nil, errors.Errorf("prompt index %d invalid: there are only %d prompts", promptIdx, NumPrompts)
	}
	row := make([]float32, PromptEmbedDim)
	copy(row, promptEmbeddingsFlat[int(promptIdx)*PromptEmbedDim:])
	return row, nil
}

// SamplePromptEmbeddings returns n prompt embeddings sampled with replacement,
// shaped [n, PromptEmbedDim]. It downloads and parses the dataset if needed.
func SamplePromptEmbeddings(baseDir string, n int) (*tensors.Tensor, error) {
	if err := DownloadAndParse(baseDir); err != nil {
		return nil, err
	}
	flat := make([]float32, n*PromptEmbedDim)
	for ii := 0; ii < n; ii++ {
		promptIdx := rand.Intn(NumPrompts)
		copy(flat[ii*PromptEmbedDim:(ii+1)*PromptEmbedDim],
			promptEmbeddingsFlat[promptIdx*PromptEmbedDim:(promptIdx+1)*PromptEmbedDim])
	}
	return tensors.FromFlatDataAndDimensions(flat, n, PromptEmbedDim), nil
}
