// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

package pickapair

import (
	"image"
	"image/jpeg"
	"io"
	"math"
	"os"
	"path"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
)

// SizeDivisor constrains the intermediate resize dimensions, matching the
// patch size of common latent encoders.
const SizeDivisor = 8

// Dataset implements train.Dataset, and yields one preference pair at a time:
// the preferred image, the rejected image and the pair's prompt embedding.
// It pre-transforms both images to the target size.
//
// To do batching or shuffling, load it into a `datasets.InMemoryDataset`
// (see InMemoryDataset).
type Dataset struct {
	name    string
	indices []int
	size    int

	mu   sync.Mutex
	next int
}

// NewDataset returns a Dataset for one epoch over the given examples (indices
// into AllPairs) that yields one preference pair at a time, reading the
// images from disk.
//
// Images are resized and cropped to `size x size` pixels, cut from the middle.
func NewDataset(name string, indices []int, size int) *Dataset {
	return &Dataset{
		name:    name,
		indices: indices,
		size:    size,
	}
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string {
	return ds.name
}

// nextIndex returns the next example index.
// Concurrency safe. Returns -1 if reached the end of the dataset.
func (ds *Dataset) nextIndex() (index int) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next < 0 || ds.next >= len(ds.indices) {
		ds.next = -1
		return -1
	}
	index = ds.indices[ds.next]
	ds.next++
	return
}

// Yield implements train.Dataset. It returns `ds` (the Dataset pointer) as spec.
//
// It yields one example at a time, each consisting of three inputs and no
// labels:
//
//   - the preferred image, shaped [size, size, 3], uint8;
//   - the rejected image, same shape;
//   - the prompt embedding of the pair, shaped [PromptEmbedDim], float32.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	spec = ds
	index := ds.nextIndex()
	if index < 0 {
		err = io.EOF
		return
	}
	preferred, rejected, promptIdx, err := ReadPair(index)
	if err != nil {
		err = errors.WithMessagef(err, "failed to read preference pair #%d", index)
		return
	}
	promptEmbed, err := PromptEmbedding(promptIdx)
	if err != nil {
		err = errors.WithMessagef(err, "failed to read prompt embedding of pair #%d", index)
		return
	}

	toTensor := timages.ToTensor(dtypes.Uint8)
	inputs = []*tensors.Tensor{
		toTensor.Single(ds.transform(preferred)),
		toTensor.Single(ds.transform(rejected)),
		tensors.FromFlatDataAndDimensions(promptEmbed, len(promptEmbed)),
	}
	return
}

// Reset implements train.Dataset.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	ds.next = 0
	ds.mu.Unlock()
}

// transform resizes the image to an adaptive intermediate size -- roughly the
// target area, aspect ratio preserved, dimensions divisible by SizeDivisor --
// and then center-crops it to `size x size`.
func (ds *Dataset) transform(img image.Image) image.Image {
	width, height := adaptiveSize(img.Bounds().Dx(), img.Bounds().Dy(), ds.size)
	img = imaging.Resize(img, width, height, imaging.Linear)
	if width > ds.size || height > ds.size {
		img = imaging.CropCenter(img, ds.size, ds.size)
	}
	return img
}

// adaptiveSize computes resize dimensions with area close to targetSize^2,
// preserving the aspect ratio, with both dimensions divisible by SizeDivisor
// and at least targetSize (so the center crop never pads).
func adaptiveSize(width, height, targetSize int) (newWidth, newHeight int) {
	scale := math.Sqrt(float64(targetSize*targetSize) / float64(width*height))
	roundDiv := func(dim int) int {
		d := int(math.Round(float64(dim)*scale/SizeDivisor)) * SizeDivisor
		if d < targetSize {
			d = targetSize
		}
		return d
	}
	return roundDiv(width), roundDiv(height)
}

// ReadPair reads the images of the example idx, already ordered so the
// preferred one comes first, along with the index of the pair's prompt.
// The example idx must be between 0 and NumExamples.
func ReadPair(idx int) (preferred, rejected image.Image, promptIdx int32, err error) {
	if NumExamples == 0 {
		err = errors.Errorf("either pickapair.DownloadAndParse hasn't been called yet, or " +
			"it failed for some reason -- no examples available to read")
		return
	}
	if idx < 0 || idx >= NumExamples {
		err = errors.Errorf("example index %d invalid: there are only %d examples", idx, NumExamples)
		return
	}
	pair := AllPairs[idx]
	first, err := readImage(path.Join(PairsDir, pair.ID+"_0.jpg"))
	if err != nil {
		return
	}
	second, err := readImage(path.Join(PairsDir, pair.ID+"_1.jpg"))
	if err != nil {
		return
	}
	preferred, rejected = first, second
	if pair.Preferred == 1 {
		preferred, rejected = second, first
	}
	promptIdx = pair.PromptIdx
	return
}

func readImage(imagePath string) (image.Image, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", imagePath)
	}
	defer func() { _ = f.Close() }()
	img, err := jpeg.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse JPEG %q", imagePath)
	}
	return img, nil
}
