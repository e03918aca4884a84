package loader

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/Noofbiz/captionfeed/features"
)

// Info identifies the source image of a batch row group for traceability.
type Info struct {
	Ix       int    // internal image index
	ID       int    // external image id
	FilePath string // original image path from the metadata file
}

// Bounds reports where the split iterator stands after a batch.
type Bounds struct {
	// ItPos is the cursor position within the split order.
	ItPos int
	// ItMax is the split size.
	ItMax int
	// Wrapped is true when this batch crossed an epoch boundary. A wrapped
	// batch may hold fewer examples than requested.
	Wrapped bool
}

// Batch is one assembled minibatch. With n source images and s captions per
// image, the feature rows and the label/mask matrices all have n*s rows,
// grouped per source image in order.
type Batch struct {
	// FCFeats replicates each image's flat feature vector s times.
	FCFeats [][]float32

	// AttFeats replicates each image's region grid s times (the 1x1x1
	// placeholder when attention features are disabled).
	AttFeats []features.Grid

	// Labels is the padded token matrix, width SeqLength+2. Sampled tokens
	// sit at columns [1, SeqLength]; column 0 and the tail stay zero as the
	// implicit start/stop positions.
	Labels [][]int32

	// Masks mirrors Labels: row i carries nonzeroCount(Labels[i])+2 leading
	// ones, zeros after.
	Masks [][]float32

	// GroundTruth holds every caption of each source image, unpadded in
	// count, for evaluation.
	GroundTruth [][][]int32

	// Infos has one record per source image; CInfos likewise for the
	// sampled contrastive partners (nil when contrastive mode is off).
	Infos  []Info
	CInfos []Info

	Bounds Bounds
}

// maskRow builds the mask for one label row: nonzero token count plus two
// leading ones. The trailing-zeros-are-padding assumption comes from the
// table format, which reserves token id 0 for padding.
func maskRow(label []int32) []float32 {
	ones := 2
	for _, tok := range label {
		if tok != 0 {
			ones++
		}
	}
	if ones > len(label) {
		ones = len(label)
	}
	mask := make([]float32, len(label))
	for i := 0; i < ones; i++ {
		mask[i] = 1
	}
	return mask
}

// ToTensors converts the batch into gomlx tensors: stacked fc features,
// stacked region grids, the label matrix and the mask matrix. All region
// grids must share one shape; mixing grid sizes within a batch is an error.
func (b *Batch) ToTensors() (fc, att, labels, masks *tensors.Tensor, err error) {
	if len(b.FCFeats) == 0 {
		return nil, nil, nil, nil, fmt.Errorf("empty batch")
	}

	shape := b.AttFeats[0].Shape
	att4 := make([][][][]float32, len(b.AttFeats))
	for i, g := range b.AttFeats {
		if g.Shape != shape {
			return nil, nil, nil, nil, fmt.Errorf("region grid %d has shape %v, batch expects %v", i, g.Shape, shape)
		}
		grid := make([][][]float32, shape[0])
		off := 0
		for x := range grid {
			plane := make([][]float32, shape[1])
			for y := range plane {
				plane[y] = g.Data[off : off+shape[2]]
				off += shape[2]
			}
			grid[x] = plane
		}
		att4[i] = grid
	}

	return tensors.FromAnyValue(b.FCFeats),
		tensors.FromAnyValue(att4),
		tensors.FromAnyValue(b.Labels),
		tensors.FromAnyValue(b.Masks),
		nil
}
