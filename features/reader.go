package features

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/gzip"
)

// This package reads precomputed per-image feature files on demand. There is
// no caching layer: every Load re-reads from disk so memory stays bounded no
// matter how large the dataset is. Callers that need throughput should issue
// Loads concurrently rather than cache here.
//
// Two files exist per image, both named by the image's external id:
//   - <id>.fc      raw little-endian float32 vector (the flat "fc" feature)
//   - <id>.att.gz  gzip stream: three int32 dims, then d1*d2*d3 float32 values
//     (the spatial region-feature grid used for attention models)

// Grid is a spatially-indexed feature map with a fixed 3-dimensional shape.
// Data is laid out row-major.
type Grid struct {
	Data  []float32
	Shape [3]int
}

// Feature bundles the per-image features returned by a single Load.
type Feature struct {
	FC   []float32
	Grid Grid
}

// PlaceholderGrid returns the 1x1x1 zero grid substituted when attention
// features are disabled.
func PlaceholderGrid() Grid {
	return Grid{Data: []float32{0}, Shape: [3]int{1, 1, 1}}
}

// Reader loads features for one image at a time from the configured
// directories. It is safe for concurrent use.
type Reader struct {
	// FCDir is the directory containing <id>.fc files.
	FCDir string

	// AttDir is the directory containing <id>.att.gz files. Ignored when
	// UseAtt is false.
	AttDir string

	// UseAtt selects whether region grids are read. When false, Load fills
	// in the placeholder grid and never touches AttDir.
	UseAtt bool
}

// Load reads the features for the image with the given external id. A missing
// or malformed file is an error; there is no partial-success path.
func (r *Reader) Load(id int) (Feature, error) {
	fc, err := r.loadFC(id)
	if err != nil {
		return Feature{}, err
	}

	if !r.UseAtt {
		return Feature{FC: fc, Grid: PlaceholderGrid()}, nil
	}

	grid, err := r.loadGrid(id)
	if err != nil {
		return Feature{}, err
	}
	return Feature{FC: fc, Grid: grid}, nil
}

// loadFC reads the flat feature vector for id.
func (r *Reader) loadFC(id int) ([]float32, error) {
	path := filepath.Join(r.FCDir, strconv.Itoa(id)+".fc")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fc feature %s: %w", path, err)
	}
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, fmt.Errorf("fc feature %s: size %d is not a whole number of float32 values", path, len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, nil
}

// loadGrid reads and decompresses the region-feature grid for id.
func (r *Reader) loadGrid(id int) (Grid, error) {
	path := filepath.Join(r.AttDir, strconv.Itoa(id)+".att.gz")
	f, err := os.Open(path)
	if err != nil {
		return Grid{}, fmt.Errorf("open att feature %s: %w", path, err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return Grid{}, fmt.Errorf("att feature %s: %w", path, err)
	}
	defer zr.Close()

	var dims [3]int32
	if err := binary.Read(zr, binary.LittleEndian, &dims); err != nil {
		return Grid{}, fmt.Errorf("att feature %s: read shape: %w", path, err)
	}
	var shape [3]int
	n := 1
	for i, d := range dims {
		if d <= 0 {
			return Grid{}, fmt.Errorf("att feature %s: invalid dimension %d at axis %d", path, d, i)
		}
		shape[i] = int(d)
		n *= int(d)
	}

	data := make([]float32, n)
	if err := binary.Read(zr, binary.LittleEndian, data); err != nil {
		return Grid{}, fmt.Errorf("att feature %s: read %d values: %w", path, n, err)
	}
	// A well-formed file ends exactly after the payload.
	var trailing [1]byte
	if _, err := zr.Read(trailing[:]); err != io.EOF {
		return Grid{}, fmt.Errorf("att feature %s: trailing data after %d values", path, n)
	}

	return Grid{Data: data, Shape: shape}, nil
}
