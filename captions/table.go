package captions

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
)

// The caption table file is a little-endian binary blob:
//
//	4 bytes magic "CAPT"
//	int32 version (currently 1)
//	int32 numSeqs, int32 seqLength, int32 numImages
//	numSeqs * seqLength int32 token ids (0 is padding; rows shorter than
//	seqLength are zero-padded by the table generator)
//	numImages int32 start indices, numImages int32 end indices, both
//	1-based inclusive over the caption rows
//
// The 1-based inclusive ranges come straight from the upstream generator and
// are normalized here, once, to 0-based half-open. Nothing past this file
// should ever see the 1-based convention.

const (
	tableMagic   = "CAPT"
	tableVersion = 1
)

// Table is the in-memory caption-token table plus the per-image range index.
// It is immutable after load and safe for concurrent reads.
type Table struct {
	seqLength int
	tokens    []int32 // numSeqs rows of seqLength, flattened row-major

	// start/end are per-image caption row ranges, 0-based half-open.
	start []int
	end   []int
}

// LoadTable reads and validates a caption table file. Every image must have
// at least one caption; a violation is a load error, not a per-lookup one.
func LoadTable(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read caption table %s: %w", path, err)
	}
	r := bytes.NewReader(raw)

	var magic [4]byte
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("caption table %s: read magic: %w", path, err)
	}
	if string(magic[:]) != tableMagic {
		return nil, fmt.Errorf("caption table %s: bad magic %q", path, magic)
	}

	var hdr struct {
		Version   int32
		NumSeqs   int32
		SeqLength int32
		NumImages int32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("caption table %s: read header: %w", path, err)
	}
	if hdr.Version != tableVersion {
		return nil, fmt.Errorf("caption table %s: version mismatch: file=%d expected=%d", path, hdr.Version, tableVersion)
	}
	if hdr.NumSeqs <= 0 || hdr.SeqLength <= 0 || hdr.NumImages <= 0 {
		return nil, fmt.Errorf("caption table %s: invalid header counts (seqs=%d len=%d images=%d)",
			path, hdr.NumSeqs, hdr.SeqLength, hdr.NumImages)
	}

	tokens := make([]int32, int(hdr.NumSeqs)*int(hdr.SeqLength))
	if err := binary.Read(r, binary.LittleEndian, tokens); err != nil {
		return nil, fmt.Errorf("caption table %s: read %d token rows: %w", path, hdr.NumSeqs, err)
	}
	startRaw := make([]int32, hdr.NumImages)
	endRaw := make([]int32, hdr.NumImages)
	if err := binary.Read(r, binary.LittleEndian, startRaw); err != nil {
		return nil, fmt.Errorf("caption table %s: read start indices: %w", path, err)
	}
	if err := binary.Read(r, binary.LittleEndian, endRaw); err != nil {
		return nil, fmt.Errorf("caption table %s: read end indices: %w", path, err)
	}

	t := &Table{
		seqLength: int(hdr.SeqLength),
		tokens:    tokens,
		start:     make([]int, hdr.NumImages),
		end:       make([]int, hdr.NumImages),
	}
	for i := range startRaw {
		// 1-based inclusive -> 0-based half-open.
		s := int(startRaw[i]) - 1
		e := int(endRaw[i])
		if s < 0 || e > int(hdr.NumSeqs) || e-s < 1 {
			return nil, fmt.Errorf("caption table %s: image %d has invalid caption range [%d,%d] over %d rows",
				path, i, startRaw[i], endRaw[i], hdr.NumSeqs)
		}
		t.start[i] = s
		t.end[i] = e
	}

	return t, nil
}

// SeqLength returns the fixed caption row width.
func (t *Table) SeqLength() int {
	return t.seqLength
}

// NumImages returns the number of images indexed by the table.
func (t *Table) NumImages() int {
	return len(t.start)
}

// NCap returns the number of captions available for the image.
func (t *Table) NCap(imageIx int) int {
	return t.end[imageIx] - t.start[imageIx]
}

// row returns a read-only view of caption row i.
func (t *Table) row(i int) []int32 {
	return t.tokens[i*t.seqLength : (i+1)*t.seqLength]
}

// SequenceFor samples seqPerImage caption rows for the image, each a fresh
// slice of width SeqLength. With fewer captions than requested it subsamples
// uniformly with replacement, one independent draw per row; otherwise it takes
// one contiguous window of seqPerImage consecutive captions at a uniformly
// random in-bounds offset.
func (t *Table) SequenceFor(rng *rand.Rand, imageIx, seqPerImage int) ([][]int32, error) {
	if imageIx < 0 || imageIx >= len(t.start) {
		return nil, fmt.Errorf("image index %d out of range [0, %d)", imageIx, len(t.start))
	}
	if seqPerImage < 1 {
		return nil, fmt.Errorf("seqPerImage must be >= 1, got %d", seqPerImage)
	}

	ix1 := t.start[imageIx]
	ncap := t.end[imageIx] - ix1

	seq := make([][]int32, seqPerImage)
	if ncap < seqPerImage {
		for q := range seq {
			row := make([]int32, t.seqLength)
			copy(row, t.row(ix1+rng.Intn(ncap)))
			seq[q] = row
		}
	} else {
		ixl := ix1 + rng.Intn(ncap-seqPerImage+1)
		for q := range seq {
			row := make([]int32, t.seqLength)
			copy(row, t.row(ixl+q))
			seq[q] = row
		}
	}
	return seq, nil
}

// GroundTruth returns all captions for the image, one view per row. The rows
// alias the table's backing store and must be treated as read-only; they are
// meant for evaluation, not training loss.
func (t *Table) GroundTruth(imageIx int) [][]int32 {
	s, e := t.start[imageIx], t.end[imageIx]
	gts := make([][]int32, e-s)
	for i := range gts {
		gts[i] = t.row(s + i)
	}
	return gts
}
