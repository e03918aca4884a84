package captions

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// writeTable writes a caption table fixture. rows is the full token matrix;
// start/end are 1-based inclusive per-image ranges as the file format demands.
func writeTable(t *testing.T, path string, seqLength int, rows [][]int32, start, end []int32) {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("CAPT")
	hdr := []int32{tableVersion, int32(len(rows)), int32(seqLength), int32(len(start))}
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	for _, row := range rows {
		padded := make([]int32, seqLength)
		copy(padded, row)
		if err := binary.Write(&buf, binary.LittleEndian, padded); err != nil {
			t.Fatalf("write row: %v", err)
		}
	}
	if err := binary.Write(&buf, binary.LittleEndian, start); err != nil {
		t.Fatalf("write start indices: %v", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, end); err != nil {
		t.Fatalf("write end indices: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write table fixture %s: %v", path, err)
	}
}

// testTable builds a 2-image table: image 0 owns rows 0-1, image 1 owns rows 2-6.
func testTable(t *testing.T) *Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "labels.bin")
	rows := [][]int32{
		{1, 2, 3},
		{4, 5},
		{10},
		{11, 12},
		{13, 14, 15},
		{16},
		{17, 18},
	}
	writeTable(t, path, 3, rows, []int32{1, 3}, []int32{2, 7})
	tab, err := LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}
	return tab
}

func TestLoadTable_Normalization(t *testing.T) {
	tab := testTable(t)

	if tab.SeqLength() != 3 {
		t.Fatalf("expected seq length 3, got %d", tab.SeqLength())
	}
	if tab.NumImages() != 2 {
		t.Fatalf("expected 2 images, got %d", tab.NumImages())
	}
	if tab.NCap(0) != 2 || tab.NCap(1) != 5 {
		t.Fatalf("unexpected ncap: image0=%d image1=%d", tab.NCap(0), tab.NCap(1))
	}

	gts := tab.GroundTruth(0)
	if len(gts) != 2 {
		t.Fatalf("expected 2 ground-truth captions for image 0, got %d", len(gts))
	}
	if gts[0][0] != 1 || gts[1][0] != 4 {
		t.Fatalf("ground truth rows out of place: %v", gts)
	}
	// Short rows come back zero-padded to seqLength.
	if gts[1][2] != 0 {
		t.Fatalf("expected zero padding in short row, got %v", gts[1])
	}
}

func TestLoadTable_RejectsZeroCaptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.bin")
	rows := [][]int32{{1, 2, 3}}
	// Image 1 has end < start: zero captions.
	writeTable(t, path, 3, rows, []int32{1, 2}, []int32{1, 1})
	if _, err := LoadTable(path); err == nil {
		t.Fatalf("expected error for image with zero captions, got nil")
	}
}

func TestLoadTable_BadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.bin")
	if err := os.WriteFile(path, []byte("NOPE????????????"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := LoadTable(path); err == nil {
		t.Fatalf("expected error for bad magic, got nil")
	}
}

func TestSequenceFor_Shape(t *testing.T) {
	tab := testTable(t)
	rng := rand.New(rand.NewSource(1))

	// Both branches: ncap(0)=2 < 4 forces replacement, ncap(1)=5 >= 4 windows.
	for _, imageIx := range []int{0, 1} {
		seq, err := tab.SequenceFor(rng, imageIx, 4)
		if err != nil {
			t.Fatalf("SequenceFor(%d) failed: %v", imageIx, err)
		}
		if len(seq) != 4 {
			t.Fatalf("image %d: expected 4 rows, got %d", imageIx, len(seq))
		}
		for q, row := range seq {
			if len(row) != tab.SeqLength() {
				t.Fatalf("image %d row %d: expected width %d, got %d", imageIx, q, tab.SeqLength(), len(row))
			}
		}
	}
}

func TestSequenceFor_ReplacementDrawsActualCaptions(t *testing.T) {
	tab := testTable(t)
	rng := rand.New(rand.NewSource(7))

	want := map[int32]bool{1: true, 4: true} // leading tokens of image 0's captions
	seen := map[int32]bool{}
	for draw := 0; draw < 200; draw++ {
		seq, err := tab.SequenceFor(rng, 0, 5)
		if err != nil {
			t.Fatalf("SequenceFor failed: %v", err)
		}
		for _, row := range seq {
			if !want[row[0]] {
				t.Fatalf("row %v is not one of image 0's captions", row)
			}
			seen[row[0]] = true
		}
	}
	// With replacement over 1000 rows, both captions show up.
	if len(seen) != len(want) {
		t.Fatalf("expected all captions to be drawn eventually, saw %v", seen)
	}
}

func TestSequenceFor_WindowIsContiguous(t *testing.T) {
	tab := testTable(t)
	rng := rand.New(rand.NewSource(3))

	// Image 1's rows lead with 10,11,13,16,17; consecutive table rows.
	leads := []int32{10, 11, 13, 16, 17}
	pos := map[int32]int{}
	for i, v := range leads {
		pos[v] = i
	}

	for draw := 0; draw < 200; draw++ {
		seq, err := tab.SequenceFor(rng, 1, 3)
		if err != nil {
			t.Fatalf("SequenceFor failed: %v", err)
		}
		first, ok := pos[seq[0][0]]
		if !ok {
			t.Fatalf("window start %v is not one of image 1's captions", seq[0])
		}
		if first > len(leads)-3 {
			t.Fatalf("window starting at caption %d runs out of bounds", first)
		}
		for q := 1; q < 3; q++ {
			if seq[q][0] != leads[first+q] {
				t.Fatalf("draw %d: window not contiguous at row %d: got %v", draw, q, seq[q])
			}
		}
	}
}
