package loader

import (
	"encoding/gob"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// similarityVersion is incremented when the on-disk similarity format changes.
const similarityVersion = 1

// ErrNoContrastive reports a contrastive lookup for an image index that has
// no similarity entry. That is a data-integrity bug in the similarity files,
// not a recoverable condition.
var ErrNoContrastive = errors.New("no contrastive candidates for image")

// similarityFile is the gob-encoded per-split similarity data: for each entry
// of Indices, Candidates holds the ranked list of similar image indices.
// DefaultMax is the dataset-suggested cap applied when the configured maximum
// is 0.
type similarityFile struct {
	Version    int
	DefaultMax int
	Indices    []int
	Candidates [][]int
}

// contrastiveIndex maps an image index to its ranked candidate list, already
// truncated to the effective maximum. Read-only after load.
type contrastiveIndex struct {
	pairs map[int][]int
}

// loadContrastive reads the three per-split similarity files from dir,
// concurrently, and merges them into one index. maxCandidates caps each
// candidate list; 0 means use each file's DefaultMax.
func loadContrastive(dir string, maxCandidates int) (*contrastiveIndex, error) {
	files := make([]*similarityFile, len(splits))

	var g errgroup.Group
	for i, s := range splits {
		g.Go(func() error {
			path := filepath.Join(dir, fmt.Sprintf("similar_%s.gob", s))
			sf, err := readSimilarityFile(path)
			if err != nil {
				return err
			}
			files[i] = sf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	idx := &contrastiveIndex{pairs: make(map[int][]int)}
	for _, sf := range files {
		capN := maxCandidates
		if capN == 0 {
			capN = sf.DefaultMax
		}
		for i, ix := range sf.Indices {
			cands := sf.Candidates[i]
			if capN > 0 && len(cands) > capN {
				cands = cands[:capN]
			}
			idx.pairs[ix] = cands
		}
	}
	return idx, nil
}

func readSimilarityFile(path string) (*similarityFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open similarity file %s: %w", path, err)
	}
	defer f.Close()

	var sf similarityFile
	if err := gob.NewDecoder(f).Decode(&sf); err != nil {
		return nil, fmt.Errorf("decode similarity file %s: %w", path, err)
	}
	if sf.Version != similarityVersion {
		return nil, fmt.Errorf("similarity file %s: version mismatch: file=%d expected=%d", path, sf.Version, similarityVersion)
	}
	if len(sf.Indices) != len(sf.Candidates) {
		return nil, fmt.Errorf("similarity file %s: %d indices but %d candidate lists", path, len(sf.Indices), len(sf.Candidates))
	}
	if sf.DefaultMax < 0 {
		return nil, fmt.Errorf("similarity file %s: negative default max %d", path, sf.DefaultMax)
	}
	return &sf, nil
}

// samplePair picks one candidate uniformly at random from the image's ranked
// list.
func (c *contrastiveIndex) samplePair(rng *rand.Rand, imageIx int) (int, error) {
	cands, ok := c.pairs[imageIx]
	if !ok || len(cands) == 0 {
		return 0, fmt.Errorf("%w: index %d", ErrNoContrastive, imageIx)
	}
	return cands[rng.Intn(len(cands))], nil
}
