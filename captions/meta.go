package captions

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// ImageInfo is one image record from the dataset metadata file.
type ImageInfo struct {
	// ID is the external image id; feature files are named after it.
	ID int `json:"id"`

	// FilePath is the original image location, carried through for
	// traceability only.
	FilePath string `json:"file_path"`

	// Split is the split label: "train", "val", "test" or "restval".
	Split string `json:"split"`
}

// Meta holds the dataset metadata: the ordered image list and the vocabulary.
// It is immutable after load and safe for concurrent reads.
type Meta struct {
	Images []ImageInfo

	ixToWord map[int]string
}

// LoadMeta reads the metadata JSON file. The file carries an "images" array
// and an "ix_to_word" object whose keys are decimal token indices.
func LoadMeta(path string) (*Meta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata %s: %w", path, err)
	}

	var doc struct {
		IxToWord map[string]string `json:"ix_to_word"`
		Images   []ImageInfo       `json:"images"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse metadata %s: %w", path, err)
	}
	if len(doc.Images) == 0 {
		return nil, fmt.Errorf("metadata %s: no images", path)
	}

	vocab := make(map[int]string, len(doc.IxToWord))
	for k, w := range doc.IxToWord {
		ix, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("metadata %s: vocab key %q is not an integer", path, k)
		}
		vocab[ix] = w
	}

	return &Meta{Images: doc.Images, ixToWord: vocab}, nil
}

// VocabSize returns the number of tokens in the vocabulary.
func (m *Meta) VocabSize() int {
	return len(m.ixToWord)
}

// Word returns the token string for ix, or "" if the index is unknown.
func (m *Meta) Word(ix int) string {
	return m.ixToWord[ix]
}
