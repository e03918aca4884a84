package captions

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMeta(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write metadata fixture %s: %v", path, err)
	}
}

func TestLoadMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	writeMeta(t, path, `{
		"ix_to_word": {"1": "a", "2": "cat", "3": "sat"},
		"images": [
			{"id": 10, "file_path": "img/10.jpg", "split": "train"},
			{"id": 20, "file_path": "img/20.jpg", "split": "val"}
		]
	}`)

	m, err := LoadMeta(path)
	if err != nil {
		t.Fatalf("LoadMeta failed: %v", err)
	}
	if m.VocabSize() != 3 {
		t.Fatalf("expected vocab size 3, got %d", m.VocabSize())
	}
	if m.Word(2) != "cat" {
		t.Fatalf("expected word 2 to be %q, got %q", "cat", m.Word(2))
	}
	if m.Word(99) != "" {
		t.Fatalf("expected empty string for unknown index, got %q", m.Word(99))
	}
	if len(m.Images) != 2 || m.Images[1].ID != 20 || m.Images[1].Split != "val" {
		t.Fatalf("unexpected images: %+v", m.Images)
	}
}

func TestLoadMeta_BadVocabKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	writeMeta(t, path, `{
		"ix_to_word": {"one": "a"},
		"images": [{"id": 1, "file_path": "x", "split": "train"}]
	}`)
	if _, err := LoadMeta(path); err == nil {
		t.Fatalf("expected error for non-integer vocab key, got nil")
	}
}

func TestLoadMeta_NoImages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	writeMeta(t, path, `{"ix_to_word": {}, "images": []}`)
	if _, err := LoadMeta(path); err == nil {
		t.Fatalf("expected error for empty image list, got nil")
	}
}
