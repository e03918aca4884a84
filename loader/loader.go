// Package loader assembles training minibatches from precomputed image
// features and tokenized captions. A Loader owns one iteration cursor per
// split (train/val/test) and a per-split prefetch pool that overlaps feature
// file I/O with batch assembly; see GetBatch.
package loader

import (
	"fmt"
	"log"
	"math/rand"
	"runtime"
	"time"

	"github.com/Noofbiz/captionfeed/captions"
	"github.com/Noofbiz/captionfeed/features"
)

// Config holds the dataset locations and batching knobs. Zero values mean
// defaults where a default is noted.
type Config struct {
	// MetaPath is the dataset metadata JSON (image records + vocabulary).
	MetaPath string

	// TablePath is the binary caption table.
	TablePath string

	// FCDir and AttDir hold the per-image feature files.
	FCDir  string
	AttDir string

	// UseAtt selects whether region-feature grids are read; when false a
	// 1x1x1 placeholder stands in and AttDir is never touched.
	UseAtt bool

	// BatchSize is the default number of images per batch (default 16).
	BatchSize int

	// SeqPerImage is the default number of caption rows sampled per image
	// (default 5).
	SeqPerImage int

	// TrainOnly excludes restval-labeled images entirely instead of
	// folding them into the train split.
	TrainOnly bool

	// Shuffle reshuffles the train order on every epoch wrap. Val and test
	// always iterate in metadata order.
	Shuffle bool

	// Contrastive enables pair sampling from the similarity files in
	// SimilarityDir.
	Contrastive   bool
	SimilarityDir string

	// MaxContrastive caps each candidate list; 0 uses the per-file
	// dataset default.
	MaxContrastive int

	// Workers bounds concurrent feature loads per split (default NumCPU).
	Workers int

	// Seed drives caption sampling, shuffling and pair sampling. Zero
	// means a time-based seed.
	Seed int64
}

// Loader reads examples from the feature store and caption table and serves
// them as batches. One goroutine per Loader should call GetBatch and
// ResetIterator; the prefetch pools do their I/O on their own goroutines.
type Loader struct {
	cfg Config

	meta        *captions.Meta
	table       *captions.Table
	reader      *features.Reader
	contrastive *contrastiveIndex

	reg  *registry
	rng  *rand.Rand
	pre  map[Split]*prefetcher
	open bool
}

// New loads the metadata, caption table and (optionally) similarity files,
// partitions the images into splits and prepares one prefetcher per split.
// Pools stay idle until the first GetBatch on their split.
func New(cfg Config) (*Loader, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 16
	}
	if cfg.SeqPerImage == 0 {
		cfg.SeqPerImage = 5
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	meta, err := captions.LoadMeta(cfg.MetaPath)
	if err != nil {
		return nil, err
	}
	log.Printf("loaded metadata %s: %d images, vocab size %d", cfg.MetaPath, len(meta.Images), meta.VocabSize())

	table, err := captions.LoadTable(cfg.TablePath)
	if err != nil {
		return nil, err
	}
	log.Printf("loaded caption table %s: max sequence length %d", cfg.TablePath, table.SeqLength())

	if table.NumImages() != len(meta.Images) {
		return nil, fmt.Errorf("caption table indexes %d images but metadata lists %d", table.NumImages(), len(meta.Images))
	}

	l := &Loader{
		cfg:    cfg,
		meta:   meta,
		table:  table,
		reader: &features.Reader{FCDir: cfg.FCDir, AttDir: cfg.AttDir, UseAtt: cfg.UseAtt},
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		open:   true,
	}

	l.reg = newRegistry(meta.Images, cfg.TrainOnly, cfg.Shuffle, l.rng)
	for _, s := range splits {
		log.Printf("assigned %d images to split %s", l.reg.size(s), s)
	}

	if cfg.Contrastive {
		idx, err := loadContrastive(cfg.SimilarityDir, cfg.MaxContrastive)
		if err != nil {
			return nil, err
		}
		l.contrastive = idx
	}

	l.pre = make(map[Split]*prefetcher, len(splits))
	for _, s := range splits {
		p := &prefetcher{
			split:   s,
			reg:     l.reg,
			workers: cfg.Workers,
			fetch:   l.fetchByIndex,
			seed:    l.rng.Int63,
		}
		if l.contrastive != nil {
			p.pair = l.contrastive.samplePair
		}
		l.pre[s] = p
	}

	return l, nil
}

// fetchByIndex resolves an internal image index to its external id and loads
// its features. Called from prefetch worker goroutines; meta and reader are
// read-only.
func (l *Loader) fetchByIndex(imageIx int) (features.Feature, error) {
	return l.reader.Load(l.meta.Images[imageIx].ID)
}

func (l *Loader) makeInfo(imageIx int) Info {
	img := l.meta.Images[imageIx]
	return Info{Ix: imageIx, ID: img.ID, FilePath: img.FilePath}
}

// VocabSize returns the vocabulary size.
func (l *Loader) VocabSize() int { return l.meta.VocabSize() }

// Word returns the vocabulary entry for a token index.
func (l *Loader) Word(ix int) string { return l.meta.Word(ix) }

// SeqLength returns the caption table's fixed row width.
func (l *Loader) SeqLength() int { return l.table.SeqLength() }

// SplitSize returns the number of images in the split.
func (l *Loader) SplitSize(s Split) int { return l.reg.size(s) }

// NumImages returns the total number of images in the metadata, including any
// excluded by TrainOnly.
func (l *Loader) NumImages() int { return len(l.meta.Images) }

// GroundTruth exposes all captions for one image (see captions.Table).
func (l *Loader) GroundTruth(imageIx int) [][]int32 { return l.table.GroundTruth(imageIx) }

// GetBatch pulls batchSize examples from the split's prefetcher and stacks
// them into a Batch. Passing 0 for batchSize or seqPerImage uses the Config
// defaults. When the split wraps mid-batch the batch simply ends there with
// Bounds.Wrapped set; a shorter batch is not an error.
func (l *Loader) GetBatch(split Split, batchSize, seqPerImage int) (*Batch, error) {
	if !l.open {
		return nil, fmt.Errorf("loader is closed")
	}
	if err := l.reg.validate(split); err != nil {
		return nil, err
	}
	if l.reg.size(split) == 0 {
		return nil, fmt.Errorf("split %q is empty", split)
	}
	if batchSize <= 0 {
		batchSize = l.cfg.BatchSize
	}
	if seqPerImage <= 0 {
		seqPerImage = l.cfg.SeqPerImage
	}

	seqLength := l.table.SeqLength()
	width := seqLength + 2

	b := &Batch{
		FCFeats:     make([][]float32, 0, batchSize*seqPerImage),
		AttFeats:    make([]features.Grid, 0, batchSize*seqPerImage),
		Labels:      make([][]int32, 0, batchSize*seqPerImage),
		GroundTruth: make([][][]int32, 0, batchSize),
		Infos:       make([]Info, 0, batchSize),
	}
	if l.contrastive != nil {
		b.CInfos = make([]Info, 0, batchSize)
	}

	p := l.pre[split]
	wrapped := false
	for i := 0; i < batchSize; i++ {
		ex, w, err := p.get()
		if err != nil {
			return nil, err
		}

		seq, err := l.table.SequenceFor(l.rng, ex.Ix, seqPerImage)
		if err != nil {
			return nil, err
		}
		for _, row := range seq {
			label := make([]int32, width)
			copy(label[1:seqLength+1], row)
			b.Labels = append(b.Labels, label)
			b.FCFeats = append(b.FCFeats, ex.Feature.FC)
			b.AttFeats = append(b.AttFeats, ex.Feature.Grid)
		}

		b.GroundTruth = append(b.GroundTruth, l.table.GroundTruth(ex.Ix))
		b.Infos = append(b.Infos, l.makeInfo(ex.Ix))
		if l.contrastive != nil {
			b.CInfos = append(b.CInfos, l.makeInfo(ex.ContrastiveIx))
		}

		if w {
			wrapped = true
			break
		}
	}

	b.Masks = make([][]float32, len(b.Labels))
	for i, label := range b.Labels {
		b.Masks[i] = maskRow(label)
	}

	b.Bounds = Bounds{ItPos: l.reg.pos(split), ItMax: l.reg.size(split), Wrapped: wrapped}
	return b, nil
}

// ResetIterator discards the split's prefetch pool and rewinds its cursor to
// 0. The current order is kept; resetting never reshuffles.
func (l *Loader) ResetIterator(split Split) error {
	if err := l.reg.validate(split); err != nil {
		return err
	}
	l.pre[split].reset()
	return nil
}

// Close tears down all prefetch pools. The Loader cannot be used afterwards.
func (l *Loader) Close() {
	if !l.open {
		return
	}
	l.open = false
	for _, p := range l.pre {
		p.teardown()
	}
}
