// capstats loads a precomputed captioning dataset, prints summary statistics,
// probes batch throughput and renders caption-length / split-size plots. It is
// the quickest way to sanity-check a freshly generated feature store before
// pointing a training run at it.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Noofbiz/captionfeed/loader"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

func main() {
	// CLI flags
	metaPath := flag.String("meta", "data/meta.json", "path to the dataset metadata JSON")
	tablePath := flag.String("table", "data/captions.bin", "path to the binary caption table")
	fcDir := flag.String("fc-dir", "data/fc", "directory of per-image fc feature files")
	attDir := flag.String("att-dir", "data/att", "directory of per-image region grid files")
	useAtt := flag.Bool("use-att", true, "read region grids (disable for fc-only models)")
	trainOnly := flag.Bool("train-only", false, "drop restval images instead of folding them into train")
	shuffle := flag.Bool("shuffle", true, "reshuffle the train order on every epoch wrap")
	batchSize := flag.Int("batch-size", 16, "images per probe batch")
	seqPerImg := flag.Int("seq-per-img", 5, "caption rows sampled per image")
	workers := flag.Int("workers", 0, "prefetch workers per split (0 = NumCPU)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	contrastive := flag.Bool("contrastive", false, "enable contrastive pair sampling")
	similarityDir := flag.String("similarity-dir", "data/similar", "directory of per-split similarity files")
	maxContrastive := flag.Int("max-contrastive", 0, "cap on contrastive candidates per image (0 = dataset default)")
	probeBatches := flag.Int("probe-batches", 20, "number of train batches to pull for the throughput probe")
	outDir := flag.String("out", "plots", "output directory for generated plots")
	outCSV := flag.String("out-csv", "", "if set, write per-batch probe timings to this CSV path")
	flag.Parse()

	cfg := loader.Config{
		MetaPath:       *metaPath,
		TablePath:      *tablePath,
		FCDir:          *fcDir,
		AttDir:         *attDir,
		UseAtt:         *useAtt,
		BatchSize:      *batchSize,
		SeqPerImage:    *seqPerImg,
		TrainOnly:      *trainOnly,
		Shuffle:        *shuffle,
		Contrastive:    *contrastive,
		SimilarityDir:  *similarityDir,
		MaxContrastive: *maxContrastive,
		Workers:        *workers,
		Seed:           *seed,
	}

	l, err := loader.New(cfg)
	if err != nil {
		log.Fatalf("failed to open dataset: %v", err)
	}
	defer l.Close()

	log.Printf("Dataset ready: %d images, vocab=%d, seq length=%d", l.NumImages(), l.VocabSize(), l.SeqLength())
	for _, s := range []loader.Split{loader.Train, loader.Val, loader.Test} {
		log.Printf("  split %-5s: %d images", s, l.SplitSize(s))
	}

	// Caption statistics over the whole table.
	lengths := captionLengths(l)
	var total, sum int
	maxLen := 0
	for _, n := range lengths {
		total++
		sum += n
		if n > maxLen {
			maxLen = n
		}
	}
	if total > 0 {
		log.Printf("Captions: %d total, mean length %.2f, max length %d", total, float64(sum)/float64(total), maxLen)
	}

	// Throughput probe on the train split.
	probe := probeResults{}
	if l.SplitSize(loader.Train) > 0 && *probeBatches > 0 {
		probe = probeThroughput(l, *probeBatches, *batchSize, *seqPerImg)
		log.Printf("Probe: %d batches, %d label rows, avg %.1f ms/batch, %d epoch wraps",
			len(probe.durations), probe.rows, probe.avgMillis(), probe.wraps)
	}

	if *outCSV != "" {
		if err := writeProbeCSV(*outCSV, probe); err != nil {
			log.Fatalf("failed to write probe CSV %s: %v", *outCSV, err)
		}
		log.Printf("Probe timings written to %s", *outCSV)
		return
	}

	if err := plotStats(*outDir, l, lengths); err != nil {
		log.Fatalf("failed to generate plots: %v", err)
	}
	log.Printf("Plots written to %s", *outDir)
}

// captionLengths returns the nonzero token count of every caption row in the
// table, by walking each image's ground-truth group.
func captionLengths(l *loader.Loader) []int {
	var lengths []int
	for ix := 0; ix < l.NumImages(); ix++ {
		for _, row := range l.GroundTruth(ix) {
			n := 0
			for _, tok := range row {
				if tok != 0 {
					n++
				}
			}
			lengths = append(lengths, n)
		}
	}
	return lengths
}

type probeResults struct {
	durations []time.Duration
	rows      int
	wraps     int
	wrapped   []bool
	rowCounts []int
}

func (p probeResults) avgMillis() float64 {
	if len(p.durations) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range p.durations {
		sum += d
	}
	return float64(sum.Milliseconds()) / float64(len(p.durations))
}

// probeThroughput pulls n train batches and records how long each one took.
func probeThroughput(l *loader.Loader, n, batchSize, seqPerImg int) probeResults {
	res := probeResults{}
	for i := 0; i < n; i++ {
		start := time.Now()
		b, err := l.GetBatch(loader.Train, batchSize, seqPerImg)
		if err != nil {
			log.Fatalf("probe batch %d: %v", i, err)
		}
		res.durations = append(res.durations, time.Since(start))
		res.rows += len(b.Labels)
		res.rowCounts = append(res.rowCounts, len(b.Labels))
		res.wrapped = append(res.wrapped, b.Bounds.Wrapped)
		if b.Bounds.Wrapped {
			res.wraps++
		}
	}
	return res
}

func writeProbeCSV(path string, probe probeResults) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"batch", "rows", "millis", "wrapped"}); err != nil {
		return err
	}
	for i, d := range probe.durations {
		row := []string{
			strconv.Itoa(i),
			strconv.Itoa(probe.rowCounts[i]),
			strconv.FormatFloat(float64(d.Microseconds())/1000.0, 'f', 3, 64),
			strconv.FormatBool(probe.wrapped[i]),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// plotStats writes two PNGs: a caption-length histogram and a split-size bar
// chart.
func plotStats(outDir string, l *loader.Loader, lengths []int) error {
	if err := ensureDir(outDir); err != nil {
		return err
	}

	// Caption-length histogram.
	vals := make(plotter.Values, len(lengths))
	for i, n := range lengths {
		vals[i] = float64(n)
	}
	hp := plot.New()
	hp.Title.Text = "Caption lengths (nonzero tokens)"
	hp.X.Label.Text = "length"
	hp.Y.Label.Text = "count"
	hist, err := plotter.NewHist(vals, l.SeqLength())
	if err != nil {
		return fmt.Errorf("caption length histogram: %w", err)
	}
	hist.FillColor = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	hp.Add(hist)
	if err := hp.Save(8*vg.Inch, 6*vg.Inch, filepath.Join(outDir, "caption_lengths.png")); err != nil {
		return err
	}

	// Split-size bars.
	splitOrder := []loader.Split{loader.Train, loader.Val, loader.Test}
	sizes := make(plotter.Values, len(splitOrder))
	labels := make([]string, len(splitOrder))
	for i, s := range splitOrder {
		sizes[i] = float64(l.SplitSize(s))
		labels[i] = string(s)
	}
	bp := plot.New()
	bp.Title.Text = "Images per split"
	bp.Y.Label.Text = "images"
	bars, err := plotter.NewBarChart(sizes, vg.Points(40))
	if err != nil {
		return fmt.Errorf("split size bars: %w", err)
	}
	bars.Color = color.RGBA{R: 200, G: 30, B: 30, A: 200}
	bp.Add(bars)
	bp.NominalX(labels...)
	if err := bp.Save(6*vg.Inch, 4*vg.Inch, filepath.Join(outDir, "split_sizes.png")); err != nil {
		return err
	}

	return nil
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
