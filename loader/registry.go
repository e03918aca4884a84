package loader

import (
	"fmt"
	"math/rand"

	"github.com/Noofbiz/captionfeed/captions"
)

// Split names one of the three image partitions.
type Split string

const (
	Train Split = "train"
	Val   Split = "val"
	Test  Split = "test"
)

// splits is the fixed iteration order used for logging and setup.
var splits = []Split{Train, Val, Test}

// registry owns the per-split index order and cursor. It is mutated only by
// the coordinator goroutine that calls GetBatch/ResetIterator, so it needs no
// locking; prefetch pools work on snapshots.
type registry struct {
	order   map[Split][]int
	cursor  map[Split]int
	shuffle map[Split]bool
	rng     *rand.Rand
}

// newRegistry classifies every image record into a split. Records labeled
// outside train/val/test are the "restval" bucket: folded into train unless
// trainOnly is set, in which case they are left out entirely. Shuffling only
// ever applies to the train split.
func newRegistry(images []captions.ImageInfo, trainOnly, shuffleTrain bool, rng *rand.Rand) *registry {
	r := &registry{
		order:   make(map[Split][]int, len(splits)),
		cursor:  make(map[Split]int, len(splits)),
		shuffle: map[Split]bool{Train: shuffleTrain},
		rng:     rng,
	}
	for _, s := range splits {
		r.order[s] = []int{}
	}
	for ix, img := range images {
		switch Split(img.Split) {
		case Train, Val, Test:
			s := Split(img.Split)
			r.order[s] = append(r.order[s], ix)
		default:
			if !trainOnly {
				r.order[Train] = append(r.order[Train], ix)
			}
		}
	}
	return r
}

// size returns the number of images in the split.
func (r *registry) size(s Split) int {
	return len(r.order[s])
}

// pos returns the split's current cursor.
func (r *registry) pos(s Split) int {
	return r.cursor[s]
}

// next returns the image index at the cursor and advances it. On reaching the
// end of the order it reports a wrap, resets the cursor to 0 and, if shuffling
// is enabled for the split, reshuffles the order for the next epoch. The
// returned index is always read before any reshuffle.
func (r *registry) next(s Split) (ix int, wrapped bool) {
	order := r.order[s]
	cur := r.cursor[s]
	ix = order[cur]

	cur++
	if cur >= len(order) {
		cur = 0
		wrapped = true
		if r.shuffle[s] {
			r.rng.Shuffle(len(order), func(i, j int) {
				order[i], order[j] = order[j], order[i]
			})
		}
	}
	r.cursor[s] = cur
	return ix, wrapped
}

// reset moves the cursor back to 0 without touching the order.
func (r *registry) reset(s Split) {
	r.cursor[s] = 0
}

// remaining returns a snapshot copy of the split's order from the cursor to
// the end. Prefetch pools are primed against this snapshot so a later
// reshuffle cannot change the sequence out from under in-flight work.
func (r *registry) remaining(s Split) []int {
	order := r.order[s]
	cur := r.cursor[s]
	snap := make([]int, len(order)-cur)
	copy(snap, order[cur:])
	return snap
}

func (r *registry) validate(s Split) error {
	if _, ok := r.order[s]; !ok {
		return fmt.Errorf("unknown split %q", s)
	}
	return nil
}
