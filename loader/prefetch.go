package loader

import (
	"fmt"
	"math/rand"

	"github.com/Noofbiz/captionfeed/features"
)

// example is one prefetched unit of work: the image's features plus its index
// and, when contrastive mode is on, the sampled pair index (-1 otherwise).
type example struct {
	Feature       features.Feature
	Ix            int
	ContrastiveIx int
}

type fetchResult struct {
	ex  example
	err error
}

// prefetcher overlaps feature I/O with consumption for a single split. It has
// two states: idle (no pool) and active. The first get primes a pool against
// a snapshot of the split order taken at the current cursor; results come
// back strictly in that order, enforced by an index equality check. On epoch
// wrap the pool is torn down and re-primed from the registry's (possibly
// reshuffled) order, because any in-flight results would reference the stale
// pre-shuffle sequence.
type prefetcher struct {
	split   Split
	reg     *registry
	workers int

	// fetch loads the features for an image index.
	fetch func(imageIx int) (features.Feature, error)

	// pair samples a contrastive partner for an image index; nil when
	// contrastive mode is disabled.
	pair func(rng *rand.Rand, imageIx int) (int, error)

	// seed derives the primer's private RNG; drawn serially from the
	// loader's RNG each time the pool is primed.
	seed func() int64

	active bool
	out    chan chan fetchResult
	quit   chan struct{}
}

// prime starts a primer goroutine over a snapshot of the remaining order.
// The primer issues at most `workers` concurrent loads and delivers one
// buffered future per index, in order, on p.out. Contrastive pairs are
// sampled in the primer itself so a single RNG serves them without locking.
func (p *prefetcher) prime() {
	order := p.reg.remaining(p.split)
	p.out = make(chan chan fetchResult, p.workers)
	p.quit = make(chan struct{})
	p.active = true

	var rng *rand.Rand
	if p.pair != nil {
		rng = rand.New(rand.NewSource(p.seed()))
	}

	go func(order []int, rng *rand.Rand, out chan chan fetchResult, quit chan struct{}) {
		defer close(out)
		sem := make(chan struct{}, p.workers)
		for _, ix := range order {
			cix := -1
			if p.pair != nil {
				sampled, err := p.pair(rng, ix)
				if err != nil {
					ch := make(chan fetchResult, 1)
					ch <- fetchResult{err: err}
					select {
					case out <- ch:
					case <-quit:
					}
					return
				}
				cix = sampled
			}

			select {
			case sem <- struct{}{}:
			case <-quit:
				return
			}
			ch := make(chan fetchResult, 1)
			select {
			case out <- ch:
			case <-quit:
				return
			}
			go func(ix, cix int, ch chan fetchResult) {
				defer func() { <-sem }()
				feat, err := p.fetch(ix)
				ch <- fetchResult{ex: example{Feature: feat, Ix: ix, ContrastiveIx: cix}, err: err}
			}(ix, cix, ch)
		}
	}(order, rng, p.out, p.quit)
}

// teardown stops the primer and discards the pool. In-flight loads finish
// into their own buffered channels and are garbage collected; nothing from
// the old order can reach a future get.
func (p *prefetcher) teardown() {
	if !p.active {
		return
	}
	close(p.quit)
	p.active = false
	p.out = nil
}

// get returns the next example in split order along with the wrap flag for
// this step. It blocks until the pool has the next in-order result.
func (p *prefetcher) get() (example, bool, error) {
	if !p.active {
		p.prime()
	}

	expect, wrapped := p.reg.next(p.split)

	ch, ok := <-p.out
	if !ok {
		// The pool was primed over exactly the indices remaining before
		// the wrap, so running dry here means the cursor and pool lost
		// agreement.
		return example{}, false, fmt.Errorf("prefetch pool for split %q exhausted before cursor wrap", p.split)
	}
	res := <-ch
	if res.err != nil {
		return example{}, false, fmt.Errorf("prefetch split %q image %d: %w", p.split, expect, res.err)
	}
	if res.ex.Ix != expect {
		return example{}, false, fmt.Errorf("prefetch order violation on split %q: got image index %d, want %d", p.split, res.ex.Ix, expect)
	}

	if wrapped {
		p.teardown()
		p.prime()
	}
	return res.ex, wrapped, nil
}

// reset discards the pool and rewinds the split cursor to 0. The registry's
// current order is kept as-is; the next get re-primes against it.
func (p *prefetcher) reset() {
	p.teardown()
	p.reg.reset(p.split)
}
