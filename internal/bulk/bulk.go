// Package bulk spreads a batch of items over a time window.
package bulk

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/SirClappington/pubsched/internal/domain"
)

const DefaultGap = 5 * time.Minute

type Options struct {
	// Seed makes the plan reproducible; zero picks a random seed.
	Seed uint64
	// MaxAttempts bounds rejection sampling before falling back to even
	// spacing. Defaults to 100 per item.
	MaxAttempts int
	// Shuffle decouples publish order from the order items were given in.
	Shuffle bool
}

// Plan assigns Times[i] to item Order[i].
type Plan struct {
	Times       []time.Time
	Order       []int
	EvenSpacing bool
	Seed        uint64
}

// Distribute picks n timestamps in [start, end], sorted ascending and at
// least gap apart.
func Distribute(n int, start, end time.Time, gap time.Duration, opts Options) (Plan, error) {
	if n <= 0 {
		return Plan{}, &domain.ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	if gap <= 0 {
		gap = DefaultGap
	}
	if !end.After(start) {
		return Plan{}, &domain.ValidationError{Field: "end", Reason: "must be after start"}
	}
	window := end.Sub(start)
	if window < time.Duration(n)*gap {
		return Plan{}, &domain.ValidationError{
			Field:  "window",
			Reason: fmt.Sprintf("window %s cannot fit %d items %s apart", window, n, gap),
		}
	}

	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 100 * n
	}

	plan := Plan{Seed: seed}
	offsets, ok := sample(rng, n, window, gap, attempts)
	if !ok {
		offsets = evenlySpaced(rng, n, window, gap)
		plan.EvenSpacing = true
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	plan.Times = make([]time.Time, n)
	for i, off := range offsets {
		ts := start.Add(off)
		if ts.After(end) {
			ts = end
		}
		plan.Times[i] = ts
	}

	plan.Order = make([]int, n)
	for i := range plan.Order {
		plan.Order[i] = i
	}
	if opts.Shuffle {
		rng.Shuffle(n, func(i, j int) { plan.Order[i], plan.Order[j] = plan.Order[j], plan.Order[i] })
	}
	return plan, nil
}

// sample draws uniform offsets at second granularity, rejecting any that
// land within gap of an earlier pick.
func sample(rng *rand.Rand, n int, window, gap time.Duration, attempts int) ([]time.Duration, bool) {
	span := int64(window/time.Second) + 1
	out := make([]time.Duration, 0, n)
	for try := 0; try < attempts && len(out) < n; try++ {
		off := time.Duration(rng.Int64N(span)) * time.Second
		if tooClose(out, off, gap) {
			continue
		}
		out = append(out, off)
	}
	return out, len(out) == n
}

func tooClose(picked []time.Duration, off, gap time.Duration) bool {
	for _, p := range picked {
		d := p - off
		if d < 0 {
			d = -d
		}
		if d < gap {
			return true
		}
	}
	return false
}

// evenlySpaced places items at equal steps with a jitter that keeps
// neighbours at least gap apart.
func evenlySpaced(rng *rand.Rand, n int, window, gap time.Duration) []time.Duration {
	step := window / time.Duration(n)
	slack := step - gap
	if limit := step / 10; slack > limit {
		slack = limit
	}
	out := make([]time.Duration, n)
	for i := range out {
		var jitter time.Duration
		if slack > 0 {
			jitter = time.Duration(rng.Int64N(int64(slack) + 1))
		}
		out[i] = time.Duration(i)*step + jitter
	}
	return out
}
