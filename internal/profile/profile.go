// Package profile aggregates per-operator wall-clock durations across
// inference iterations.
package profile

import (
	"context"
	"fmt"
	"io"
	"runtime/pprof"
	"sort"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Samples and aggregates
// ---------------------------------------------------------------------------

// Sample is one timed execution of an operator.
type Sample struct {
	Operator  string
	Duration  time.Duration
	Iteration int
}

// Aggregate holds the per-operator totals. Share is Total divided by the sum
// of all totals in the table, in [0, 1].
type Aggregate struct {
	Operator string
	Total    time.Duration
	Count    int
	Mean     time.Duration
	Min      time.Duration
	Max      time.Duration
	Share    float64
}

// Stats holds min, max and mean over a set of durations.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats calculates min, max and mean over a slice of durations.
// An empty slice yields zero stats.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}

	mn, mx := durations[0], durations[0]

	var sum time.Duration

	for _, d := range durations {
		mn = min(mn, d)
		mx = max(mx, d)
		sum += d
	}

	return Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(durations)),
	}
}

// AggregateSamples is the one-shot form of Recorder.
func AggregateSamples(samples []Sample) []Aggregate {
	r := NewRecorder()
	for _, s := range samples {
		r.Record(s)
	}

	return r.Aggregates()
}

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

type running struct {
	total time.Duration
	count int
	min   time.Duration
	max   time.Duration
}

// Recorder accumulates samples keyed by operator name. It is safe for
// concurrent use and keeps constant memory per operator.
type Recorder struct {
	mu  sync.Mutex
	ops map[string]*running
}

func NewRecorder() *Recorder {
	return &Recorder{ops: make(map[string]*running)}
}

// Record folds one sample. Negative durations are clamped to zero.
func (r *Recorder) Record(s Sample) {
	d := max(s.Duration, 0)

	r.mu.Lock()
	defer r.mu.Unlock()

	agg, ok := r.ops[s.Operator]
	if !ok {
		r.ops[s.Operator] = &running{total: d, count: 1, min: d, max: d}
		return
	}

	agg.total += d
	agg.count++
	agg.min = min(agg.min, d)
	agg.max = max(agg.max, d)
}

// Observe returns a duration hook bound to one iteration.
func (r *Recorder) Observe(iteration int) func(op string, d time.Duration) {
	return func(op string, d time.Duration) {
		r.Record(Sample{Operator: op, Duration: d, Iteration: iteration})
	}
}

// Aggregates returns the table sorted by total descending, ties by operator
// name ascending.
func (r *Recorder) Aggregates() []Aggregate {
	r.mu.Lock()
	out := make([]Aggregate, 0, len(r.ops))

	var grand time.Duration

	for name, agg := range r.ops {
		out = append(out, Aggregate{
			Operator: name,
			Total:    agg.total,
			Count:    agg.count,
			Mean:     agg.total / time.Duration(agg.count),
			Min:      agg.min,
			Max:      agg.max,
		})
		grand += agg.total
	}
	r.mu.Unlock()

	if grand > 0 {
		for i := range out {
			out[i].Share = float64(out[i].Total) / float64(grand)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}

		return out[i].Operator < out[j].Operator
	})

	return out
}

// Total returns the sum of all recorded durations.
func Total(aggs []Aggregate) time.Duration {
	var sum time.Duration
	for _, a := range aggs {
		sum += a.Total
	}

	return sum
}

// ---------------------------------------------------------------------------
// Timing helpers
// ---------------------------------------------------------------------------

// Op runs fn under a pprof "op" label and returns its wall-clock duration.
func Op(ctx context.Context, op string, fn func(context.Context) error) (time.Duration, error) {
	var (
		elapsed time.Duration
		err     error
	)

	pprof.Do(ctx, pprof.Labels("op", op), func(ctx context.Context) {
		start := time.Now()
		err = fn(ctx)
		elapsed = time.Since(start)
	})

	return elapsed, err
}

// StartCPUProfile starts a CPU profile written to w and returns the stop
// function.
func StartCPUProfile(w io.Writer) (func(), error) {
	if err := pprof.StartCPUProfile(w); err != nil {
		return nil, fmt.Errorf("profile: start cpu profile: %w", err)
	}

	return pprof.StopCPUProfile, nil
}
