// Package collect pairs per-operator tensors from an original and a quantized
// graph and folds each pair into streaming statistics.
//
// Both graphs run concurrently. Their activations are matched by operator
// name as they are produced and handed to a bounded worker pool. Each side
// holds at most Workers unmatched activations; a graph that runs further
// ahead blocks until the other catches up, so only the tensors of operators
// currently in flight are alive at any time.
package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/example/go-opdiag/internal/graph"
	"github.com/example/go-opdiag/internal/report"
	"github.com/example/go-opdiag/internal/runtime/tensor"
	"github.com/example/go-opdiag/internal/stats"
)

// TensorSample is one flattened tensor captured from a graph. Data is owned
// by the collector until it has been folded.
type TensorSample struct {
	Operator string
	Role     graph.Role
	Source   graph.Source
	Shape    []int64
	Data     []float32
}

type Options struct {
	// Workers bounds concurrent folds and the unmatched activations held per
	// graph. Zero means GOMAXPROCS.
	Workers int
	// Roles to collect. Empty means both.
	Roles []graph.Role
}

// Result holds unranked rows in operator order. A slice is nil when its role
// was not requested.
type Result struct {
	Activations []report.MetricRow
	Weights     []report.MetricRow
}

type Collector struct {
	original  graph.Inspectable
	quantized graph.Inspectable
	ops       []graph.OperatorRecord
	wanted    map[string]struct{}
	workers   int
	roles     map[graph.Role]bool

	// peakPending is the largest number of unmatched samples one side held.
	peakPending int
}

type opState struct {
	mu  sync.Mutex
	acc stats.Accumulator
	err error
}

// New returns a collector over ops, which must exist in both graphs.
func New(original, quantized graph.Inspectable, ops []graph.OperatorRecord, opts Options) *Collector {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	roles := make(map[graph.Role]bool, 2)
	for _, r := range opts.Roles {
		roles[r] = true
	}

	if len(roles) == 0 {
		roles[graph.RoleActivation] = true
		roles[graph.RoleWeight] = true
	}

	return &Collector{
		original:  original,
		quantized: quantized,
		ops:       ops,
		wanted:    graph.OperatorNames(ops),
		workers:   workers,
		roles:     roles,
	}
}

// Collect gathers every requested role. Any forward or weight-loading failure
// aborts the whole collection and no rows are returned.
func (c *Collector) Collect(ctx context.Context, batches []graph.Batch) (Result, error) {
	var (
		res Result
		err error
	)

	if c.roles[graph.RoleWeight] {
		res.Weights, err = c.Weights(ctx)
		if err != nil {
			return Result{}, err
		}
	}

	if c.roles[graph.RoleActivation] {
		res.Activations, err = c.Activations(ctx, batches)
		if err != nil {
			return Result{}, err
		}
	}

	return res, nil
}

// Activations runs every batch through both graphs and returns one row per
// operator.
func (c *Collector) Activations(ctx context.Context, batches []graph.Batch) ([]report.MetricRow, error) {
	if len(batches) == 0 {
		return nil, errors.New("collect: no input batches")
	}

	states := make(map[string]*opState, len(c.ops))
	for _, op := range c.ops {
		states[op.Name] = &opState{}
	}

	for _, batch := range batches {
		if err := c.runBatch(ctx, batch, states); err != nil {
			return nil, err
		}
	}

	rows := make([]report.MetricRow, 0, len(c.ops))

	for _, op := range c.ops {
		st := states[op.Name]
		row := report.MetricRow{Operator: op, Err: st.err}

		if row.Err == nil {
			row.Metrics, row.Err = st.acc.Result()
		}

		if row.Err != nil {
			slog.Warn("activation metrics unavailable", "op", op.Name, "error", row.Err)
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// runBatch pairs the activations of one batch. Each side keeps at most
// c.workers unmatched samples. A full side stops receiving, which blocks its
// graph in the activation hook until the other side catches up. When both
// sides are full the oldest pending sample is dropped and its operator is
// marked unpaired.
func (c *Collector) runBatch(ctx context.Context, batch graph.Batch, states map[string]*opState) error {
	fwd, fctx := errgroup.WithContext(ctx)
	origCh := make(chan TensorSample)
	quantCh := make(chan TensorSample)

	fwd.Go(func() error {
		defer close(origCh)
		return c.forward(fctx, c.original, graph.SourceOriginal, batch, origCh)
	})
	fwd.Go(func() error {
		defer close(quantCh)
		return c.forward(fctx, c.quantized, graph.SourceQuantized, batch, quantCh)
	})

	var pool errgroup.Group
	pool.SetLimit(c.workers)

	p := newPairer(c.workers, states)
	p.fold = func(st *opState, orig, quant TensorSample) {
		pool.Go(func() error {
			foldPair(st, orig, quant)
			slog.Debug("folded activation", "op", orig.Operator, "batch", batch.Index, "elements", len(orig.Data))

			return nil
		})
	}

	origOpen, quantOpen := true, true

	for origOpen || quantOpen {
		var recvOrig, recvQuant <-chan TensorSample

		if origOpen && p.orig.len() < p.limit {
			recvOrig = origCh
		}

		if quantOpen && p.quant.len() < p.limit {
			recvQuant = quantCh
		}

		if recvOrig == nil && recvQuant == nil {
			p.evictOldest()
			continue
		}

		select {
		case s, ok := <-recvOrig:
			if !ok {
				origOpen = false
				p.flush(&p.quant, graph.SourceOriginal)

				continue
			}

			p.add(s, quantOpen)
		case s, ok := <-recvQuant:
			if !ok {
				quantOpen = false
				p.flush(&p.orig, graph.SourceQuantized)

				continue
			}

			p.add(s, origOpen)
		}
	}

	fwdErr := fwd.Wait()
	_ = pool.Wait()

	slog.Debug("paired batch", "batch", batch.Index, "peak_pending", p.peak, "unpaired", len(p.dropped))

	if c.peakPending < p.peak {
		c.peakPending = p.peak
	}

	if fwdErr != nil {
		return fwdErr
	}

	p.flush(&p.orig, graph.SourceQuantized)
	p.flush(&p.quant, graph.SourceOriginal)

	return nil
}

// pendingQueue holds unmatched samples of one side in arrival order.
type pendingQueue struct {
	byOp  map[string]TensorSample
	order []string
}

func (q *pendingQueue) len() int { return len(q.byOp) }

func (q *pendingQueue) push(s TensorSample) {
	q.byOp[s.Operator] = s
	q.order = append(q.order, s.Operator)
}

func (q *pendingQueue) take(op string) (TensorSample, bool) {
	s, ok := q.byOp[op]
	if ok {
		delete(q.byOp, op)
	}

	return s, ok
}

// oldest returns the first operator still pending, compacting taken entries.
func (q *pendingQueue) oldest() (string, bool) {
	for len(q.order) > 0 {
		op := q.order[0]
		if _, ok := q.byOp[op]; ok {
			return op, true
		}

		q.order = q.order[1:]
	}

	return "", false
}

type pairer struct {
	limit   int
	states  map[string]*opState
	orig    pendingQueue
	quant   pendingQueue
	arrival map[string]int
	seq     int
	dropped map[string]struct{}
	peak    int
	fold    func(st *opState, orig, quant TensorSample)
}

func newPairer(limit int, states map[string]*opState) *pairer {
	return &pairer{
		limit:   max(limit, 1),
		states:  states,
		orig:    pendingQueue{byOp: make(map[string]TensorSample)},
		quant:   pendingQueue{byOp: make(map[string]TensorSample)},
		arrival: make(map[string]int),
		dropped: make(map[string]struct{}),
	}
}

// add pairs s with its peer or queues it. A sample whose peer can no longer
// arrive is dropped at once.
func (p *pairer) add(s TensorSample, peerOpen bool) {
	if _, gone := p.dropped[s.Operator]; gone {
		return
	}

	mine, other, missing := &p.orig, &p.quant, graph.SourceQuantized
	if s.Source == graph.SourceQuantized {
		mine, other, missing = &p.quant, &p.orig, graph.SourceOriginal
	}

	peer, ok := other.take(s.Operator)
	if !ok {
		if !peerOpen {
			p.drop(s.Operator, fmt.Errorf("no %s activation produced", missing))
			return
		}

		mine.push(s)
		p.arrival[s.Operator+"/"+string(s.Source)] = p.seq
		p.seq++
		p.peak = max(p.peak, mine.len())

		return
	}

	orig, quant := s, peer
	if s.Source == graph.SourceQuantized {
		orig, quant = peer, s
	}

	p.fold(p.states[s.Operator], orig, quant)
}

// evictOldest drops the sample that has waited longest on either side.
func (p *pairer) evictOldest() {
	o, okO := p.orig.oldest()
	q, okQ := p.quant.oldest()

	useOrig := okO && (!okQ || p.arrival[o+"/"+string(graph.SourceOriginal)] < p.arrival[q+"/"+string(graph.SourceQuantized)])

	if useOrig {
		p.orig.take(o)
		p.drop(o, fmt.Errorf("no matching %s activation within %d pending operators", graph.SourceQuantized, p.limit))

		return
	}

	if okQ {
		p.quant.take(q)
		p.drop(q, fmt.Errorf("no matching %s activation within %d pending operators", graph.SourceOriginal, p.limit))
	}
}

func (p *pairer) flush(q *pendingQueue, missing graph.Source) {
	for op := range q.byOp {
		delete(q.byOp, op)
		p.drop(op, fmt.Errorf("no %s activation produced", missing))
	}

	q.order = q.order[:0]
}

func (p *pairer) drop(op string, err error) {
	p.dropped[op] = struct{}{}
	markUnpaired(p.states[op], err)
}

func (c *Collector) forward(ctx context.Context, g graph.Inspectable, src graph.Source, batch graph.Batch, out chan<- TensorSample) error {
	hooks := graph.Hooks{
		OnActivation: func(op string, t *tensor.Tensor) error {
			if _, ok := c.wanted[op]; !ok {
				return nil
			}

			s := TensorSample{
				Operator: op,
				Role:     graph.RoleActivation,
				Source:   src,
				Shape:    t.Shape(),
				Data:     t.RawData(),
			}

			select {
			case out <- s:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	if err := g.Forward(ctx, batch, hooks); err != nil {
		return fmt.Errorf("collect: %s graph %q forward (batch %d): %w", src, g.Name(), batch.Index, err)
	}

	return nil
}

func foldPair(st *opState, orig, quant TensorSample) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.err != nil {
		return
	}

	if !tensor.SameShape(orig.Shape, quant.Shape) {
		st.err = fmt.Errorf("%w: original %v, quantized %v", stats.ErrShapeMismatch, orig.Shape, quant.Shape)
		return
	}

	if err := st.acc.AddPair(orig.Data, quant.Data); err != nil {
		st.err = err
	}
}

func markUnpaired(st *opState, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.err == nil {
		st.err = err
	}
}

// Weights pairs the parameters of every operator by weight name and returns
// one row per operator that has parameters in either graph.
func (c *Collector) Weights(ctx context.Context) ([]report.MetricRow, error) {
	rows := make([]*report.MetricRow, len(c.ops))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for i, op := range c.ops {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			row, err := c.weightRow(op)
			if err != nil {
				return err
			}

			rows[i] = row

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]report.MetricRow, 0, len(rows))

	for _, r := range rows {
		if r == nil {
			continue
		}

		if r.Err != nil {
			slog.Warn("weight metrics unavailable", "op", r.Operator.Name, "error", r.Err)
		}

		out = append(out, *r)
	}

	return out, nil
}

func (c *Collector) weightRow(op graph.OperatorRecord) (*report.MetricRow, error) {
	ow, err := c.original.Weights(op.Name)
	if err != nil {
		return nil, fmt.Errorf("collect: original weights: %w", &graph.ExecError{Op: op.Name, Err: err})
	}

	qw, err := c.quantized.Weights(op.Name)
	if err != nil {
		return nil, fmt.Errorf("collect: quantized weights: %w", &graph.ExecError{Op: op.Name, Err: err})
	}

	if len(ow) == 0 && len(qw) == 0 {
		return nil, nil
	}

	row := &report.MetricRow{Operator: op}

	quant := make(map[string]*tensor.Tensor, len(qw))
	for _, w := range qw {
		quant[w.Name] = w.Tensor
	}

	var acc stats.Accumulator

	for _, w := range ow {
		q, ok := quant[w.Name]
		if !ok {
			row.Err = fmt.Errorf("%w: weight %q missing from quantized graph", stats.ErrShapeMismatch, w.Name)
			return row, nil
		}

		delete(quant, w.Name)

		if !tensor.SameShape(w.Tensor.Shape(), q.Shape()) {
			row.Err = fmt.Errorf("%w: weight %q original %v, quantized %v", stats.ErrShapeMismatch, w.Name, w.Tensor.Shape(), q.Shape())
			return row, nil
		}

		if err := acc.AddPair(w.Tensor.RawData(), q.RawData()); err != nil {
			row.Err = fmt.Errorf("weight %q: %w", w.Name, err)
			return row, nil
		}
	}

	for name := range quant {
		row.Err = fmt.Errorf("%w: weight %q missing from original graph", stats.ErrShapeMismatch, name)
		return row, nil
	}

	row.Metrics, row.Err = acc.Result()

	return row, nil
}
