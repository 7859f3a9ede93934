package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Pool runs a fixed number of workers over the shared input queue. Each
// worker executes the handler once per item in isolation: a failing or
// panicking handler yields a tagged error result for that slot and nothing
// else. Workers share only the queues and the in-flight counter.
type Pool struct {
	n       int
	handler Handler
	in      <-chan Item
	out     chan ItemResult

	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// NewPool builds a pool of n workers reading from in. Workers start on
// Start.
func NewPool(n int, handler Handler, in <-chan Item) *Pool {
	if n <= 0 {
		n = 1
	}
	return &Pool{
		n:       n,
		handler: handler,
		in:      in,
		out:     make(chan ItemResult, n*2),
	}
}

// Output carries finished items to the distributor.
func (p *Pool) Output() <-chan ItemResult { return p.out }

// Size reports the configured worker count.
func (p *Pool) Size() int { return p.n }

// Load reports in-flight items as a fraction of the worker count. It is not
// clamped to [0,1].
func (p *Pool) Load() float64 { return float64(p.inFlight.Load()) / float64(p.n) }

// Start launches the workers. They exit when ctx is cancelled; shutdown is
// cooperative, in-flight items run to completion.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := zap.L().With(zap.Int("worker", id))
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.in:
			p.inFlight.Add(1)
			res := p.run(ctx, item)
			p.inFlight.Add(-1)
			select {
			case p.out <- ItemResult{Batch: item.Batch, Index: item.Index, Result: res}:
			case <-ctx.Done():
				return
			}
			if res.Err != nil {
				log.Debug("item failed",
					zap.Uint64("batch", item.Batch),
					zap.Int("index", item.Index),
					zap.String("error", res.Err.Message))
			}
		}
	}
}

// run executes the handler for one item, converting errors and panics into
// a tagged error result so the slot is never lost.
func (p *Pool) run(ctx context.Context, item Item) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: &ExecError{
				Message: panicMessage(r),
				Stack:   string(debug.Stack()),
			}}
		}
	}()
	out, err := p.handler(ctx, item.Payload)
	if err != nil {
		return Result{Err: &ExecError{
			Message: err.Error(),
			Stack:   string(debug.Stack()),
		}}
	}
	return Result{Payload: out}
}

func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", r)
}
