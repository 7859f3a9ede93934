package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound reports a batch id that never existed or was already
	// fetched or evicted.
	ErrNotFound = errors.New("task: batch not found")

	// ErrTimeout reports that a fetch wait elapsed before the batch
	// finished. The batch stays in the store for a later attempt.
	ErrTimeout = errors.New("task: fetch timed out")

	// ErrBatchTooLarge reports a submit exceeding the item limit.
	ErrBatchTooLarge = errors.New("task: batch exceeds item limit")

	// ErrClosed reports a submit racing store shutdown.
	ErrClosed = errors.New("task: store closed")
)

// Options tunes the store.
type Options struct {
	// Retention is how long a finished, unfetched batch is kept before
	// eviction. The sweeper ticks at a tenth of this.
	Retention time.Duration

	// MaxWait caps the fetch wait regardless of what the caller asks for,
	// bounding worst-case handler occupancy.
	MaxWait time.Duration

	// MaxBatchItems caps the number of items in one submitted batch.
	MaxBatchItems int

	// QueueDepth sizes the shared input queue feeding the worker pool.
	QueueDepth int
}

func (o *Options) withDefaults() Options {
	res := *o
	if res.Retention <= 0 {
		res.Retention = 10 * time.Minute
	}
	if res.MaxWait <= 0 {
		res.MaxWait = 60 * time.Second
	}
	if res.MaxBatchItems <= 0 {
		res.MaxBatchItems = 10000
	}
	if res.QueueDepth <= 0 {
		res.QueueDepth = 1024
	}
	return res
}

// Metrics is a snapshot of store counters.
type Metrics struct {
	Batches   uint64 // batches currently held
	Submitted uint64
	Items     uint64
	Completed uint64
	Fetched   uint64
	Evicted   uint64
	Timeouts  uint64
}

type batch struct {
	total      int
	completed  int
	results    []Result
	filled     []bool
	done       chan struct{}
	finishedAt time.Time
}

func (b *batch) finished() bool { return b.completed == b.total }

// Store owns batch ids, per-batch completion state and the shared input
// queue. All map access goes through its mutex; no raw state escapes.
type Store struct {
	opts   Options
	nextID atomic.Uint64

	mu      sync.Mutex
	batches map[uint64]*batch

	input   chan Item
	closeCh chan struct{}
	wg      sync.WaitGroup

	nowFn func() time.Time

	mSubmitted atomic.Uint64
	mItems     atomic.Uint64
	mCompleted atomic.Uint64
	mFetched   atomic.Uint64
	mEvicted   atomic.Uint64
	mTimeouts  atomic.Uint64
}

// NewStore builds a store and starts its eviction sweeper.
func NewStore(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:    opts,
		batches: make(map[uint64]*batch),
		input:   make(chan Item, opts.QueueDepth),
		closeCh: make(chan struct{}),
		nowFn:   time.Now,
	}
	s.wg.Add(1)
	go s.sweeper()
	return s
}

// Close stops the sweeper. Pending batches are dropped with the process.
func (s *Store) Close() {
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
	s.wg.Wait()
}

// Input is the shared queue consumed by the worker pool.
func (s *Store) Input() <-chan Item { return s.input }

// Submit allocates a fresh batch id and enqueues one item per payload,
// preserving order. It returns without waiting for completion. An empty
// batch is finished immediately and nothing is enqueued. When the input
// queue is full, enqueueing blocks until ctx is cancelled or the store is
// closed; the partially enqueued batch is then withdrawn.
func (s *Store) Submit(ctx context.Context, payloads [][]byte) (uint64, error) {
	if len(payloads) > s.opts.MaxBatchItems {
		return 0, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(payloads), s.opts.MaxBatchItems)
	}
	id := s.nextID.Add(1)
	b := &batch{
		total:   len(payloads),
		results: make([]Result, len(payloads)),
		filled:  make([]bool, len(payloads)),
		done:    make(chan struct{}),
	}
	if b.total == 0 {
		b.finishedAt = s.nowFn()
		close(b.done)
	}

	s.mu.Lock()
	s.batches[id] = b
	s.mu.Unlock()

	s.mSubmitted.Add(1)
	s.mItems.Add(uint64(len(payloads)))

	for i, p := range payloads {
		select {
		case s.input <- Item{Batch: id, Index: i, Payload: p}:
		case <-ctx.Done():
			s.withdraw(id)
			return 0, ctx.Err()
		case <-s.closeCh:
			s.withdraw(id)
			return 0, ErrClosed
		}
	}
	return id, nil
}

// withdraw removes an incompletely enqueued batch so it cannot linger
// unfinished forever. Items already handed to workers resolve against the
// missing id and are dropped by RecordCompletion.
func (s *Store) withdraw(id uint64) {
	s.mu.Lock()
	delete(s.batches, id)
	s.mu.Unlock()
}

// RecordCompletion stores the result for one slot and, when it is the last
// outstanding one, marks the batch finished. A duplicate record for the same
// slot is dropped rather than double-counted.
func (s *Store) RecordCompletion(id uint64, index int, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		// Batch evicted or fetched while the item was in flight.
		return
	}
	if index < 0 || index >= b.total || b.filled[index] {
		return
	}
	b.results[index] = res
	b.filled[index] = true
	b.completed++
	s.mCompleted.Add(1)
	if b.finished() {
		b.finishedAt = s.nowFn()
		close(b.done)
	}
}

// Progress reports (completed, total) for a batch, or (0, 0) when the id is
// unknown. It is a best-effort, non-authoritative read.
func (s *Store) Progress(id uint64) (completed, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[id]; ok {
		return b.completed, b.total
	}
	return 0, 0
}

// FetchAndRemove blocks until the batch finishes or wait elapses, whichever
// comes first. On success it removes the batch and returns its results in
// item order. The wait is clamped to the configured maximum.
func (s *Store) FetchAndRemove(ctx context.Context, id uint64, wait time.Duration) ([]Result, error) {
	if wait < 0 {
		wait = 0
	}
	if wait > s.opts.MaxWait {
		wait = s.opts.MaxWait
	}

	s.mu.Lock()
	b, ok := s.batches[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	// Prefer an already-finished batch over a zero or tiny wait firing.
	select {
	case <-b.done:
		return s.take(id, b)
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-b.done:
	case <-timer.C:
		s.mTimeouts.Add(1)
		return nil, fmt.Errorf("%w: batch %d after %s", ErrTimeout, id, wait)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return s.take(id, b)
}

// take removes a finished batch and hands out its results. A concurrent
// fetch or the sweeper may have taken it between the wakeup and here, in
// which case the id no longer resolves.
func (s *Store) take(id uint64, b *batch) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[id]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	delete(s.batches, id)
	s.mFetched.Add(1)
	return b.results, nil
}

// Stats returns a snapshot of the counters.
func (s *Store) Stats() Metrics {
	s.mu.Lock()
	held := uint64(len(s.batches))
	s.mu.Unlock()
	return Metrics{
		Batches:   held,
		Submitted: s.mSubmitted.Load(),
		Items:     s.mItems.Load(),
		Completed: s.mCompleted.Load(),
		Fetched:   s.mFetched.Load(),
		Evicted:   s.mEvicted.Load(),
		Timeouts:  s.mTimeouts.Load(),
	}
}

// sweeper periodically evicts finished batches older than the retention
// window. Dropping an unfetched batch is deliberate: it trades unbounded
// growth for losing results nobody came back for, so each eviction is
// logged as a warning.
func (s *Store) sweeper() {
	defer s.wg.Done()
	tick := time.NewTicker(s.opts.Retention / 10)
	defer tick.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-tick.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	now := s.nowFn()
	var evicted []uint64
	s.mu.Lock()
	for id, b := range s.batches {
		if b.finished() && now.Sub(b.finishedAt) > s.opts.Retention {
			delete(s.batches, id)
			evicted = append(evicted, id)
		}
	}
	s.mu.Unlock()
	for _, id := range evicted {
		s.mEvicted.Add(1)
		zap.L().Warn("evicted unfetched batch past retention",
			zap.Uint64("batch", id),
			zap.Duration("retention", s.opts.Retention))
	}
}
