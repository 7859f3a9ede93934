package task

import (
	"context"
)

// Distributor is the single consumer of the pool's output queue. One
// recording per dequeued item, no filtering or batching; if production
// outpaces it the output queue backs up, which is an accepted limitation.
type Distributor struct {
	store *Store
	out   <-chan ItemResult
}

// NewDistributor wires the pool output into the store. Run exactly one.
func NewDistributor(store *Store, out <-chan ItemResult) *Distributor {
	return &Distributor{store: store, out: out}
}

// Run drains the output queue until ctx is cancelled.
func (d *Distributor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-d.out:
			d.store.RecordCompletion(r.Batch, r.Index, r.Result)
		}
	}
}
