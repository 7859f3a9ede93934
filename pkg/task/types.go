// Package task implements the submit-now/fetch-later batch machinery: the
// batch store, the worker pool, and the result distributor connecting them.
package task

import (
	"context"
	"fmt"
)

// Item is one unit of work. Exactly one worker executes it; its slot in the
// batch is fixed by Index for the lifetime of the batch.
type Item struct {
	Batch   uint64
	Index   int
	Payload []byte
}

// ExecError is the tagged error produced when a handler fails or panics.
// It carries the error text and a captured stack trace so the caller sees
// what went wrong, never a bare serialization failure.
type ExecError struct {
	Message string `json:"message" cbor:"1,keyasint"`
	Stack   string `json:"stack,omitempty" cbor:"2,keyasint,omitempty"`
}

func (e *ExecError) Error() string { return fmt.Sprintf("task: %s", e.Message) }

// Result is the outcome of one item: either Payload or Err is set.
type Result struct {
	Payload []byte     `json:"data,omitempty" cbor:"1,keyasint,omitempty"`
	Err     *ExecError `json:"error,omitempty" cbor:"2,keyasint,omitempty"`
}

// ItemResult pairs a Result with the slot it belongs to, for transit from a
// worker to the distributor.
type ItemResult struct {
	Batch  uint64
	Index  int
	Result Result
}

// Handler is the unit of work supplied by the embedding application. It
// receives the opaque payload of one item and returns the opaque result.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)
