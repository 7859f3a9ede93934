// Package api defines the request/response envelopes shared by the HTTP and
// socket front ends and the client library. Bodies are encoded with a
// pkg/codec codec; CBOR is the default.
package api

import (
	"batchd/pkg/task"
)

// Operation names for the socket front end. The HTTP front end maps them to
// POST endpoints of the same name.
const (
	OpSubmit   = "submit"
	OpFetch    = "fetch"
	OpLoad     = "get_load"
	OpProgress = "get_progress"
)

// Error kinds carried in ErrorBody. The client library re-raises them as
// typed conditions instead of returning them as values.
const (
	ErrKindNotFound = "not_found"
	ErrKindTimeout  = "timeout"
	ErrKindBadInput = "bad_input"
	ErrKindInternal = "internal"
)

// SubmitRequest carries an ordered sequence of opaque item payloads.
type SubmitRequest struct {
	Items [][]byte `json:"items" cbor:"1,keyasint"`
}

// SubmitResponse returns the allocated batch id.
type SubmitResponse struct {
	BatchID uint64 `json:"batch_id" cbor:"1,keyasint"`
}

// FetchRequest asks for the results of a batch, blocking up to Timeout
// seconds. The server clamps the wait to its configured maximum.
type FetchRequest struct {
	BatchID uint64  `json:"batch_id" cbor:"1,keyasint"`
	Timeout float64 `json:"timeout" cbor:"2,keyasint"`
}

// FetchResponse returns per-item results in item order.
type FetchResponse struct {
	Results []task.Result `json:"results" cbor:"1,keyasint"`
}

// LoadResponse reports in-flight items over worker count, unclamped.
type LoadResponse struct {
	Load float64 `json:"load" cbor:"1,keyasint"`
}

// ProgressRequest names the batch to report on.
type ProgressRequest struct {
	BatchID uint64 `json:"batch_id" cbor:"1,keyasint"`
}

// ProgressResponse is (completed, total), or (0, 0) for an unknown id.
type ProgressResponse struct {
	Completed int `json:"completed" cbor:"1,keyasint"`
	Total     int `json:"total" cbor:"2,keyasint"`
}

// ErrorBody is the serialized form of a typed failure.
type ErrorBody struct {
	Kind    string `json:"kind" cbor:"1,keyasint"`
	Message string `json:"message" cbor:"2,keyasint"`
}

// SocketRequest is the single envelope the socket front end accepts; Op
// selects which of the other fields are read.
type SocketRequest struct {
	Op      string   `json:"op" cbor:"1,keyasint"`
	Items   [][]byte `json:"items,omitempty" cbor:"2,keyasint,omitempty"`
	BatchID uint64   `json:"batch_id,omitempty" cbor:"3,keyasint,omitempty"`
	Timeout float64  `json:"timeout,omitempty" cbor:"4,keyasint,omitempty"`
}

// SocketResponse is the socket front end's reply envelope. Exactly one of
// the payload fields is meaningful per op; Err is set on typed failures.
type SocketResponse struct {
	BatchID   uint64        `json:"batch_id,omitempty" cbor:"1,keyasint,omitempty"`
	Results   []task.Result `json:"results,omitempty" cbor:"2,keyasint,omitempty"`
	Completed int           `json:"completed,omitempty" cbor:"3,keyasint,omitempty"`
	Total     int           `json:"total,omitempty" cbor:"4,keyasint,omitempty"`
	Load      float64       `json:"load,omitempty" cbor:"5,keyasint,omitempty"`
	Err       *ErrorBody    `json:"error,omitempty" cbor:"6,keyasint,omitempty"`
}
