// Package client is a thin wrapper over the batchd HTTP front end. It holds
// no session state beyond the base URL; every call is one request/response.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"batchd/pkg/api"
	"batchd/pkg/codec"
	"batchd/pkg/task"
)

// Client talks to one batchd server.
type Client struct {
	base string
	hc   *http.Client
	cdc  codec.Codec
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.hc = hc } }

// WithCodec selects the wire format; the default is CBOR.
func WithCodec(cdc codec.Codec) Option { return func(c *Client) { c.cdc = cdc } }

// New builds a client for the server at base, e.g. "http://127.0.0.1:8700".
func New(base string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{},
		cdc:  codec.CBOR(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit enqueues a batch of opaque items and returns its id without
// waiting for completion.
func (c *Client) Submit(ctx context.Context, items [][]byte) (uint64, error) {
	var resp api.SubmitResponse
	err := c.call(ctx, "/submit", api.SubmitRequest{Items: items}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.BatchID, nil
}

// Fetch blocks until the batch finishes or timeout elapses server-side. It
// returns task.ErrTimeout when the batch is still running (it stays
// fetchable) and task.ErrNotFound for an unknown or already-fetched id.
func (c *Client) Fetch(ctx context.Context, batchID uint64, timeout time.Duration) ([]task.Result, error) {
	var resp api.FetchResponse
	err := c.call(ctx, "/fetch", api.FetchRequest{
		BatchID: batchID,
		Timeout: timeout.Seconds(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Batch composes Submit and Fetch.
func (c *Client) Batch(ctx context.Context, items [][]byte, timeout time.Duration) ([]task.Result, error) {
	id, err := c.Submit(ctx, items)
	if err != nil {
		return nil, err
	}
	return c.Fetch(ctx, id, timeout)
}

// Get runs a single item as a batch of one and unwraps the result. A tagged
// execution error comes back as the *task.ExecError itself.
func (c *Client) Get(ctx context.Context, item []byte, timeout time.Duration) ([]byte, error) {
	results, err := c.Batch(ctx, [][]byte{item}, timeout)
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("client: expected 1 result, got %d", len(results))
	}
	if results[0].Err != nil {
		return nil, results[0].Err
	}
	return results[0].Payload, nil
}

// Load reports in-flight items over worker count; values above 1 mean work
// is queuing faster than it executes.
func (c *Client) Load(ctx context.Context) (float64, error) {
	var resp api.LoadResponse
	if err := c.call(ctx, "/get_load", struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.Load, nil
}

// Progress reports (completed, total) for a batch; (0, 0) when the server
// no longer knows the id.
func (c *Client) Progress(ctx context.Context, batchID uint64) (completed, total int, err error) {
	var resp api.ProgressResponse
	if err := c.call(ctx, "/get_progress", api.ProgressRequest{BatchID: batchID}, &resp); err != nil {
		return 0, 0, err
	}
	return resp.Completed, resp.Total, nil
}

// call posts one encoded request and decodes the reply, converting tagged
// error bodies back into typed conditions.
func (c *Client) call(ctx context.Context, path string, in, out any) error {
	body, err := c.cdc.Marshal(in)
	if err != nil {
		return fmt.Errorf("client: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", c.cdc.ContentType())

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp.StatusCode, raw)
	}
	if err := c.cdc.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

func (c *Client) decodeError(status int, raw []byte) error {
	var eb api.ErrorBody
	if err := c.cdc.Unmarshal(raw, &eb); err != nil {
		return fmt.Errorf("client: server returned %d", status)
	}
	switch eb.Kind {
	case api.ErrKindNotFound:
		return fmt.Errorf("%w: %s", task.ErrNotFound, eb.Message)
	case api.ErrKindTimeout:
		return fmt.Errorf("%w: %s", task.ErrTimeout, eb.Message)
	default:
		return fmt.Errorf("client: %s: %s", eb.Kind, eb.Message)
	}
}
