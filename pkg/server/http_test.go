package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchd/pkg/client"
	"batchd/pkg/codec"
	"batchd/pkg/task"
)

// newTestServer runs the whole stack behind httptest. A nil handler gets
// the default: uppercase the payload, fail on "bad".
func newTestServer(t *testing.T, opts task.Options, handler task.Handler) (*httptest.Server, *task.Store, *task.Pool) {
	t.Helper()
	store := task.NewStore(opts)
	if handler == nil {
		handler = func(_ context.Context, payload []byte) ([]byte, error) {
			if string(payload) == "bad" {
				return nil, errors.New("refused")
			}
			return []byte(strings.ToUpper(string(payload))), nil
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool := task.NewPool(2, handler, store.Input())
	pool.Start(ctx)
	dist := task.NewDistributor(store, pool.Output())
	go dist.Run(ctx)

	ts := httptest.NewServer(NewHTTP(store, pool).Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		pool.Wait()
		store.Close()
	})
	return ts, store, pool
}

func TestSubmitFetchEndToEnd(t *testing.T) {
	ts, _, _ := newTestServer(t, task.Options{}, nil)
	c := client.New(ts.URL)
	ctx := context.Background()

	id, err := c.Submit(ctx, [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)
	require.NotZero(t, id)

	results, err := c.Fetch(ctx, id, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "A", string(results[0].Payload))
	assert.Equal(t, "B", string(results[1].Payload))
	assert.Equal(t, "C", string(results[2].Payload))

	// A fetched batch is gone.
	_, err = c.Fetch(ctx, id, 0)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestFetchUnknownID(t *testing.T) {
	ts, _, _ := newTestServer(t, task.Options{}, nil)
	c := client.New(ts.URL)

	_, err := c.Fetch(context.Background(), 9999999, time.Second)
	assert.ErrorIs(t, err, task.ErrNotFound)
	assert.NotErrorIs(t, err, task.ErrTimeout)
}

func TestFetchTimeoutThenSuccess(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, payload []byte) ([]byte, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return payload, nil
	}
	ts, _, _ := newTestServer(t, task.Options{}, handler)
	c := client.New(ts.URL)
	ctx := context.Background()

	id, err := c.Submit(ctx, [][]byte{[]byte("x")})
	require.NoError(t, err)

	// Worker is stuck, so a zero wait times out and the batch survives.
	_, err = c.Fetch(ctx, id, 0)
	assert.ErrorIs(t, err, task.ErrTimeout)

	close(release)
	results, err := c.Fetch(ctx, id, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "x", string(results[0].Payload))
}

func TestZeroItemBatch(t *testing.T) {
	ts, _, _ := newTestServer(t, task.Options{}, nil)
	c := client.New(ts.URL)
	ctx := context.Background()

	id, err := c.Submit(ctx, nil)
	require.NoError(t, err)
	results, err := c.Fetch(ctx, id, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestErrorIsolationOverHTTP(t *testing.T) {
	ts, _, _ := newTestServer(t, task.Options{}, nil)
	c := client.New(ts.URL)

	results, err := c.Batch(context.Background(),
		[][]byte{[]byte("good"), []byte("bad"), []byte("also good")}, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Nil(t, results[0].Err)
	assert.Nil(t, results[2].Err)
	require.NotNil(t, results[1].Err)
	assert.Contains(t, results[1].Err.Message, "refused")
	assert.NotEmpty(t, results[1].Err.Stack)
}

func TestGetUnwrapsSingleItem(t *testing.T) {
	ts, _, _ := newTestServer(t, task.Options{}, nil)
	c := client.New(ts.URL)

	out, err := c.Get(context.Background(), []byte("hello"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(out))

	_, err = c.Get(context.Background(), []byte("bad"), 5*time.Second)
	var execErr *task.ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Message, "refused")
}

func TestLoadAndProgressEndpoints(t *testing.T) {
	ts, _, _ := newTestServer(t, task.Options{}, nil)
	c := client.New(ts.URL)
	ctx := context.Background()

	load, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, load)

	id, err := c.Submit(ctx, [][]byte{[]byte("a")})
	require.NoError(t, err)
	_, err = c.Fetch(ctx, id, 5*time.Second)
	require.NoError(t, err)

	completed, total, err := c.Progress(ctx, 424242)
	require.NoError(t, err)
	assert.Zero(t, completed)
	assert.Zero(t, total)
}

func TestBatchTooLargeRejected(t *testing.T) {
	ts, _, _ := newTestServer(t, task.Options{MaxBatchItems: 2}, nil)
	c := client.New(ts.URL)

	_, err := c.Submit(context.Background(), [][]byte{{1}, {2}, {3}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "item limit")
}

func TestJSONCodecNegotiation(t *testing.T) {
	ts, _, _ := newTestServer(t, task.Options{}, nil)
	c := client.New(ts.URL, client.WithCodec(codec.JSON()))
	ctx := context.Background()

	results, err := c.Batch(ctx, [][]byte{[]byte("json")}, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "JSON", string(results[0].Payload))
}
