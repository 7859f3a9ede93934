package server

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchd/pkg/api"
	"batchd/pkg/codec"
	"batchd/pkg/task"
	"batchd/pkg/wire"
)

func startSocket(t *testing.T) *wire.Conn {
	t.Helper()
	store := task.NewStore(task.Options{})
	handler := func(_ context.Context, payload []byte) ([]byte, error) {
		return []byte(strings.ToUpper(string(payload))), nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool := task.NewPool(2, handler, store.Input())
	pool.Start(ctx)
	dist := task.NewDistributor(store, pool.Output())
	go dist.Run(ctx)

	sock := NewSocket(store, pool)
	require.NoError(t, sock.Start(ctx, "127.0.0.1:0"))

	conn, err := wire.Dial(sock.Addr().String())
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		sock.Close()
		cancel()
		pool.Wait()
		store.Close()
	})
	return conn
}

func roundTrip(t *testing.T, conn *wire.Conn, req api.SocketRequest) api.SocketResponse {
	t.Helper()
	cdc := codec.CBOR()
	out, err := cdc.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, conn.Send(out))
	frame, err := conn.Recv()
	require.NoError(t, err)
	var resp api.SocketResponse
	require.NoError(t, cdc.Unmarshal(frame, &resp))
	return resp
}

func TestSocketSubmitFetch(t *testing.T) {
	conn := startSocket(t)

	resp := roundTrip(t, conn, api.SocketRequest{
		Op:    api.OpSubmit,
		Items: [][]byte{[]byte("one"), []byte("two")},
	})
	require.Nil(t, resp.Err)
	require.NotZero(t, resp.BatchID)

	fetched := roundTrip(t, conn, api.SocketRequest{
		Op:      api.OpFetch,
		BatchID: resp.BatchID,
		Timeout: 5,
	})
	require.Nil(t, fetched.Err)
	require.Len(t, fetched.Results, 2)
	assert.Equal(t, "ONE", string(fetched.Results[0].Payload))
	assert.Equal(t, "TWO", string(fetched.Results[1].Payload))
}

func TestSocketNotFoundAndProgress(t *testing.T) {
	conn := startSocket(t)

	resp := roundTrip(t, conn, api.SocketRequest{Op: api.OpFetch, BatchID: 777777, Timeout: 1})
	require.NotNil(t, resp.Err)
	assert.Equal(t, api.ErrKindNotFound, resp.Err.Kind)

	prog := roundTrip(t, conn, api.SocketRequest{Op: api.OpProgress, BatchID: 777777})
	require.Nil(t, prog.Err)
	assert.Zero(t, prog.Completed)
	assert.Zero(t, prog.Total)
}

func TestSocketLoadAndUnknownOp(t *testing.T) {
	conn := startSocket(t)

	load := roundTrip(t, conn, api.SocketRequest{Op: api.OpLoad})
	require.Nil(t, load.Err)
	assert.Zero(t, load.Load)

	bad := roundTrip(t, conn, api.SocketRequest{Op: "nonsense"})
	require.NotNil(t, bad.Err)
	assert.Equal(t, api.ErrKindBadInput, bad.Err.Kind)
}

func TestSocketSequentialRequests(t *testing.T) {
	conn := startSocket(t)

	// One connection carries many request/response pairs back to back.
	for i := 0; i < 5; i++ {
		resp := roundTrip(t, conn, api.SocketRequest{Op: api.OpSubmit, Items: [][]byte{[]byte("x")}})
		require.Nil(t, resp.Err)
		fetched := roundTrip(t, conn, api.SocketRequest{Op: api.OpFetch, BatchID: resp.BatchID, Timeout: 5})
		require.Nil(t, fetched.Err)
		require.Len(t, fetched.Results, 1)
	}
}
