package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"batchd/pkg/api"
	"batchd/pkg/codec"
	"batchd/pkg/task"
	"batchd/pkg/wire"
)

// Socket serves the same four operations directly over the framed channel,
// one CBOR request envelope per frame. A framing or decode error is fatal
// for that connection only.
type Socket struct {
	store *task.Store
	pool  *task.Pool
	cdc   codec.Codec

	l  *wire.Listener
	wg sync.WaitGroup
}

// NewSocket wires the store and pool into a framed-socket server.
func NewSocket(store *task.Store, pool *task.Pool) *Socket {
	return &Socket{store: store, pool: pool, cdc: codec.CBOR()}
}

// Start listens on addr and serves connections until ctx is cancelled or
// Close is called.
func (s *Socket) Start(ctx context.Context, addr string) error {
	l, err := wire.Listen(addr)
	if err != nil {
		return err
	}
	s.l = l
	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr reports the bound address, or nil before Start.
func (s *Socket) Addr() net.Addr {
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

// Close stops the listener and waits for per-connection goroutines.
func (s *Socket) Close() {
	if s.l != nil {
		_ = s.l.Close()
	}
	s.wg.Wait()
}

func (s *Socket) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	go func() {
		<-ctx.Done()
		if s.l != nil {
			_ = s.l.Close()
		}
	}()
	for {
		conn, err := s.l.Accept()
		if err != nil {
			// Closed listener ends the loop; nothing else does.
			return
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *Socket) serveConn(ctx context.Context, conn *wire.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	for {
		frame, err := conn.Recv()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !isEOF(err) {
				zap.L().Warn("socket framing error, dropping connection", zap.Error(err))
			}
			return
		}
		var req api.SocketRequest
		if err := s.cdc.Unmarshal(frame, &req); err != nil {
			zap.L().Warn("socket decode error, dropping connection", zap.Error(err))
			return
		}
		resp := s.dispatch(ctx, &req)
		out, err := s.cdc.Marshal(resp)
		if err != nil {
			zap.L().Error("socket encode failed", zap.Error(err))
			return
		}
		if err := conn.Send(out); err != nil {
			return
		}
	}
}

func (s *Socket) dispatch(ctx context.Context, req *api.SocketRequest) *api.SocketResponse {
	switch req.Op {
	case api.OpSubmit:
		id, err := s.store.Submit(ctx, req.Items)
		if err != nil {
			kind := api.ErrKindInternal
			if errors.Is(err, task.ErrBatchTooLarge) {
				kind = api.ErrKindBadInput
			}
			return &api.SocketResponse{Err: &api.ErrorBody{Kind: kind, Message: err.Error()}}
		}
		return &api.SocketResponse{BatchID: id}

	case api.OpFetch:
		wait := time.Duration(req.Timeout * float64(time.Second))
		results, err := s.store.FetchAndRemove(ctx, req.BatchID, wait)
		switch {
		case errors.Is(err, task.ErrNotFound):
			return &api.SocketResponse{Err: &api.ErrorBody{Kind: api.ErrKindNotFound, Message: err.Error()}}
		case errors.Is(err, task.ErrTimeout):
			return &api.SocketResponse{Err: &api.ErrorBody{Kind: api.ErrKindTimeout, Message: err.Error()}}
		case err != nil:
			return &api.SocketResponse{Err: &api.ErrorBody{Kind: api.ErrKindInternal, Message: err.Error()}}
		}
		return &api.SocketResponse{Results: results}

	case api.OpLoad:
		return &api.SocketResponse{Load: s.pool.Load()}

	case api.OpProgress:
		completed, total := s.store.Progress(req.BatchID)
		return &api.SocketResponse{Completed: completed, Total: total}

	default:
		return &api.SocketResponse{Err: &api.ErrorBody{
			Kind:    api.ErrKindBadInput,
			Message: "unknown op: " + req.Op,
		}}
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
