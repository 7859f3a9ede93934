// Package server exposes the batch store and worker pool over HTTP and over
// the framed socket protocol. Both front ends share the same components and
// keep no per-request state of their own.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"batchd/pkg/api"
	"batchd/pkg/codec"
	"batchd/pkg/task"
)

// HTTP serves the four operations as POST endpoints. Request and response
// bodies are encoded with the codec named by Content-Type; CBOR is assumed
// when the header names no registered codec.
type HTTP struct {
	store  *task.Store
	pool   *task.Pool
	reg    *codec.Registry
	engine *gin.Engine
	srv    *http.Server
}

// NewHTTP wires the store and pool into a gin engine.
func NewHTTP(store *task.Store, pool *task.Pool) *HTTP {
	gin.SetMode(gin.ReleaseMode)
	h := &HTTP{
		store: store,
		pool:  pool,
		reg:   codec.NewRegistry(),
	}
	e := gin.New()
	e.Use(requestID(), accessLog(), gin.Recovery())
	e.POST("/submit", h.submit)
	e.POST("/fetch", h.fetch)
	e.POST("/get_load", h.load)
	e.POST("/get_progress", h.progress)
	e.GET("/stats", h.stats)
	h.engine = e
	return h
}

// Handler exposes the router, mainly for tests.
func (h *HTTP) Handler() http.Handler { return h.engine }

// Start begins serving on addr. It returns once the listener stops.
func (h *HTTP) Start(addr string) error {
	h.srv = &http.Server{Addr: addr, Handler: h.engine}
	err := h.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (h *HTTP) Shutdown(ctx context.Context) error {
	if h.srv == nil {
		return nil
	}
	return h.srv.Shutdown(ctx)
}

func (h *HTTP) submit(c *gin.Context) {
	cdc, body, ok := h.readBody(c)
	if !ok {
		return
	}
	var req api.SubmitRequest
	if err := cdc.Unmarshal(body, &req); err != nil {
		h.writeError(c, cdc, http.StatusBadRequest, api.ErrKindBadInput, "malformed submit body: "+err.Error())
		return
	}
	id, err := h.store.Submit(c.Request.Context(), req.Items)
	if err != nil {
		if errors.Is(err, task.ErrBatchTooLarge) {
			h.writeError(c, cdc, http.StatusBadRequest, api.ErrKindBadInput, err.Error())
			return
		}
		// Failing to allocate a batch is the one hard failure here.
		h.writeError(c, cdc, http.StatusInternalServerError, api.ErrKindInternal, err.Error())
		return
	}
	h.write(c, cdc, http.StatusOK, api.SubmitResponse{BatchID: id})
}

func (h *HTTP) fetch(c *gin.Context) {
	cdc, body, ok := h.readBody(c)
	if !ok {
		return
	}
	var req api.FetchRequest
	if err := cdc.Unmarshal(body, &req); err != nil {
		h.writeError(c, cdc, http.StatusBadRequest, api.ErrKindBadInput, "malformed fetch body: "+err.Error())
		return
	}
	wait := time.Duration(req.Timeout * float64(time.Second))
	results, err := h.store.FetchAndRemove(c.Request.Context(), req.BatchID, wait)
	switch {
	case errors.Is(err, task.ErrNotFound):
		h.writeError(c, cdc, http.StatusNotFound, api.ErrKindNotFound, err.Error())
	case errors.Is(err, task.ErrTimeout):
		h.writeError(c, cdc, http.StatusRequestTimeout, api.ErrKindTimeout, err.Error())
	case err != nil:
		h.writeError(c, cdc, http.StatusInternalServerError, api.ErrKindInternal, err.Error())
	default:
		h.write(c, cdc, http.StatusOK, api.FetchResponse{Results: results})
	}
}

func (h *HTTP) load(c *gin.Context) {
	cdc, _, ok := h.readBody(c)
	if !ok {
		return
	}
	h.write(c, cdc, http.StatusOK, api.LoadResponse{Load: h.pool.Load()})
}

func (h *HTTP) progress(c *gin.Context) {
	cdc, body, ok := h.readBody(c)
	if !ok {
		return
	}
	var req api.ProgressRequest
	if err := cdc.Unmarshal(body, &req); err != nil {
		h.writeError(c, cdc, http.StatusBadRequest, api.ErrKindBadInput, "malformed progress body: "+err.Error())
		return
	}
	completed, total := h.store.Progress(req.BatchID)
	h.write(c, cdc, http.StatusOK, api.ProgressResponse{Completed: completed, Total: total})
}

func (h *HTTP) stats(c *gin.Context) {
	m := h.store.Stats()
	c.JSON(http.StatusOK, gin.H{
		"batches":   m.Batches,
		"submitted": m.Submitted,
		"items":     m.Items,
		"completed": m.Completed,
		"fetched":   m.Fetched,
		"evicted":   m.Evicted,
		"timeouts":  m.Timeouts,
		"load":      h.pool.Load(),
		"workers":   h.pool.Size(),
	})
}

// readBody slurps the request body and picks the codec from Content-Type.
func (h *HTTP) readBody(c *gin.Context) (codec.Codec, []byte, bool) {
	cdc := h.reg.Get(c.ContentType())
	if cdc == nil {
		cdc = h.reg.Default()
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.writeError(c, cdc, http.StatusBadRequest, api.ErrKindBadInput, "read body: "+err.Error())
		return cdc, nil, false
	}
	return cdc, body, true
}

func (h *HTTP) write(c *gin.Context, cdc codec.Codec, status int, v any) {
	out, err := cdc.Marshal(v)
	if err != nil {
		zap.L().Error("encode response failed", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, cdc.ContentType(), out)
}

func (h *HTTP) writeError(c *gin.Context, cdc codec.Codec, status int, kind, msg string) {
	h.write(c, cdc, status, api.ErrorBody{Kind: kind, Message: msg})
}

// requestID tags every request so its log lines can be correlated.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		zap.L().Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")))
	}
}
