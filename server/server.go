// Package server exposes an engine over HTTP.
//
// Routes:
//
//	POST   /agents/{id}/runs        run an agent; SSE unless Accept is application/json
//	GET    /agents                  registered agents
//	DELETE /runs/{id}               stop an active run
//	GET    /threads                 persisted threads
//	GET    /threads/{id}            thread with its runs and state
//	GET    /threads/{id}/messages   messages and tool calls of a thread
//	DELETE /threads/{id}            delete a thread
//	GET    /healthz                 liveness
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/hupe1980/aguimesh/core"
	"github.com/hupe1980/aguimesh/engine"
	"github.com/hupe1980/aguimesh/logging"
	"github.com/hupe1980/aguimesh/sse"
)

// maxBodyBytes bounds a run request body.
const maxBodyBytes = 4 << 20

// Options configures a Server.
type Options struct {
	Logger logging.Logger

	// LogContext, when it carries a clue logger, enables clue's request
	// logging middleware.
	LogContext context.Context
}

// Server is an http.Handler serving one engine.
type Server struct {
	engine  *engine.Engine
	logger  logging.Logger
	handler http.Handler
}

// New returns a Server for e.
func New(e *engine.Engine, optFns ...func(o *Options)) *Server {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	s := &Server{engine: e, logger: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /agents/{id}/runs", s.handleRun)
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("DELETE /runs/{id}", s.handleStop)
	mux.HandleFunc("GET /threads", s.handleThreads)
	mux.HandleFunc("GET /threads/{id}", s.handleThread)
	mux.HandleFunc("GET /threads/{id}/messages", s.handleMessages)
	mux.HandleFunc("DELETE /threads/{id}", s.handleDeleteThread)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	var h http.Handler = mux
	if opts.LogContext != nil {
		h = log.HTTP(opts.LogContext)(h)
	}
	s.handler = h
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down within
// shutdownTimeout. Active streams see their request context cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server", "addr", addr)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, ok := s.engine.Agent(agentID); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("agent %q not found", agentID))
		return
	}

	var input core.RunInput
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid run input: "+err.Error())
			return
		}
	}

	if wantsJSON(r) {
		out, err := s.engine.Collect(r.Context(), agentID, input)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, collectResponse{
			RunID:    out.Result.RunID,
			ThreadID: out.Result.ThreadID,
			Status:   string(out.Result.Status),
			HasError: out.HasError,
			Events:   out.Events,
		})
		return
	}

	h := w.Header()
	h.Set("Content-Type", sse.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	tw := &trackingWriter{ResponseWriter: w}
	res, err := s.engine.Stream(r.Context(), agentID, input, tw)
	if err != nil && !tw.wrote {
		h.Del("Cache-Control")
		h.Del("Connection")
		h.Del("X-Accel-Buffering")
		writeEngineError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("stream ended without terminal event", "agent_id", agentID, "run_id", res.RunID, "error", err)
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	ids := s.engine.Agents()
	out := make([]agentResponse, 0, len(ids))
	for _, id := range ids {
		if info, ok := s.engine.Agent(id); ok {
			out = append(out, agentResponse{ID: info.ID, Description: info.Description})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Stop(r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.engine.Store().ListThreads(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	out := make([]threadResponse, len(threads))
	for i, t := range threads {
		out[i] = newThreadResponse(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": out})
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	st := s.engine.Store()

	t, err := st.GetThread(ctx, id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	runs, err := st.ListRuns(ctx, id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	resp := threadDetailResponse{threadResponse: newThreadResponse(t), Runs: make([]runResponse, len(runs))}
	for i, run := range runs {
		resp.Runs[i] = newRunResponse(run)
	}
	if ss, ok := st.(core.StateStore); ok {
		state, err := ss.LoadState(ctx, id)
		if err != nil {
			s.storeError(w, err)
			return
		}
		resp.State = state
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	st := s.engine.Store()

	if _, err := st.GetThread(ctx, id); err != nil {
		s.storeError(w, err)
		return
	}
	msgs, err := st.ListMessages(ctx, id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	calls, err := st.ListToolCalls(ctx, id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	resp := messagesResponse{
		Messages:  make([]messageResponse, len(msgs)),
		ToolCalls: make([]toolCallResponse, len(calls)),
	}
	for i, m := range msgs {
		resp.Messages[i] = newMessageResponse(m)
	}
	for i, tc := range calls {
		resp.ToolCalls[i] = newToolCallResponse(tc)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Store().DeleteThread(r.Context(), r.PathValue("id")); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, core.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error("store request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "storage failure")
}

// writeEngineError maps errors returned before a stream started.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrAgentNotFound), errors.Is(err, engine.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrTooManyRuns):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func wantsJSON(r *http.Request) bool {
	accept, _, _ := strings.Cut(r.Header.Get("Accept"), ",")
	if strings.TrimSpace(accept) == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(accept)
	return err == nil && mt == "application/json"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// trackingWriter records whether the response was committed.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(p)
}

func (t *trackingWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
