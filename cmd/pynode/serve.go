package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caffeineduck/pynode/protocol"
	"github.com/caffeineduck/pynode/session"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for interactive sessions",
	Long: `Start an HTTP server that hosts sandbox sessions.

Each session owns one worker. Output and input requests are streamed to
clients as server-sent events.

Endpoints:
  POST   /api/sessions              Create session
  GET    /api/sessions/{id}         Session snapshot
  GET    /api/sessions/{id}/events  Event stream (text/event-stream)
  POST   /api/sessions/{id}/run     Run code {"sourceText":"...","stdin":"..."}
  POST   /api/sessions/{id}/input   Answer input {"inputId":"...","value":"..."}
  POST   /api/sessions/{id}/stop    Stop the run and replace the worker
  POST   /api/sessions/{id}/restart Retry after an engine load failure
  POST   /api/sessions/{id}/clear   Clear the output transcript
  DELETE /api/sessions/{id}         Close session
  GET    /engine/*                  Engine assets (with --engine-dir)
  GET    /health                    Health check`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from config, :8080)")
	serveCmd.Flags().String("engine-dir", "", "Serve engine assets from this directory under /engine/")
	serveCmd.Flags().Duration("session-ttl", 0, "Close sessions idle for this long (default from config, 30m)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, logger, closer := setup(cmd, os.Stderr)
	if closer != nil {
		defer closer.Close()
	}
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v, _ := cmd.Flags().GetString("engine-dir"); v != "" {
		cfg.Server.EngineDir = v
	}
	if v, _ := cmd.Flags().GetDuration("session-ttl"); v > 0 {
		cfg.Server.SessionTTL = v
	}

	factory, release, err := newFactory(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer release()

	sessions := newSessionManager(factory, session.Options{
		EngineBaseURL: cfg.Engine.BaseURL,
		InitTimeout:   cfg.Engine.InitTimeout,
		MaxOutput:     cfg.Server.MaxOutput,
	}, cfg.Server.SessionTTL, cfg.Server.MaxSessions, logger)
	defer sessions.closeAll()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newServer(sessions, cfg.Server.EngineDir, logger).routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// Closing the sessions ends their event streams.
	srv.RegisterOnShutdown(sessions.closeAll)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr, "engine", cfg.Engine.BaseURL, "worker", cfg.Worker.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

type server struct {
	sessions  *sessionManager
	engineDir string
	logger    *slog.Logger
}

func newServer(sessions *sessionManager, engineDir string, logger *slog.Logger) *server {
	return &server{sessions: sessions, engineDir: engineDir, logger: logger}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if s.engineDir != "" {
		fileServer := http.FileServer(http.Dir(s.engineDir))
		r.Handle("/engine/*", http.StripPrefix("/engine/", fileServer))
	}

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleSnapshot)
			r.Delete("/", s.handleClose)
			r.Get("/events", s.handleEvents)
			r.Post("/run", s.handleRun)
			r.Post("/input", s.handleInput)
			r.Post("/stop", s.handleStop)
			r.Post("/restart", s.handleRestart)
			r.Post("/clear", s.handleClear)
		})
	})
	return r
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type createSessionResponse struct {
	SessionID string           `json:"sessionId"`
	Snapshot  session.Snapshot `json:"snapshot"`
}

type runRequest struct {
	SourceText string `json:"sourceText"`
	Stdin      string `json:"stdin,omitempty"`
}

type runResponse struct {
	RunID string `json:"runId"`
}

type inputRequest struct {
	InputID   string `json:"inputId"`
	Value     string `json:"value"`
	Interrupt bool   `json:"interrupt,omitempty"`
	Canceled  bool   `json:"canceled,omitempty"`
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, ctrl, err := s.sessions.create()
	if errors.Is(err, errTooManySessions) {
		writeError(w, http.StatusServiceUnavailable, "too_many_sessions", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: id, Snapshot: ctrl.Snapshot()})
}

// controller resolves the {id} parameter, writing a 404 when it is unknown.
func (s *server) controller(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	ctrl, ok := s.sessions.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
	}
	return ctrl, ok
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (s *server) handleClose(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.close(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	runID, err := ctrl.SubmitRun(req.SourceText, req.Stdin)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{RunID: runID})
}

func (s *server) handleInput(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}

	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.InputID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "inputId required")
		return
	}

	var reply protocol.InputReply
	switch {
	case req.Interrupt && req.Canceled:
		writeError(w, http.StatusBadRequest, "invalid_request", "interrupt and canceled are exclusive")
		return
	case req.Interrupt:
		reply = protocol.Interrupt()
	case req.Canceled:
		reply = protocol.Cancel()
	default:
		reply = protocol.Value(req.Value)
	}

	if err := ctrl.SubmitInputValue(req.InputID, reply); err != nil {
		writeControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}
	if err := ctrl.Stop(); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (s *server) handleRestart(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}
	if err := ctrl.Start(); err != nil && errors.Is(err, session.ErrClosed) {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (s *server) handleClear(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}
	ctrl.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams controller events as server-sent events. The stream
// opens with a "snapshot" event; a client that falls behind loses events
// and should fetch a fresh snapshot.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	rc.SetWriteDeadline(time.Time{})

	events := make(chan session.Event, 64)
	unsubscribe := ctrl.Subscribe(func(ev session.Event) {
		select {
		case events <- ev:
		default:
			s.logger.Warn("event stream behind, dropping event", "kind", ev.Kind, "run_id", ev.RunID)
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", ctrl.Snapshot()); err != nil {
		return
	}
	rc.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			if err := writeEvent(w, string(ev.Kind), ev); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			if ev.Phase == session.PhaseClosed {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, name string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b)
	return err
}

func writeControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, session.ErrNotReady):
		writeError(w, http.StatusConflict, "not_ready", err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusGone, "closed", err.Error())
	case errors.Is(err, session.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: message})
}

// responseWriter records the status and size of a response.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach Flush on the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info("request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", wrapped.written),
				slog.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}
