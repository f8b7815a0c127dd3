// Package api implements Mandarin's HTTP API: chat, library, memory and
// settings routes under /api, with assistant replies streamed as SSE or
// over a WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/mandarin/internal/buildinfo"
	"github.com/nugget/mandarin/internal/chat"
	"github.com/nugget/mandarin/internal/library"
	"github.com/nugget/mandarin/internal/llm"
	"github.com/nugget/mandarin/internal/memory"
	"github.com/nugget/mandarin/internal/settings"
	"github.com/nugget/mandarin/internal/store"
	"github.com/nugget/mandarin/internal/usage"
)

// maxBodyBytes bounds JSON request bodies. Ten attachments of 10 MB,
// base64 encoded, fit.
const maxBodyBytes = 160 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Deps are the services the API exposes. Memory and Usage may be nil
// when those features are disabled.
type Deps struct {
	Chat     *chat.Service
	Store    *store.Store
	Library  *library.Library
	Memory   *memory.Store
	Settings *settings.Store
	Router   *llm.Router
	Usage    *usage.Store

	// DefaultModel is the configured fallback when settings.json names
	// no default model.
	DefaultModel string
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  logger.With("component", "api"),
	}
}

// Handler returns the routed handler, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/settings", s.handleSettingsGet)
	mux.HandleFunc("PUT /api/settings", s.handleSettingsPut)

	mux.HandleFunc("GET /api/contexts", s.handleContextList)
	mux.HandleFunc("GET /api/contexts/{id}", s.handleContextGet)
	mux.HandleFunc("PUT /api/contexts/{id}", s.handleContextPut)
	mux.HandleFunc("DELETE /api/contexts/{id}", s.handleContextDelete)

	mux.HandleFunc("GET /api/rules", s.handleRuleList)
	mux.HandleFunc("GET /api/rules/{id}", s.handleRuleGet)
	mux.HandleFunc("PUT /api/rules/{id}", s.handleRulePut)
	mux.HandleFunc("DELETE /api/rules/{id}", s.handleRuleDelete)

	mux.HandleFunc("GET /api/commands", s.handleCommandList)
	mux.HandleFunc("GET /api/commands/{id}", s.handleCommandGet)
	mux.HandleFunc("PUT /api/commands/{id}", s.handleCommandPut)
	mux.HandleFunc("DELETE /api/commands/{id}", s.handleCommandDelete)

	mux.HandleFunc("GET /api/memory", s.handleMemoryList)
	mux.HandleFunc("POST /api/memory", s.handleMemoryCreate)
	mux.HandleFunc("PATCH /api/memory/{id}", s.handleMemoryUpdate)
	mux.HandleFunc("DELETE /api/memory/{id}", s.handleMemoryDelete)

	mux.HandleFunc("GET /api/usage", s.handleUsage)

	mux.HandleFunc("GET /api/chats", s.handleChatList)
	mux.HandleFunc("POST /api/chats", s.handleChatCreate)
	mux.HandleFunc("GET /api/chats/{id}", s.handleChatGet)
	mux.HandleFunc("PATCH /api/chats/{id}", s.handleChatUpdate)
	mux.HandleFunc("DELETE /api/chats/{id}", s.handleChatDelete)

	mux.HandleFunc("POST /api/chats/{id}/messages", s.handleMessageSend)
	mux.HandleFunc("POST /api/chats/{id}/messages/regenerate", s.handleMessageRegenerate)
	mux.HandleFunc("PATCH /api/chats/{id}/messages/{mid}", s.handleMessageEdit)
	mux.HandleFunc("GET /api/chats/{id}/ws", s.handleChatSocket)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.BuildInfo(), s.logger)
}

// respond writes v as a JSON response with the given status.
func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, v, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.respond(w, code, map[string]string{"error": message})
}

// fail maps err to a status code and writes it. Errors with no mapping
// are logged and reported as 500.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var ie *chat.InputError
	var ce *llm.ConfigurationError
	switch {
	case errors.As(err, &ie):
		s.errorResponse(w, http.StatusBadRequest, ie.Msg)
	case errors.As(err, &ce):
		s.errorResponse(w, http.StatusBadRequest, ce.Error())
	case errors.Is(err, library.ErrInvalidID):
		s.errorResponse(w, http.StatusBadRequest, "invalid id")
	case errors.Is(err, store.ErrNotFound), errors.Is(err, library.ErrNotFound), errors.Is(err, memory.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "not found")
	default:
		s.logger.Error("request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return &chat.InputError{Msg: "invalid request body"}
	}
	return nil
}
