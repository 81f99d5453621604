// Package server provides the HTTP surface of the gateway.
//
// # Inbound Endpoint
//
// POST {server.inboundPath} - Receives ebMS3/AS4 deliveries (SOAP or
// multipart/related) and answers with the receipt, error signal or empty
// 204 produced by the message service handler. Any other method gets 405
// with "Allow: POST". Authentication is message-level security.
//
// # Admin API (requires JWT authentication)
//
//   - GET  /api/messages?direction=&status=              - List records in a state
//   - GET  /api/messages/{direction}/{messageID}         - Get one record
//   - GET  /api/messages/{direction}/{messageID}/raw     - Raw envelope bytes
//   - GET  /api/payloads/{payloadID}                     - Extracted payload content
//   - GET  /api/agreements                               - Loaded partner agreements
//   - GET  /api/keys                                     - Keystore entries
//   - POST /api/outbound                                 - Submit a user message
//   - GET  /api/events                                   - Server-sent event stream
//
// # Health
//
//   - GET /health - Liveness probe
//   - GET /ready  - Readiness probe (store connectivity)
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pvanvliet16/jentrata-VIB/internal/auth"
	"github.com/pvanvliet16/jentrata-VIB/internal/config"
	"github.com/pvanvliet16/jentrata-VIB/internal/keystore"
	"github.com/pvanvliet16/jentrata-VIB/internal/storage"
	"github.com/pvanvliet16/jentrata-VIB/pkg/cpa"
	"github.com/pvanvliet16/jentrata-VIB/pkg/msh"
)

// MessageHandler is the message service handler as seen by the server.
// *msh.MSH satisfies it.
type MessageHandler interface {
	Process(ctx context.Context, body []byte, contentType string) *msh.Response
	Submit(ctx context.Context, sub *msh.Submission) (*storage.Message, error)
}

// AgreementLister lists loaded partner agreements. *cpa.Repository
// satisfies it.
type AgreementLister interface {
	All() []*cpa.PartnerAgreement
}

// KeyLister lists keystore entries. *keystore.FileProvider satisfies it.
type KeyLister interface {
	ListKeys() ([]keystore.KeyInfo, error)
}

// Options wires the server's collaborators.
type Options struct {
	Config     *config.Config
	Store      storage.Store
	Handler    MessageHandler
	Agreements AgreementLister
	// Keys is optional; without it /api/keys answers with an empty list.
	Keys KeyLister
	// Events is optional; without it /api/events is not served.
	Events *EventHub
	Logger *slog.Logger
}

// Server is the gateway HTTP server
type Server struct {
	config        *config.Config
	logger        *slog.Logger
	httpSrv       *http.Server
	store         storage.Store
	handler       MessageHandler
	agreements    AgreementLister
	keys          KeyLister
	events        *EventHub
	authenticator *auth.Authenticator
}

// New creates a new server
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Store == nil || opts.Handler == nil {
		return nil, errors.New("store and message handler are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config

	s := &Server{
		config:        cfg,
		logger:        logger.With(slog.String("component", "server")),
		store:         opts.Store,
		handler:       opts.Handler,
		agreements:    opts.Agreements,
		keys:          opts.Keys,
		events:        opts.Events,
		authenticator: auth.NewAuthenticator(cfg.Server.Admin, logger),
	}

	if s.authenticator.IsEnabled() {
		s.logger.Info("admin API enabled", "issuer", cfg.Server.Admin.Issuer)
	} else {
		s.logger.Info("admin API disabled")
	}

	// Set up HTTP routes
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpSrv = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      s.withRecover(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start listens on the configured address and blocks until the server
// stops. A graceful Shutdown makes it return nil.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		"addr", s.httpSrv.Addr,
		"inbound_path", s.config.Server.InboundPath,
		"tls", s.config.Server.TLS.Enabled)

	var err error
	if s.config.Server.TLS.Enabled {
		err = s.httpSrv.ListenAndServeTLS(
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
		)
	} else {
		err = s.httpSrv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	// ebMS intake (message-level security only)
	mux.HandleFunc(s.config.Server.InboundPath, s.handleInbound)

	if !s.authenticator.IsEnabled() {
		return
	}

	read := func(h http.HandlerFunc) http.Handler { return s.authenticator.Require(auth.ScopeRead, h) }
	write := func(h http.HandlerFunc) http.Handler { return s.authenticator.Require(auth.ScopeWrite, h) }

	mux.Handle("GET /api/messages", read(s.handleListMessages))
	mux.Handle("GET /api/messages/{direction}/{messageID}", read(s.handleGetMessage))
	mux.Handle("GET /api/messages/{direction}/{messageID}/raw", read(s.handleGetRaw))
	mux.Handle("GET /api/payloads/{payloadID}", read(s.handleGetPayload))
	mux.Handle("GET /api/agreements", read(s.handleListAgreements))
	mux.Handle("GET /api/keys", read(s.handleListKeys))
	mux.Handle("POST /api/outbound", write(s.handleSubmit))
	if s.events != nil {
		mux.Handle("GET /api/events", read(s.handleEvents))
	}
}

// Middleware

// withRecover answers 500 instead of dropping the connection when a
// handler panics.
func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic serving request",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", fmt.Sprint(rec))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		s.jsonError(w, "database not ready", http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
}

// Inbound handler

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		inboundStatus(w, http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			inboundStatus(w, http.StatusRequestEntityTooLarge)
			return
		}
		s.logger.Warn("reading inbound body failed", "error", err)
		inboundStatus(w, http.StatusBadRequest)
		return
	}

	s.logger.Debug("received ebMS delivery",
		"content_type", contentType,
		"content_length", len(body),
		"remote_addr", r.RemoteAddr)

	resp := s.handler.Process(r.Context(), body, contentType)
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		if _, err := w.Write(resp.Body); err != nil {
			s.logger.Warn("writing inbound response failed", "error", err)
		}
	}
}

// inboundStatus answers an ebMS partner with a bare status. Partners only
// ever see SOAP content on the inbound path.
func inboundStatus(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", msh.ContentTypeSOAP)
	w.WriteHeader(code)
}

// Message handlers

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	direction := storage.DirectionInbound
	if d := r.URL.Query().Get("direction"); d != "" {
		direction = storage.Direction(d)
	}
	if !direction.Valid() {
		s.jsonError(w, "direction must be 'inbound' or 'outbound'", http.StatusBadRequest)
		return
	}
	status := storage.Status(r.URL.Query().Get("status"))
	if status == "" {
		s.jsonError(w, "status is required", http.StatusBadRequest)
		return
	}

	msgs, err := s.store.FindByStatus(r.Context(), direction, status)
	if err != nil {
		s.logger.Error("failed to list messages", "error", err)
		s.jsonError(w, "failed to list messages", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []*storage.Message{}
	}
	s.jsonResponse(w, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	}, http.StatusOK)
}

func (s *Server) findMessage(w http.ResponseWriter, r *http.Request) (*storage.Message, bool) {
	direction := storage.Direction(r.PathValue("direction"))
	if !direction.Valid() {
		s.jsonError(w, "direction must be 'inbound' or 'outbound'", http.StatusBadRequest)
		return nil, false
	}
	msg, err := s.store.FindByMessageID(r.Context(), r.PathValue("messageID"), direction)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.jsonError(w, "message not found", http.StatusNotFound)
			return nil, false
		}
		s.logger.Error("failed to get message", "error", err)
		s.jsonError(w, "failed to get message", http.StatusInternalServerError)
		return nil, false
	}
	return msg, true
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.findMessage(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, msg, http.StatusOK)
}

func (s *Server) handleGetRaw(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.findMessage(w, r)
	if !ok {
		return
	}
	if msg.RawRef == "" {
		s.jsonError(w, "no raw envelope stored", http.StatusNotFound)
		return
	}
	data, contentType, err := s.store.FindRaw(r.Context(), msg.RawRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.jsonError(w, "raw envelope not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to get raw envelope", "error", err)
		s.jsonError(w, "failed to get raw envelope", http.StatusInternalServerError)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleGetPayload(w http.ResponseWriter, r *http.Request) {
	payload, err := s.store.FindPayload(r.Context(), r.PathValue("payloadID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.jsonError(w, "payload not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to get payload", "error", err)
		s.jsonError(w, "failed to get payload", http.StatusInternalServerError)
		return
	}

	contentType := payload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Message-Id", payload.MessageID)
	if payload.Checksum != "" {
		w.Header().Set("Digest", "sha-256="+payload.Checksum)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(payload.Content)
}

// Agreement and key handlers

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	agreements := []*cpa.PartnerAgreement{}
	if s.agreements != nil {
		agreements = append(agreements, s.agreements.All()...)
	}
	s.jsonResponse(w, map[string]any{
		"agreements": agreements,
		"count":      len(agreements),
	}, http.StatusOK)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys := []keystore.KeyInfo{}
	if s.keys != nil {
		listed, err := s.keys.ListKeys()
		if err != nil {
			s.logger.Error("failed to list keys", "error", err)
			s.jsonError(w, "failed to list keys", http.StatusInternalServerError)
			return
		}
		keys = append(keys, listed...)
	}
	s.jsonResponse(w, map[string]any{"keys": keys}, http.StatusOK)
}

// Outbound handler

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub msh.Submission
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sub); err != nil {
		s.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(sub.Payloads) == 0 {
		s.jsonError(w, "at least one payload is required", http.StatusBadRequest)
		return
	}

	rec, err := s.handler.Submit(r.Context(), &sub)
	if err != nil {
		se := msh.AsStageError(err)
		status := http.StatusInternalServerError
		switch se.Kind {
		case msh.KindValidation:
			status = http.StatusBadRequest
		case msh.KindAgreement:
			status = http.StatusUnprocessableEntity
		}
		s.logger.Warn("outbound submission rejected",
			"kind", se.Kind.String(),
			"code", se.Code.Code,
			"error", se.Err)
		s.jsonResponse(w, map[string]string{
			"error": errorText(se),
			"code":  se.Code.Code,
		}, status)
		return
	}

	s.jsonResponse(w, rec, http.StatusAccepted)
}

func errorText(se *msh.StageError) string {
	if se.Err != nil {
		return se.Err.Error()
	}
	return se.Code.ShortDescription
}

// Event stream

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.jsonError(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	events, cancel := s.events.Subscribe()
	defer cancel()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Send initial ping
	fmt.Fprintf(w, "event: ping\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-events:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}

// Helpers

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, map[string]string{"error": message}, status)
}
