// Package server is the HTTP surface the carrier talks to: the signed control
// webhook, the token-authenticated media WebSocket, and a health probe.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"call-me/internal/carrier"
	"call-me/internal/infra/middleware"
	"call-me/internal/session"
)

const webhookMaxBodySize = 1 << 20 // 1 MiB

// Config holds the HTTP listener settings.
type Config struct {
	Addr            string
	PublicBaseURL   string
	AllowUnsigned   bool // dev-only escape hatch for signature and token checks
	RateLimitPerMin int
	RateBurst       int
}

// Server serves the carrier-facing endpoints and routes their traffic into
// the session engine.
type Server struct {
	cfg     Config
	engine  *session.Engine
	carrier carrier.Carrier
	logger  *slog.Logger

	httpSrv   *http.Server
	boundAddr string
}

func New(cfg Config, engine *session.Engine, car carrier.Carrier, logger *slog.Logger) *Server {
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 300
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 50
	}
	return &Server{cfg: cfg, engine: engine, carrier: car, logger: logger}
}

// Handler assembles the route table with the security middleware applied.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/twiml", s.handleWebhook)
	mux.HandleFunc("/media-stream", s.handleMediaStream)
	mux.HandleFunc("/health", s.handleHealth)

	limited := middleware.RateLimit(ctx, s.cfg.RateLimitPerMin, s.cfg.RateBurst)
	return middleware.SecurityHeaders(limited(mux))
}

// Start begins serving. Returns after the listener is bound; serving
// continues until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("server started", "addr", s.boundAddr)
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}
}

// BoundAddr returns the listen address, useful when Addr was ":0".
func (s *Server) BoundAddr() string { return s.boundAddr }

// handleWebhook processes carrier control callbacks: verify the signature
// over the raw body, normalize the event, route it to the engine, and answer
// with whatever document the carrier variant expects.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookMaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if !s.cfg.AllowUnsigned {
		if !s.carrier.VerifySignature(s.cfg.PublicBaseURL+r.URL.Path, body, r.Header) {
			s.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ev, err := s.carrier.ParseEvent(body)
	if err != nil {
		s.logger.Warn("webhook parse failed", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.engine.HandleCarrierEvent(r.Context(), ev)

	// Variant with a document response gets the streaming XML carrying this
	// session's media URL and token; the JSON variant just gets an ack.
	if sess, ok := s.engine.Registry().ByHandle(ev.Handle); ok {
		if xml := s.carrier.StreamingXML(s.engine.MediaStreamURL(sess)); xml != "" {
			w.Header().Set("Content-Type", "text/xml")
			io.WriteString(w, xml)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"status":"ok"}`)
}

// handleHealth reports liveness and the live call count.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"live_calls": s.engine.Registry().Count(),
	})
}
