// Package api serves the HTTP surface around the realtime gateway: the
// WebSocket upgrade route, health, metrics and a non-realtime send.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ticketrelay/internal/dispatcher"
	"ticketrelay/internal/message"
	"ticketrelay/internal/ratelimit"
	"ticketrelay/pkg/types"
)

// maxBodyBytes caps POST bodies; a full message is far smaller.
const maxBodyBytes = 64 * 1024

// HealthChecker is the store's liveness check.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsSource reports component counters for /health.
type StatsSource interface {
	GetStats() map[string]int
}

// Authenticator resolves the identity behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) types.Identity
}

// MessagePoster is the slice of the dispatcher the API needs.
type MessagePoster interface {
	PostMessage(ctx context.Context, identity types.Identity, rateKey string, req message.CreateRequest) (*types.Message, error)
	RoomSize(ctx context.Context, identity types.Identity, ticketID int64) (int, error)
}

// Deps wires the server to the rest of the process.
type Deps struct {
	Store       HealthChecker
	Registry    StatsSource
	Sessions    StatsSource
	Auth        Authenticator
	Messages    MessagePoster
	Limiter     *ratelimit.Limiter
	Gateway     http.Handler
	CORSOrigins []string
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Sessions    map[string]int `json:"sessions"`
	RateLimit   map[string]int `json:"rate_limit"`
}

// PostMessageRequest is the body of POST /api/tickets/{ticketID}/messages.
type PostMessageRequest struct {
	Body          string `json:"body"`
	IsInternal    bool   `json:"isInternal,omitempty"`
	ReplyToID     *int64 `json:"replyToId,omitempty"`
	ReplySnapshot string `json:"replySnapshot,omitempty"`
}

// Server routes HTTP requests.
type Server struct {
	deps   Deps
	router chi.Router
	logger zerolog.Logger
	now    func() time.Time
}

// NewServer builds the router.
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		deps:   deps,
		router: chi.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(s.logger))
	r.Use(chimw.Recoverer)

	origins := s.deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if s.deps.Gateway != nil {
		r.Handle("/ws", s.deps.Gateway)
	}
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", s.healthCheck)

	r.Route("/api/tickets/{ticketID}", func(r chi.Router) {
		r.Use(Identify(s.deps.Auth))
		r.Get("/room", s.roomSize)
		r.Post("/messages", s.postMessage)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: s.now(),
		Database:  "healthy",
	}
	if err := s.deps.Store.HealthCheck(ctx); err != nil {
		s.logger.Error().Err(err).Msg("health check failed")
		resp.Status = "unhealthy"
		resp.Database = "unhealthy"
	}
	if s.deps.Registry != nil {
		resp.Connections = s.deps.Registry.GetStats()
	}
	if s.deps.Sessions != nil {
		resp.Sessions = s.deps.Sessions.GetStats()
	}
	if s.deps.Limiter != nil {
		resp.RateLimit = map[string]int{
			"limit":        s.deps.Limiter.Limit(),
			"tracked_keys": s.deps.Limiter.Size(),
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// POST /api/tickets/{ticketID}/messages
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	ticketID, err := ticketIDParam(r)
	if err != nil {
		s.sendError(w, r, types.EventMessage, err)
		return
	}

	var body PostMessageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		s.sendError(w, r, types.EventMessage, fmt.Errorf("%w: %v", types.ErrMalformedPayload, err))
		return
	}

	identity := IdentityFrom(r.Context())
	key := identity.RateLimitKey(remoteIP(r))
	msg, err := s.deps.Messages.PostMessage(r.Context(), identity, key, message.CreateRequest{
		TicketID:      ticketID,
		Body:          body.Body,
		IsInternal:    body.IsInternal,
		ReplyToID:     body.ReplyToID,
		ReplySnapshot: body.ReplySnapshot,
	})
	if s.deps.Limiter != nil {
		setRateLimitHeaders(w, s.deps.Limiter, key)
	}
	var rl *types.RateLimitError
	if errors.As(err, &rl) {
		s.logger.Warn().
			Str("type", "security").
			Str("key", key).
			Dur("reset_in", rl.ResetIn).
			Msg("rate limit exceeded")
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds()))
	}
	if err != nil {
		s.sendError(w, r, types.EventMessage, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// GET /api/tickets/{ticketID}/room
func (s *Server) roomSize(w http.ResponseWriter, r *http.Request) {
	ticketID, err := ticketIDParam(r)
	if err != nil {
		s.sendError(w, r, "", err)
		return
	}
	size, err := s.deps.Messages.RoomSize(r.Context(), IdentityFrom(r.Context()), ticketID)
	if err != nil {
		s.sendError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, types.JoinedData{TicketID: ticketID, RoomSize: size})
}

func ticketIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "ticketID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &types.ValidationError{Kinds: []types.ErrorKind{types.ErrKindTicketIDInvalid}}
	}
	return id, nil
}

// sendError renders err the same way the gateway does, with an HTTP status.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, event string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().
			Err(err).
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeJSON(w, status, dispatcher.ErrorPayload(event, err, s.now()))
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
