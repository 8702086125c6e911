package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/yupi/settlement-hub/internal/application/settlement"
	"github.com/yupi/settlement-hub/internal/coordinator"
	"github.com/yupi/settlement-hub/internal/coordinator/rpc"
	"github.com/yupi/settlement-hub/internal/coordinator/transport"
	"github.com/yupi/settlement-hub/internal/domain/appsession"
	"github.com/yupi/settlement-hub/internal/infrastructure/sse"
	"github.com/yupi/settlement-hub/internal/observability"
)

// SessionService is the settlement surface exposed over HTTP.
type SessionService interface {
	CreateSession(ctx context.Context, in settlement.CreateSessionInput) (appsession.Session, error)
	CloseSession(ctx context.Context, key string, final []appsession.Allocation) (appsession.Session, error)
	GetSession(key string) (appsession.Session, error)
	ListSessions() []appsession.Session
	Reconcile(ctx context.Context, key string) (appsession.Session, error)
}

// StatusSource reports the coordinator connection.
type StatusSource interface {
	Status() coordinator.Status
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	sessions       SessionService
	status         StatusSource
	sseHub         *sse.Hub
	apiToken       string
	requestTimeout time.Duration
	logger         zerolog.Logger
}

// NewServer wires the handlers. An empty apiToken disables bearer auth.
func NewServer(sessions SessionService, status StatusSource, sseHub *sse.Hub, apiToken string, requestTimeout time.Duration, logger zerolog.Logger) *Server {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Server{
		sessions:       sessions,
		status:         status,
		sseHub:         sseHub,
		apiToken:       apiToken,
		requestTimeout: requestTimeout,
		logger:         logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.RequestMetricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Route("/sessions", func(r chi.Router) {
			// Session calls wait on the coordinator; allow one request
			// timeout plus slack for the journal write.
			r.Use(middleware.Timeout(s.requestTimeout + 5*time.Second))
			r.Post("/", s.createSession)
			r.Get("/", s.listSessions)
			r.Get("/{sessionId}", s.getSession)
			r.Post("/{sessionId}/close", s.closeSession)
			r.Post("/{sessionId}/reconcile", s.reconcileSession)
		})

		r.Get("/events", s.sseEndpoint)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	status := s.status.Status()
	code := http.StatusOK
	if status.Phase != transport.PhaseAuthenticated {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, status)
}

func (s *Server) sseEndpoint(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	client := sse.NewClient(clientID, splitCSV(r.URL.Query().Get("events")))
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, ok := <-client.MessageChan:
			if !ok {
				return
			}
			if err := writeEvent(w, msg); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, msg *sse.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("id: ")
	b.WriteString(msg.ID)
	b.WriteString("\nevent: ")
	b.WriteString(msg.Event)
	b.WriteString("\ndata: ")
	b.Write(payload)
	b.WriteString("\n\n")
	_, err = w.Write([]byte(b.String()))
	return err
}

// Helpers

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondSessionError maps domain and coordinator errors to status codes.
// When the operation left a session behind its snapshot is included.
func respondSessionError(w http.ResponseWriter, err error, snap appsession.Session) {
	status, code := classify(err)
	body := map[string]interface{}{
		"error":   code,
		"message": err.Error(),
	}
	if snap.Ref != uuid.Nil {
		body["session"] = snap
	}
	respondJSON(w, status, body)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, appsession.ErrInvalidSessionDefinition):
		return http.StatusBadRequest, "INVALID_DEFINITION"
	case errors.Is(err, appsession.ErrAllocationMismatch):
		return http.StatusUnprocessableEntity, "ALLOCATION_MISMATCH"
	case errors.Is(err, appsession.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, appsession.ErrSessionNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, rpc.ErrRequestTimeout):
		return http.StatusGatewayTimeout, "REQUEST_TIMEOUT"
	case errors.Is(err, rpc.ErrRemote):
		return http.StatusBadGateway, "REMOTE_ERROR"
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrConnectionClosed):
		return http.StatusServiceUnavailable, "NOT_CONNECTED"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "REQUEST_TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := []string{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
