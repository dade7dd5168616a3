package httpapi

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	commonerrors "entitlement-service/internal/common/errors"
	"entitlement-service/internal/common/logger"
	"entitlement-service/internal/gate"
	"entitlement-service/internal/ingest"
	"entitlement-service/internal/verify"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const webhookTokenHeader = "X-Webhook-Token"

// maxWebhookBody bounds provider payloads. Real events are a few KB.
const maxWebhookBody = 1 << 20

type Config struct {
	AllowedOrigins []string
}

// ReadyCheck reports whether one backing dependency is reachable.
type ReadyCheck struct {
	Name  string
	Check func() error
}

// Server wires the public HTTP surface: the provider webhook, the license
// verification endpoint, operational endpoints, and the gated application
// subtree.
type Server struct {
	config   *Config
	ingestor *ingest.Ingestor
	verifier *verify.Verifier
	gate     *gate.Gate
	app      http.Handler
	ready    []ReadyCheck
	logger   logger.Logger
}

func NewServer(config *Config, ingestor *ingest.Ingestor, verifier *verify.Verifier, g *gate.Gate, app http.Handler, ready []ReadyCheck, log logger.Logger) *Server {
	return &Server{
		config:   config,
		ingestor: ingestor,
		verifier: verifier,
		gate:     g,
		app:      app,
		ready:    ready,
		logger:   log.WithFields(map[string]interface{}{"component": "httpapi"}),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", webhookTokenHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhooks/billing", s.handleWebhook)
	r.Post("/api/v1/licenses/verify", s.handleVerify)

	if s.app != nil {
		r.Group(func(r chi.Router) {
			r.Use(s.gate.Middleware)
			r.Handle("/*", s.app)
		})
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.ready {
		if err := check.Check(); err != nil {
			s.logger.WithError(err).Warn("readiness check failed", map[string]interface{}{"dependency": check.Name})
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":     "not ready",
				"dependency": check.Name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable payload"})
		return
	}

	result, err := s.ingestor.Process(r.Context(), r.Header.Get(webhookTokenHeader), body)
	if err != nil {
		switch {
		case commonerrors.IsAuthentication(err):
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		case commonerrors.IsValidation(err):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			// The provider retries 5xx responses.
			s.logger.WithError(err).Error("event ingestion failed", nil)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ingestion failed"})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"result": string(result)})
}

type verifyRequest struct {
	Email  string `json:"email"`
	Domain string `json:"domain"`
	APIKey string `json:"api_key,omitempty"`
}

type verifyResponse struct {
	Valid      bool       `json:"valid"`
	Status     string     `json:"status,omitempty"`
	Email      string     `json:"email,omitempty"`
	Domain     string     `json:"domain,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	resp, err := s.verifier.Verify(r.Context(), &verify.Request{
		Email:           req.Email,
		Domain:          req.Domain,
		APIKey:          req.APIKey,
		CallerIP:        callerIP(r),
		CallerUserAgent: r.UserAgent(),
	})
	if err != nil {
		if commonerrors.IsValidation(err) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.logger.WithError(err).Error("license verification failed", nil)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "verification temporarily unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		Valid:      resp.Valid,
		Status:     resp.Status,
		Email:      resp.Email,
		Domain:     resp.Domain,
		ExpiresAt:  resp.ExpiresAt,
		VerifiedAt: resp.VerifiedAt,
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func callerIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
