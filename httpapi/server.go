// Package httpapi serves the PII engine over HTTP/JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	piiguard "github.com/SamuelRCrider/pii-guard"
	"github.com/SamuelRCrider/pii-guard/core"
	"github.com/SamuelRCrider/pii-guard/utils"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 8 << 20

// Server exposes a Guard as HTTP handlers.
type Server struct {
	guard   *piiguard.Guard
	logger  *log.Logger
	limiter *RateLimiter
}

// Option configures a Server
type Option func(*Server)

// WithRateLimit caps each client at n requests per window. Health and
// version probes are not counted.
func WithRateLimit(n int, window time.Duration) Option {
	return func(s *Server) {
		if n > 0 && window > 0 {
			s.limiter = NewRateLimiter(n, window)
		}
	}
}

// New creates a Server. A nil logger discards output.
func New(guard *piiguard.Guard, logger *log.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = utils.NopLogger()
	}
	s := &Server{guard: guard, logger: logger.WithPrefix("http")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns a chi.Router with every endpoint mounted.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}

		r.Post("/scan", s.handleScan)
		r.Post("/scan/page", s.handleScanPage)
		r.Post("/scan/batch", s.handleScanBatch)
		r.Post("/scan/versions", s.handleScanVersions)
		r.Post("/classify", s.handleClassify)
		r.Post("/redact", s.handleRedact)
		r.Post("/tokenize", s.handleTokenize)
		r.Post("/detokenize", s.handleDetokenize)

		r.Route("/tokens", func(r chi.Router) {
			r.Post("/purge", s.handlePurgeTokens)
			r.Delete("/{token}", s.handleRevokeToken)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", s.handleGetSettings)
			r.Put("/", s.handleSaveSettings)
		})

		r.Route("/incidents", func(r chi.Router) {
			r.Get("/", s.handleListIncidents)
			r.Get("/stats", s.handleIncidentStats)
			r.Patch("/{id}", s.handleUpdateIncident)
			r.Delete("/{id}", s.handleDeleteIncident)
		})

		r.Get("/pages/{id}/status", s.handlePageStatus)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type textRequest struct {
	Text  string   `json:"text"`
	Types []string `json:"types,omitempty"`
	Mask  bool     `json:"mask,omitempty"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type classifyResponse struct {
	Level *core.ClassificationLevel `json:"level"`
	Label string                    `json:"label"`
}

type redactResponse struct {
	Text    string `json:"text"`
	Redacts int    `json:"redactions"`
}

type tokenizeResponse struct {
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.guard.Healthy(r.Context()); err != nil {
		s.logger.Warn("health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": piiguard.Version})
}

// handleScan detects PII in a text body. An explicit types list overrides
// the stored detection settings.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !s.decode(w, r, &req) {
		return
	}

	var findings []utils.AggregatedFinding
	if len(req.Types) > 0 {
		cfg := core.ConfigFromTypes(req.Types...)
		findings = s.guard.DetectWith(req.Text, &cfg)
	} else {
		findings = s.guard.Detect(r.Context(), req.Text)
	}
	writeJSON(w, http.StatusOK, findings)
}

func (s *Server) handleScanPage(w http.ResponseWriter, r *http.Request) {
	var doc piiguard.Document
	if !s.decode(w, r, &doc) {
		return
	}

	res, err := s.guard.ScanPage(r.Context(), doc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleScanBatch(w http.ResponseWriter, r *http.Request) {
	var docs []piiguard.Document
	if !s.decode(w, r, &docs) {
		return
	}

	res, err := s.guard.ScanBatch(r.Context(), docs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleScanVersions(w http.ResponseWriter, r *http.Request) {
	var versions []piiguard.PageVersion
	if !s.decode(w, r, &versions) {
		return
	}
	writeJSON(w, http.StatusOK, s.guard.ScanVersions(r.Context(), versions))
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !s.decode(w, r, &req) {
		return
	}

	level := s.guard.Classify(r.Context(), req.Text)
	writeJSON(w, http.StatusOK, classifyResponse{Level: level, Label: core.LabelFor(level)})
}

func (s *Server) handleRedact(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !s.decode(w, r, &req) {
		return
	}

	out, matches := s.guard.Redact(r.Context(), req.Text, req.Mask)
	writeJSON(w, http.StatusOK, redactResponse{Text: out, Redacts: len(matches)})
}

func (s *Server) handleTokenize(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !s.decode(w, r, &req) {
		return
	}

	out, matches, err := s.guard.Tokenize(r.Context(), req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenizeResponse{Text: out, Tokens: len(matches)})
}

func (s *Server) handleDetokenize(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !s.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": s.guard.Detokenize(r.Context(), req.Text)})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	err := s.guard.Tokens().Revoke(r.Context(), chi.URLParam(r, "token"))
	if errors.Is(err, core.ErrTokenNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "token not found"})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePurgeTokens(w http.ResponseWriter, r *http.Request) {
	n, err := s.guard.Tokens().PurgeExpired(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.guard.Settings().Get(r.Context()))
}

// handleSaveSettings applies a partial settings document and returns the
// merged result.
func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var patch core.StoredSettings
	if !s.decode(w, r, &patch) {
		return
	}

	saved, err := s.guard.Settings().Save(r.Context(), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid limit %q", raw)})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.guard.Incidents().List(r.Context(), limit))
}

func (s *Server) handleIncidentStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.guard.Incidents().Counts(r.Context()))
}

func (s *Server) handleUpdateIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}

	status, ok := core.ParseStatus(req.Status)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown status %q", req.Status)})
		return
	}

	incidents := s.guard.Incidents()
	if err := incidents.Transition(r.Context(), id, status); err != nil {
		switch {
		case errors.Is(err, core.ErrUnknownIncident):
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "incident not found"})
		case errors.Is(err, core.ErrInvalidTransition):
			writeJSON(w, http.StatusConflict, errorResponse{Error: fmt.Sprintf("cannot move incident to %s", status)})
		default:
			s.writeError(w, err)
		}
		return
	}

	inc, _ := incidents.Get(r.Context(), id)
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleDeleteIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.guard.Incidents().Remove(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePageStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.guard.Incidents().PageStatus(r.Context(), chi.URLParam(r, "id")))
}

// decode reads a JSON body into v, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

// writeError maps an engine error category onto a status code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch core.CategoryOf(err) {
	case core.ErrorCategoryInput, core.ErrorCategoryValidation:
		code = http.StatusBadRequest
	case core.ErrorCategoryPersistence:
		code = http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		code = http.StatusServiceUnavailable
	}
	if code >= 500 {
		s.logger.Error("request failed", "err", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
