package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"momentum/api/internal/auth"
	"momentum/api/internal/telemetry"
)

type HTTPOptions struct {
	CORSOrigin     string
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
	RateLimitRPS   float64
	RateLimitBurst int
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	limiter    *userLimiter
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: opts.CORSOrigin,
		logger:     logger,
		metrics:    opts.Metrics,
		limiter:    newUserLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		s.writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if isMutation(r.Method) && !s.limiter.Allow(session.UserID) {
		if s.metrics != nil {
			s.metrics.RateLimited.Inc()
		}
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "missions":
		s.handleMissions(w, r, session, parts[2:])
	case "objectives":
		s.handleObjectives(w, r, session, parts[2:])
	case "actions":
		s.handleActions(w, r, session, parts[2:])
	case "initiatives":
		s.handleInitiatives(w, r, session, parts[2:])
	default:
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures, names := s.service.Readiness(ctx)
	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for _, name := range names {
		if err, failed := failures[name]; failed {
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	if len(failures) > 0 {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleMissions serves /api/missions[/{id}[/objectives|verify|repair]].
func (s *HTTPServer) handleMissions(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			quarter, year, err := periodQuery(r)
			if err != nil {
				s.writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
				return
			}
			payload, err := s.service.ListMissions(r.Context(), session, quarter, year)
			s.respond(w, http.StatusOK, payload, err)
		case http.MethodPost:
			var body CreateMissionInput
			if err := decodeBody(r, &body); err != nil {
				s.writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateMission(r.Context(), session, body)
			s.respond(w, http.StatusCreated, payload, err)
		default:
			s.methodNotAllowed(w)
		}
		return
	}

	missionID := rest[0]
	if len(rest) == 1 {
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w)
			return
		}
		payload, err := s.service.GetMissionTree(r.Context(), session, missionID)
		s.respond(w, http.StatusOK, payload, err)
		return
	}

	if len(rest) == 2 {
		switch {
		case rest[1] == "objectives" && r.Method == http.MethodPost:
			var body CreateObjectiveInput
			if err := decodeBody(r, &body); err != nil {
				s.writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateObjective(r.Context(), session, missionID, body)
			s.respond(w, http.StatusCreated, payload, err)
			return
		case rest[1] == "verify" && r.Method == http.MethodGet:
			payload, err := s.service.VerifyMission(r.Context(), session, missionID)
			s.respond(w, http.StatusOK, payload, err)
			return
		case rest[1] == "repair" && r.Method == http.MethodPost:
			payload, err := s.service.RepairMission(r.Context(), session, missionID)
			s.respond(w, http.StatusOK, payload, err)
			return
		case rest[1] == "objectives" || rest[1] == "verify" || rest[1] == "repair":
			s.methodNotAllowed(w)
			return
		}
	}

	s.writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleObjectives serves /api/objectives/{id}[/actions].
func (s *HTTPServer) handleObjectives(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) == 1 {
		if r.Method != http.MethodDelete {
			s.methodNotAllowed(w)
			return
		}
		payload, err := s.service.DeleteObjective(r.Context(), session, rest[0])
		s.respond(w, http.StatusOK, payload, err)
		return
	}

	if len(rest) == 2 && rest[1] == "actions" {
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w)
			return
		}
		var body CreateActionInput
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateAction(r.Context(), session, rest[0], body)
		s.respond(w, http.StatusCreated, payload, err)
		return
	}

	s.writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleActions serves /api/actions/{id}[/progress|initiatives].
func (s *HTTPServer) handleActions(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) == 1 {
		if r.Method != http.MethodDelete {
			s.methodNotAllowed(w)
			return
		}
		payload, err := s.service.DeleteAction(r.Context(), session, rest[0])
		s.respond(w, http.StatusOK, payload, err)
		return
	}

	if len(rest) == 2 && rest[1] == "progress" {
		if r.Method != http.MethodPatch && r.Method != http.MethodPut {
			s.methodNotAllowed(w)
			return
		}
		var body ProgressInput
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateActionProgress(r.Context(), session, rest[0], body)
		s.respond(w, http.StatusOK, payload, err)
		return
	}

	if len(rest) == 2 && rest[1] == "initiatives" {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListInitiatives(r.Context(), session, rest[0])
			s.respond(w, http.StatusOK, payload, err)
		case http.MethodPost:
			var body CreateInitiativeInput
			if err := decodeBody(r, &body); err != nil {
				s.writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateInitiative(r.Context(), session, rest[0], body)
			s.respond(w, http.StatusCreated, payload, err)
		default:
			s.methodNotAllowed(w)
		}
		return
	}

	s.writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleInitiatives(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) != 1 {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w)
		return
	}
	err := s.service.DeleteInitiative(r.Context(), session, rest[0])
	s.respond(w, http.StatusOK, map[string]any{"ok": true}, err)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		s.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			s.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(writer.status)).Inc()
		}
		s.logger.InfoContext(ctx, "request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id the middleware attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func (s *HTTPServer) respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		s.writeError(w, status, code, message, details)
		return
	}
	s.writeJSON(w, status, payload)
}

func (s *HTTPServer) methodNotAllowed(w http.ResponseWriter) {
	s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

// writeJSON encodes before writing the header so an unencodable payload
// still yields a well-formed 500.
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("encode response", "status", status, "error", err)
		status = http.StatusInternalServerError
		body = []byte(`{"code":"SERVER_ERROR","error":"Internal server error"}`)
	}
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		s.logger.Debug("write response", "status", status, "error", err)
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	s.writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// periodQuery reads ?quarter=&year=. Both or neither must be present.
func periodQuery(r *http.Request) (quarter, year int, err error) {
	q := r.URL.Query()
	rawQuarter, rawYear := q.Get("quarter"), q.Get("year")
	if rawQuarter == "" && rawYear == "" {
		return 0, 0, nil
	}
	if rawQuarter == "" || rawYear == "" {
		return 0, 0, fmt.Errorf("quarter and year must be given together")
	}
	quarter, err = strconv.Atoi(rawQuarter)
	if err != nil {
		return 0, 0, fmt.Errorf("quarter must be a number")
	}
	year, err = strconv.Atoi(rawYear)
	if err != nil {
		return 0, 0, fmt.Errorf("year must be a number")
	}
	return quarter, year, nil
}
