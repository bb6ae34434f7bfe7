package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/bandexam/internal/content"
	"github.com/pavelanni/bandexam/internal/navigator"
	"github.com/pavelanni/bandexam/internal/recording"
	"github.com/pavelanni/bandexam/internal/session"
	"github.com/pavelanni/bandexam/internal/store"
)

// maxMediaChunk bounds one media chunk upload.
const maxMediaChunk = 8 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	sessions *session.Manager
	store    *store.Store
}

// New creates a new Handler.
func New(m *session.Manager, s *store.Store) *Handler {
	return &Handler{sessions: m, store: s}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/sessions", h.handleStart)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.handleView)
		r.Get("/identity", h.handleIdentity)
		r.Get("/summary", h.handleSummary)
		r.Post("/instructions/dismiss", h.handleDismiss)
		r.Put("/answers/{questionID}", h.handleAnswer)
		r.Post("/flags/{questionID}", h.handleFlag)
		r.Post("/nav/next", h.handleNext)
		r.Post("/nav/prev", h.handlePrevious)
		r.Post("/nav/jump", h.handleJump)
		r.Post("/recording/start", h.handleRecordStart)
		r.Post("/recording/stop", h.handleRecordStop)
		r.Post("/recording/discard", h.handleRecordDiscard)
		r.Post("/recording/chunks", h.handleMediaChunk)
		r.Post("/device/retry", h.handleDeviceRetry)
		r.Post("/device/status", h.handleDeviceStatus)
		r.Post("/submit", h.handleSubmit)
		r.Post("/abandon", h.handleAbandon)
	})
	r.Get("/results/{examID}", h.handleExamResults)
	r.Get("/results/{examID}/{module}", h.handleModuleResult)
	r.Get("/review", h.handleReviewList)
	r.Put("/results/{examID}/{module}/examiner-band", h.handleExaminerBand)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Error("encode response", "error", err)
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		slog.Error("request failed", "error", err)
	}
	respondJSON(w, status, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	var (
		ve validator.ValidationErrors
		br badRequest
	)
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, content.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrNotLastQuestion),
		errors.Is(err, navigator.ErrNavigationLocked),
		errors.Is(err, recording.ErrAlreadyRecording),
		errors.Is(err, recording.ErrNotRecording),
		errors.Is(err, recording.ErrNoStream),
		errors.Is(err, recording.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, recording.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, navigator.ErrOutOfRange),
		errors.Is(err, session.ErrNotSpeaking),
		errors.As(err, &ve),
		errors.As(err, &br):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// badRequest is an error caused by the request itself.
type badRequest string

func (e badRequest) Error() string { return string(e) }

// decodeJSON reads an optional JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("invalid JSON body: " + strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}
