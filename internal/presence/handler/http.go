package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/example/festivo/internal/presence/domain"
	"github.com/example/festivo/internal/presence/engine"
)

// Engine is the part of *engine.Engine the HTTP surface drives.
type Engine interface {
	Start(ctx context.Context, background bool) error
	Stop()
	Status() engine.Status
	ForceActive() error
	RequestFix(ctx context.Context) error
	SetSharingEnabled(enabled bool)
	Feed() []domain.ActivityEvent
	Presence() []domain.PresenceRecord
	IngestExternal(kind, subjectID string, payload map[string]any) domain.ActivityEvent
}

// HTTP exposes tracking control, the activity feed and presence.
type HTTP struct {
	engine   Engine
	logger   *zap.Logger
	validate *validator.Validate
	idem     *idempotencyCache
}

func NewHTTP(e Engine, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{
		engine:   e,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		idem:     newIdempotencyCache(0),
	}
}

// Router builds the chi router. Extra middlewares run after the defaults.
func (h *HTTP) Router(extra ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(extra...)
	r.Get("/v1/feed", h.feed)
	r.Get("/v1/presence", h.presence)
	r.Get("/v1/tracking", h.status)
	r.Post("/v1/tracking/start", h.start)
	r.Post("/v1/tracking/stop", h.stop)
	r.Post("/v1/tracking/boost", h.boost)
	r.Post("/v1/tracking/fix", h.fix)
	r.Put("/v1/sharing", h.sharing)
	r.Post("/v1/events", h.ingest)
	return r
}

type feedResponse struct {
	Items []domain.ActivityEvent `json:"items"`
}

func (h *HTTP) feed(w http.ResponseWriter, _ *http.Request) {
	items := h.engine.Feed()
	if items == nil {
		items = []domain.ActivityEvent{}
	}
	writeJSON(w, http.StatusOK, feedResponse{Items: items})
}

type presenceResponse struct {
	Subjects []domain.PresenceRecord `json:"subjects"`
}

func (h *HTTP) presence(w http.ResponseWriter, _ *http.Request) {
	subjects := h.engine.Presence()
	if subjects == nil {
		subjects = []domain.PresenceRecord{}
	}
	writeJSON(w, http.StatusOK, presenceResponse{Subjects: subjects})
}

func (h *HTTP) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

type startRequest struct {
	Background bool `json:"background"`
}

func (h *HTTP) start(w http.ResponseWriter, r *http.Request) {
	var payload startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := h.engine.Start(r.Context(), payload.Background); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *HTTP) stop(w http.ResponseWriter, _ *http.Request) {
	h.engine.Stop()
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *HTTP) boost(w http.ResponseWriter, _ *http.Request) {
	if err := h.engine.ForceActive(); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *HTTP) fix(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RequestFix(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

type sharingRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (h *HTTP) sharing(w http.ResponseWriter, r *http.Request) {
	var payload sharingRequest
	if !h.decode(w, r, &payload) {
		return
	}
	h.engine.SetSharingEnabled(*payload.Enabled)
	writeJSON(w, http.StatusOK, h.engine.Status())
}

type eventRequest struct {
	Kind      string         `json:"kind" validate:"required,max=64"`
	SubjectID string         `json:"subject_id" validate:"max=128"`
	Payload   map[string]any `json:"payload"`
}

// ingest records an external event. Retries carrying the same
// Idempotency-Key get the first response back without a second event.
func (h *HTTP) ingest(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		if cached, ok := h.idem.get(key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(cached)
			return
		}
	}
	var payload eventRequest
	if !h.decode(w, r, &payload) {
		return
	}
	event := h.engine.IngestExternal(payload.Kind, payload.SubjectID, payload.Payload)
	body, err := json.Marshal(event)
	if err != nil {
		h.fail(w, err)
		return
	}
	if key != "" {
		h.idem.put(key, body)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

func (h *HTTP) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *HTTP) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrSourceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrAlreadyStarted), errors.Is(err, domain.ErrNotRunning):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
