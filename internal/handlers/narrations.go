package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/museum-alive/internal/auth"
	"github.com/snappy-loop/museum-alive/internal/models"
	"github.com/snappy-loop/museum-alive/internal/processor"
	"github.com/snappy-loop/museum-alive/internal/quota"
	"github.com/snappy-loop/museum-alive/internal/services"
)

// narrationService is the subset of services.NarrationService used by Handler.
type narrationService interface {
	BuildInput(req *models.CreateNarrationRequest) (models.ArtifactInput, error)
	ImageInput(data []byte, mimeType string) (models.ArtifactInput, error)
	Narrate(ctx context.Context, in models.ArtifactInput, apiKeyID *uuid.UUID, obs processor.Observer) (*models.NarrationResult, error)
	Enqueue(ctx context.Context, in models.ArtifactInput, apiKeyID *uuid.UUID) (uuid.UUID, error)
	Get(id uuid.UUID) (*models.NarrationResult, error)
	GetRun(ctx context.Context, id uuid.UUID) (*models.NarrationRun, error)
	Status() services.Status
}

// HealthChecker is a dependency probed by /healthz.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Handler contains all HTTP handlers
type Handler struct {
	svc          narrationService
	maxImageSize int64
	checks       map[string]HealthChecker
}

// NewHandler creates a new handler
func NewHandler(svc narrationService, maxImageSize int64) *Handler {
	return &Handler{
		svc:          svc,
		maxImageSize: maxImageSize,
		checks:       make(map[string]HealthChecker),
	}
}

// AddHealthCheck adds a named dependency to /healthz.
func (h *Handler) AddHealthCheck(name string, c HealthChecker) {
	h.checks[name] = c
}

// Register mounts the narration routes on r. Routes under /v1 use authMW when non-nil.
func (h *Handler) Register(r *mux.Router, authMW mux.MiddlewareFunc) {
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	if authMW != nil {
		v1.Use(authMW)
	}
	v1.HandleFunc("/narrations", h.CreateNarration).Methods(http.MethodPost)
	v1.HandleFunc("/narrations/ws", h.NarrationsWS).Methods(http.MethodGet)
	v1.HandleFunc("/narrations/{id}", h.GetNarration).Methods(http.MethodGet)
	v1.HandleFunc("/narrations/{id}/audio", h.GetNarrationAudio).Methods(http.MethodGet)
}

// Health handles GET /healthz. A failing dependency turns the response into 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, c := range h.checks {
		if err := c.Health(r.Context()); err != nil {
			log.Warn().Err(err).Str("dependency", name).Msg("Health check failed")
			deps[name] = "unavailable"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	writeJSON(w, code, map[string]interface{}{
		"status":       status,
		"pipeline":     h.svc.Status(),
		"dependencies": deps,
	})
}

// CreateNarration handles POST /v1/narrations. Accepts JSON or multipart form
// (field "name" or file "image"). With ?async=true the run is queued for a worker.
func (h *Handler) CreateNarration(w http.ResponseWriter, r *http.Request) {
	in, err := h.readInput(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	apiKeyID := apiKeyFromContext(r.Context())

	if r.URL.Query().Get("async") == "true" {
		runID, err := h.svc.Enqueue(r.Context(), in, apiKeyID)
		if err != nil {
			h.writeServiceError(w, err, "Failed to queue narration")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"id":     runID,
			"status": "queued",
		})
		return
	}

	result, err := h.svc.Narrate(r.Context(), in, apiKeyID, nil)
	if err != nil {
		h.writeServiceError(w, err, "Failed to run narration")
		return
	}

	status := http.StatusOK
	if result.CredentialMissing {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

// GetNarration handles GET /v1/narrations/{id}. Runs still in the queue answer 202;
// expired results fall back to the recorded run metadata.
func (h *Handler) GetNarration(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	result, err := h.svc.Get(id)
	if err == nil {
		writeJSON(w, http.StatusOK, result)
		return
	}
	if errors.Is(err, services.ErrQueued) {
		writeQueued(w, id)
		return
	}

	run, err := h.svc.GetRun(r.Context(), id)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			log.Error().Err(err).Str("run_id", id.String()).Msg("Failed to get narration run")
		}
		writeJSONError(w, http.StatusNotFound, "narration not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":            run,
		"result_expired": true,
	})
}

// GetNarrationAudio handles GET /v1/narrations/{id}/audio
func (h *Handler) GetNarrationAudio(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	result, err := h.svc.Get(id)
	if errors.Is(err, services.ErrQueued) {
		writeQueued(w, id)
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "narration not found")
		return
	}

	switch {
	case result.AudioURL != "":
		http.Redirect(w, r, result.AudioURL, http.StatusFound)
	case result.AudioPath != nil:
		if result.AudioMimeType != "" {
			w.Header().Set("Content-Type", result.AudioMimeType)
		}
		http.ServeFile(w, r, *result.AudioPath)
	default:
		writeJSONError(w, http.StatusNotFound, "narration has no audio")
	}
}

// writeQueued answers lookups for a run that a worker has not finished yet.
func writeQueued(w http.ResponseWriter, id uuid.UUID) {
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     id,
		"status": "queued",
	})
}

func (h *Handler) readInput(r *http.Request) (models.ArtifactInput, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req models.CreateNarrationRequest
		body := io.LimitReader(r.Body, h.maxBodySize())
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			return models.ArtifactInput{}, fmt.Errorf("invalid request body")
		}
		return h.svc.BuildInput(&req)
	}

	if err := r.ParseMultipartForm(h.maxBodySize()); err != nil {
		return models.ArtifactInput{}, fmt.Errorf("invalid multipart form: %v", err)
	}
	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return h.svc.BuildInput(&models.CreateNarrationRequest{Name: r.FormValue("name")})
	}
	if err != nil {
		return models.ArtifactInput{}, fmt.Errorf("invalid image upload: %v", err)
	}
	defer file.Close()
	if strings.TrimSpace(r.FormValue("name")) != "" {
		return models.ArtifactInput{}, fmt.Errorf("%w: provide either name or image, not both", models.ErrInvalidInput)
	}

	data, err := io.ReadAll(io.LimitReader(file, h.maxImageSize+1))
	if err != nil {
		return models.ArtifactInput{}, fmt.Errorf("failed to read image: %v", err)
	}
	return h.svc.ImageInput(data, header.Header.Get("Content-Type"))
}

// maxBodySize allows for base64 expansion of the largest accepted image.
func (h *Handler) maxBodySize() int64 {
	return h.maxImageSize*4/3 + 64<<10
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, quota.ErrQuotaExceeded):
		writeJSONError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, services.ErrAsyncUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Error().Err(err).Msg(msg)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid narration id")
		return uuid.Nil, false
	}
	return id, true
}

func apiKeyFromContext(ctx context.Context) *uuid.UUID {
	id, err := auth.GetAPIKeyID(ctx)
	if err != nil {
		return nil
	}
	return &id
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
