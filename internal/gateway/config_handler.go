package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mabry/pomosync/internal/models"
	"github.com/mabry/pomosync/internal/sessioncount"
	"github.com/mabry/pomosync/internal/timezone"
)

// ConfigService is the configuration surface exposed over HTTP.
type ConfigService interface {
	GetConfiguration(ctx context.Context, userID string) (*models.UserResetConfiguration, error)
	UpdateConfiguration(ctx context.Context, userID string, req sessioncount.UpdateConfigurationRequest) (*models.UserResetConfiguration, error)
	LoadEvents(ctx context.Context, userID string, filter sessioncount.EventFilter) ([]models.SessionResetEvent, error)
}

// ConfigHandler serves the configuration and audit endpoints.
type ConfigHandler struct {
	service           ConfigService
	connectionManager *ConnectionManager
	clock             clockwork.Clock
}

// NewConfigHandler creates the HTTP configuration handler.
func NewConfigHandler(service ConfigService, cm *ConnectionManager, clock clockwork.Clock) *ConfigHandler {
	return &ConfigHandler{service: service, connectionManager: cm, clock: clock}
}

// UpdateConfigurationBody is the PUT /api/config request body. Absent
// fields are left unchanged.
type UpdateConfigurationBody struct {
	UserID    string            `json:"user_id"`
	Timezone  *string           `json:"timezone,omitempty"`
	ResetSpec *models.ResetSpec `json:"reset_spec,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty"`
}

// ConfigurationResponse is the JSON view of a configuration.
type ConfigurationResponse struct {
	UserID       string           `json:"user_id"`
	Timezone     string           `json:"timezone"`
	ResetSpec    models.ResetSpec `json:"reset_spec"`
	Cron         string           `json:"cron"`
	Enabled      bool             `json:"enabled"`
	CurrentCount int              `json:"current_count"`
	LastResetUTC *time.Time       `json:"last_reset_utc,omitempty"`
	HasOverride  bool             `json:"has_override"`
}

func configurationResponse(cfg *models.UserResetConfiguration) ConfigurationResponse {
	return ConfigurationResponse{
		UserID:       cfg.UserID,
		Timezone:     cfg.Timezone,
		ResetSpec:    cfg.ResetSpec,
		Cron:         cfg.ResetSpec.CronExpression(),
		Enabled:      cfg.Enabled,
		CurrentCount: cfg.CurrentCount(),
		LastResetUTC: cfg.LastResetUTC,
		HasOverride:  cfg.ManualOverride != nil,
	}
}

// HandleConfig serves GET and PUT on /api/config.
func (h *ConfigHandler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getConfig(w, r)
	case http.MethodPut:
		h.putConfig(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, ErrCodeValidationFailed, "method not allowed")
	}
}

func (h *ConfigHandler) getConfig(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidationFailed, "user_id is required")
		return
	}

	cfg, err := h.service.GetConfiguration(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configurationResponse(cfg))
}

func (h *ConfigHandler) putConfig(w http.ResponseWriter, r *http.Request) {
	var body UpdateConfigurationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidPayload, "malformed configuration body")
		return
	}
	if body.UserID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidationFailed, "user_id is required")
		return
	}

	cfg, err := h.service.UpdateConfiguration(r.Context(), body.UserID, sessioncount.UpdateConfigurationRequest{
		Timezone:  body.Timezone,
		ResetSpec: body.ResetSpec,
		Enabled:   body.Enabled,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configurationResponse(cfg))
}

// HandleEvents serves GET /api/events, the audit trail.
func (h *ConfigHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidationFailed, "user_id is required")
		return
	}

	var filter sessioncount.EventFilter
	if v := r.URL.Query().Get("reset_type"); v != "" {
		rt := models.ResetType(v)
		filter.ResetType = &rt
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidationFailed, "since must be RFC 3339")
			return
		}
		filter.Since = &since
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, ErrCodeValidationFailed, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	events, err := h.service.LoadEvents(r.Context(), userID, filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []models.SessionResetEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// HandleConnections serves GET /api/connections, a user's live sockets.
func (h *ConfigHandler) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidationFailed, "user_id is required")
		return
	}

	connections := h.connectionManager.Connections(userID, h.clock.Now())
	if connections == nil {
		connections = []models.DeviceConnection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": connections})
}

// HandleStats serves GET /stats.
func (h *ConfigHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.connectionManager.GetConnectionStats())
}

// RegisterRoutes registers the configuration endpoints with a mux.
func (h *ConfigHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/config", h.HandleConfig)
	mux.HandleFunc("/api/events", h.HandleEvents)
	mux.HandleFunc("/api/connections", h.HandleConnections)
	mux.HandleFunc("/stats", h.HandleStats)
}

func (h *ConfigHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, timezone.ErrInvalidTimezone):
		writeError(w, http.StatusBadRequest, "invalid_timezone", err.Error())
	case errors.Is(err, sessioncount.ErrInvalidSessionCount):
		writeError(w, http.StatusBadRequest, "invalid_session_count", err.Error())
	case errors.Is(err, sessioncount.ErrEmptyUserID):
		writeError(w, http.StatusBadRequest, ErrCodeValidationFailed, err.Error())
	default:
		log.Error().Err(err).Msg("configuration endpoint failed")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": WireError{Code: code, Message: message},
	})
}
