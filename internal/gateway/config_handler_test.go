package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mabry/pomosync/internal/models"
	"github.com/mabry/pomosync/internal/sessioncount"
	"github.com/mabry/pomosync/internal/timezone"
)

type fakeConfigService struct {
	cfg       *models.UserResetConfiguration
	updateErr error
	events    []models.SessionResetEvent

	lastUpdate sessioncount.UpdateConfigurationRequest
	lastFilter sessioncount.EventFilter
}

func (f *fakeConfigService) GetConfiguration(ctx context.Context, userID string) (*models.UserResetConfiguration, error) {
	return f.cfg, nil
}

func (f *fakeConfigService) UpdateConfiguration(ctx context.Context, userID string, req sessioncount.UpdateConfigurationRequest) (*models.UserResetConfiguration, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.lastUpdate = req
	return f.cfg, nil
}

func (f *fakeConfigService) LoadEvents(ctx context.Context, userID string, filter sessioncount.EventFilter) ([]models.SessionResetEvent, error) {
	f.lastFilter = filter
	return f.events, nil
}

func newConfigHandler(service ConfigService) (*ConfigHandler, *ConnectionManager) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC))
	cm := NewConnectionManager(DefaultConnectionConfig(), clock)
	return NewConfigHandler(service, cm, clock), cm
}

func enabledConfiguration(t *testing.T) *models.UserResetConfiguration {
	t.Helper()
	spec, err := models.HourSpec(7)
	require.NoError(t, err)
	return &models.UserResetConfiguration{
		UserID:     "user-1",
		Timezone:   "America/New_York",
		ResetSpec:  spec,
		Enabled:    true,
		TodayCount: 3,
	}
}

func TestGetConfigRequiresUserID(t *testing.T) {
	handler, _ := newConfigHandler(&fakeConfigService{})

	rec := httptest.NewRecorder()
	handler.HandleConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetConfigReturnsView(t *testing.T) {
	handler, _ := newConfigHandler(&fakeConfigService{cfg: enabledConfiguration(t)})

	rec := httptest.NewRecorder()
	handler.HandleConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config?user_id=user-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ConfigurationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "user-1", resp.UserID)
	assert.Equal(t, "America/New_York", resp.Timezone)
	assert.Equal(t, "0 7 * * *", resp.Cron)
	assert.Equal(t, 3, resp.CurrentCount)
	assert.True(t, resp.Enabled)
	assert.False(t, resp.HasOverride)
}

func TestPutConfigUpdatesFields(t *testing.T) {
	service := &fakeConfigService{cfg: enabledConfiguration(t)}
	handler, _ := newConfigHandler(service)

	body := `{"user_id":"user-1","timezone":"Europe/Berlin","enabled":false}`
	rec := httptest.NewRecorder()
	handler.HandleConfig(rec, httptest.NewRequest(http.MethodPut, "/api/config", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, service.lastUpdate.Timezone)
	assert.Equal(t, "Europe/Berlin", *service.lastUpdate.Timezone)
	require.NotNil(t, service.lastUpdate.Enabled)
	assert.False(t, *service.lastUpdate.Enabled)
	assert.Nil(t, service.lastUpdate.ResetSpec)
}

func TestPutConfigInvalidTimezoneMapsTo400(t *testing.T) {
	service := &fakeConfigService{
		updateErr: fmt.Errorf("update: %w", timezone.ErrInvalidTimezone),
	}
	handler, _ := newConfigHandler(service)

	body := `{"user_id":"user-1","timezone":"Mars/Olympus"}`
	rec := httptest.NewRecorder()
	handler.HandleConfig(rec, httptest.NewRequest(http.MethodPut, "/api/config", strings.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_timezone")
}

func TestPutConfigRejectsMalformedBody(t *testing.T) {
	handler, _ := newConfigHandler(&fakeConfigService{})

	rec := httptest.NewRecorder()
	handler.HandleConfig(rec, httptest.NewRequest(http.MethodPut, "/api/config", strings.NewReader("{broken")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrCodeInvalidPayload)
}

func TestHandleEventsParsesFilter(t *testing.T) {
	service := &fakeConfigService{}
	handler, _ := newConfigHandler(service)

	url := "/api/events?user_id=user-1&reset_type=MANUAL&since=2025-01-01T00:00:00Z&limit=10"
	rec := httptest.NewRecorder()
	handler.HandleEvents(rec, httptest.NewRequest(http.MethodGet, url, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, service.lastFilter.ResetType)
	assert.Equal(t, models.ResetTypeManual, *service.lastFilter.ResetType)
	require.NotNil(t, service.lastFilter.Since)
	assert.Equal(t, 10, service.lastFilter.Limit)
	assert.JSONEq(t, `{"events":[]}`, rec.Body.String())
}

func TestHandleEventsRejectsBadSince(t *testing.T) {
	handler, _ := newConfigHandler(&fakeConfigService{})

	rec := httptest.NewRecorder()
	handler.HandleEvents(rec, httptest.NewRequest(http.MethodGet, "/api/events?user_id=user-1&since=yesterday", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleConnectionsEmpty(t *testing.T) {
	handler, _ := newConfigHandler(&fakeConfigService{})

	rec := httptest.NewRecorder()
	handler.HandleConnections(rec, httptest.NewRequest(http.MethodGet, "/api/connections?user_id=user-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connections":[]}`, rec.Body.String())
}
