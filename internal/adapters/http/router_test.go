package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/jbax1899/daneel/internal/app"
	"github.com/jbax1899/daneel/internal/config"
	"github.com/jbax1899/daneel/internal/metrics"
)

type fakeVoice struct {
	mu     sync.Mutex
	joins  []string
	leaves []string
}

func (f *fakeVoice) Join(_ context.Context, guildID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, guildID+"/"+channelID)
	return nil
}

func (f *fakeVoice) Leave(channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, channelID)
}

func testRouter(t *testing.T, voice VoiceControl) http.Handler {
	t.Helper()
	m := metrics.NewWith(prometheus.NewRegistry())
	coord := app.NewCoordinator(app.Config{QueueDepth: 8}, m)
	return SetupRouter(&config.Config{Mode: "release"}, coord, voice)
}

func TestHealthEndpoint(t *testing.T) {
	r := testRouter(t, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCallsEndpointEmpty(t *testing.T) {
	r := testRouter(t, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/calls", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"calls":[]}`, w.Body.String())
}

func TestCallByIDNotFound(t *testing.T) {
	r := testRouter(t, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/calls/nope", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJoinWithoutVoicePlatform(t *testing.T) {
	r := testRouter(t, nil)
	w := httptest.NewRecorder()
	body := strings.NewReader(`{"guild_id":"g1","channel_id":"c1"}`)
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/calls", body))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestJoinValidatesBody(t *testing.T) {
	voice := &fakeVoice{}
	r := testRouter(t, voice)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/calls", strings.NewReader(`{"guild_id":"g1"}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, voice.joins)
}

func TestJoinAndLeaveRouteToVoiceControl(t *testing.T) {
	voice := &fakeVoice{}
	r := testRouter(t, voice)

	w := httptest.NewRecorder()
	body := strings.NewReader(`{"guild_id":"g1","channel_id":"c1"}`)
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/calls", body))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{"g1/c1"}, voice.joins)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/calls/c1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"c1"}, voice.leaves)
}

func TestDeleteUnknownCallIsIdempotent(t *testing.T) {
	r := testRouter(t, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/calls/nope", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}
