package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rcourtman/clipboard-relay/internal/config"
)

func TestHandleWebSocket_RejectsMissingHeaders(t *testing.T) {
	srv := New(config.Config{})
	req := httptest.NewRequest("GET", "/ws", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, 400, rec.Code)
	assert.Contains(t, rec.Body.String(), "X-Device-Id")
}

func TestHandleWebSocket_RejectsFailedAuthTokenWith401(t *testing.T) {
	srv := New(config.Config{AuthToken: "s3cr3t"})
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("X-Device-Id", "alice")
	req.Header.Set("X-Device-Platform", "macos")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, 401, rec.Code)
}

func TestHandleWebSocket_RejectsAllowListViolationWith403(t *testing.T) {
	srv := New(config.Config{DeviceAllowList: []string{"test-*"}})
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("X-Device-Id", "prod-1")
	req.Header.Set("X-Device-Platform", "macos")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, 403, rec.Code)
}

func TestHandlePeers_NotFoundWhenNotMounted(t *testing.T) {
	srv := New(config.Config{})
	req := httptest.NewRequest("GET", "/peers", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, 404, rec.Code)
}

func TestHandlePeers_ReturnsConnectedDevicesWhenMounted(t *testing.T) {
	srv := New(config.Config{})
	srv.MountPeersEndpoint = true
	srv.sessions.Register("alice")
	srv.sessions.Register("bob")

	req := httptest.NewRequest("GET", "/peers", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "alice")
	assert.Contains(t, rec.Body.String(), "bob")
}

func TestHandlePeers_FiltersByCommaSeparatedDeviceID(t *testing.T) {
	srv := New(config.Config{})
	srv.MountPeersEndpoint = true
	srv.sessions.Register("alice")
	srv.sessions.Register("bob")
	srv.sessions.Register("carol")

	req := httptest.NewRequest("GET", "/peers?device_id=alice,carol", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "alice")
	assert.Contains(t, body, "carol")
	assert.NotContains(t, body, "bob")
}

func TestParseDeviceIDsParam_AcceptsRepeatedAndCommaSeparated(t *testing.T) {
	got := parseDeviceIDsParam([]string{"a,b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
