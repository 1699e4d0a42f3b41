// Package admission implements Connection Admission (C8): header parsing
// and device-id normalization ahead of the WebSocket upgrade, the optional
// shared-secret HMAC check, and an optional device-id allow-list (§4.8).
package admission

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/rcourtman/clipboard-relay/internal/session"
)

var (
	// ErrMissingHeaders is returned when X-Device-Id or X-Device-Platform is absent.
	ErrMissingHeaders = errors.New("admission: missing X-Device-Id or X-Device-Platform header")
	// ErrUnauthorized is returned when RELAY_WS_AUTH_TOKEN is configured and
	// the request's X-Auth-Token header does not match.
	ErrUnauthorized = errors.New("admission: invalid or missing X-Auth-Token")
	// ErrDeviceNotAllowed is returned when a device-id allow-list is
	// configured and the device_id matches none of its patterns.
	ErrDeviceNotAllowed = errors.New("admission: device_id not in allow-list")
)

// Identity is the admitted connection's identity, ready for
// session.Registry.Register.
type Identity struct {
	DeviceID string
	Platform string
}

// Policy holds the optional admission checks configured for this relay
// instance. A zero-value Policy performs only the mandatory header check.
type Policy struct {
	// SharedSecret, when non-empty, requires X-Auth-Token to equal
	// base64(HMAC-SHA256(SharedSecret, device_id)).
	SharedSecret string
	// AllowList, when non-empty, requires the normalized device_id to match
	// at least one glob pattern (via go-wildcard). Empty means unrestricted.
	AllowList []string
}

// Admit validates r's admission headers and optional auth token against p,
// returning the normalized device identity or an error.
func (p Policy) Admit(r *http.Request) (Identity, error) {
	deviceID := r.Header.Get("X-Device-Id")
	platform := r.Header.Get("X-Device-Platform")
	if deviceID == "" || platform == "" {
		return Identity{}, ErrMissingHeaders
	}

	deviceID = session.NormalizeDeviceID(deviceID)

	if p.SharedSecret != "" {
		if !validAuthToken(p.SharedSecret, deviceID, r.Header.Get("X-Auth-Token")) {
			return Identity{}, ErrUnauthorized
		}
	}

	if len(p.AllowList) > 0 && !p.deviceAllowed(deviceID) {
		return Identity{}, ErrDeviceNotAllowed
	}

	return Identity{DeviceID: deviceID, Platform: platform}, nil
}

func (p Policy) deviceAllowed(deviceID string) bool {
	for _, pattern := range p.AllowList {
		if wildcard.Match(pattern, deviceID) {
			return true
		}
	}
	return false
}

func validAuthToken(secret, deviceID, provided string) bool {
	if provided == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(deviceID))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}
