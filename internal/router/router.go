// Package router implements the Router (C5): it decides, for a validated
// clipboard frame, whether to deliver it to one target device or broadcast
// it to every other connected device, and synthesizes the
// offline-peer error envelope when a target is unreachable.
//
// Frames are forwarded byte-identically — the router never re-serializes
// the payload, preserving whatever authenticated-ciphertext invariants the
// client baked into the envelope (§4.5).
package router

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/clipboard-relay/internal/codec"
	"github.com/rcourtman/clipboard-relay/internal/envelope"
	"github.com/rcourtman/clipboard-relay/internal/session"
)

// Sessions is the subset of *session.Registry the router needs; it exists
// as an interface boundary for tests.
type Sessions interface {
	SendBinary(deviceID string, frame session.BinaryFrame) error
	BroadcastExceptBinary(senderID string, frame session.BinaryFrame)
	ConnectedDevices() []string
}

// Router routes validated clipboard frames between sessions.
type Router struct {
	sessions Sessions
}

// New returns a Router backed by sessions.
func New(sessions Sessions) *Router {
	return &Router{sessions: sessions}
}

// Route delivers frame (the original, untouched wire bytes) on behalf of
// senderID. target is the device_id from the payload (normalized here before
// lookup), or "" for a broadcast. messageID is the envelope id, echoed into any synthesized
// error envelope. When the target is offline, the error envelope is pushed
// opportunistically onto the sender's own outbound queue (§4.5) — if that
// push also fails (the sender's writer has already torn down), it is
// dropped silently, matching the "opportunistic" wording of the spec.
func (r *Router) Route(senderID, target, messageID string, frame []byte) {
	if target == "" {
		r.sessions.BroadcastExceptBinary(senderID, frame)
		return
	}

	target = session.NormalizeDeviceID(target)
	err := r.sessions.SendBinary(target, frame)
	switch {
	case err == nil:
		return
	case err == session.ErrDeviceNotConnected:
		log.Warn().Str("sender_id", senderID).Str("target", target).Msg("targeted clipboard send: device not connected")
		if errFrame := r.offlineErrorFrame(target, messageID); errFrame != nil {
			_ = r.sessions.SendBinary(senderID, errFrame)
		}
	default:
		log.Error().Err(err).Str("sender_id", senderID).Str("target", target).Msg("targeted clipboard send failed")
	}
}

// offlineErrorFrame builds the relay-synthesized error envelope of §6/§7 and
// encodes it as a wire frame, ready to be pushed onto the sender's own
// outbound queue.
func (r *Router) offlineErrorFrame(target, messageID string) []byte {
	payload := envelope.ErrorPayload{
		Code:              "device_not_connected",
		Message:           "target device is not currently connected",
		OriginalMessageID: messageID,
		TargetDeviceID:    target,
		ConnectedDevices:  r.sessions.ConnectedDevices(),
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal offline-peer error payload")
		return nil
	}

	env := envelope.Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   "1.0",
		Type:      envelope.TypeError,
		Payload:   payloadBytes,
	}
	envBytes, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal offline-peer error envelope")
		return nil
	}

	return codec.Encode(string(envBytes))
}
