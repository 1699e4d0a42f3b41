// Package control implements the Control Plane (C7): the register_key /
// deregister_key / query_connected_peers actions carried inside envelopes
// of type "control". Control messages never carry an encryption block, so
// they are handled before any call into the envelope validator (§4.7).
package control

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/clipboard-relay/internal/envelope"
	"github.com/rcourtman/clipboard-relay/internal/keystore"
	"github.com/rcourtman/clipboard-relay/internal/session"
)

// Sessions is the subset of *session.Registry the control plane needs.
type Sessions interface {
	ConnectedDevices() []string
}

// Plane handles control-plane actions for one relay instance.
type Plane struct {
	keys     *keystore.Store
	sessions Sessions
}

// New returns a Plane backed by keys and sessions.
func New(keys *keystore.Store, sessions Sessions) *Plane {
	return &Plane{keys: keys, sessions: sessions}
}

// Handle processes a control envelope's payload on behalf of senderID. It
// returns a non-nil reply envelope only for query_connected_peers; the
// other actions never reply (§4.7).
func (p *Plane) Handle(senderID, messageID string, raw json.RawMessage) *envelope.Envelope {
	var payload envelope.ControlPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Warn().Err(err).Str("device_id", senderID).Msg("control message: invalid payload")
		return nil
	}

	switch payload.Action {
	case envelope.ActionRegisterKey:
		p.registerKey(senderID, payload.SymmetricKey)
		return nil
	case envelope.ActionDeregisterKey:
		p.keys.Remove(senderID)
		return nil
	case envelope.ActionQueryConnectedPeers:
		return p.queryConnectedPeers(messageID, payload.DeviceIDs)
	default:
		log.Warn().Str("device_id", senderID).Str("action", string(payload.Action)).Msg("control message: unknown action")
		return nil
	}
}

func (p *Plane) registerKey(senderID, b64Key string) {
	key, err := base64.StdEncoding.DecodeString(b64Key)
	if err != nil {
		key, err = base64.RawStdEncoding.DecodeString(b64Key)
	}
	if err != nil {
		log.Warn().Str("device_id", senderID).Msg("register_key: invalid base64")
		return
	}
	if err := p.keys.StoreKey(senderID, key); err != nil {
		log.Warn().Err(err).Str("device_id", senderID).Msg("register_key: rejected")
	}
}

// queryConnectedPeers reads the connected device list and, when deviceIDs
// is non-empty, intersects it with the requested set as a privacy filter
// (§4.7), identical in spirit to the HTTP /peers admin filter.
func (p *Plane) queryConnectedPeers(messageID string, deviceIDs []string) *envelope.Envelope {
	connected := p.sessions.ConnectedDevices()

	var result []string
	if len(deviceIDs) == 0 {
		result = connected
	} else {
		requested := make(map[string]struct{}, len(deviceIDs))
		for _, id := range deviceIDs {
			requested[session.NormalizeDeviceID(id)] = struct{}{}
		}
		for _, id := range connected {
			if _, ok := requested[id]; ok {
				result = append(result, id)
			}
		}
	}
	if result == nil {
		result = []string{}
	}

	payload := envelope.ConnectedPeersPayload{
		ConnectedDevices:  result,
		OriginalMessageID: messageID,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("query_connected_peers: failed to marshal response")
		return nil
	}

	return &envelope.Envelope{
		ID:        messageID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   "1.0",
		Type:      envelope.TypeControl,
		Payload:   payloadBytes,
	}
}
