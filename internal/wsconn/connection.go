// Package wsconn implements the Per-Connection Runtime (C6): the reader
// task that parses and routes inbound frames, the writer task that drains
// a session's outbound queue onto the transport, and the heartbeat and
// shutdown interleaving that ties them together through the session
// token (§4.6).
package wsconn

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/clipboard-relay/internal/admission"
	"github.com/rcourtman/clipboard-relay/internal/codec"
	"github.com/rcourtman/clipboard-relay/internal/control"
	"github.com/rcourtman/clipboard-relay/internal/envelope"
	"github.com/rcourtman/clipboard-relay/internal/keystore"
	"github.com/rcourtman/clipboard-relay/internal/router"
	"github.com/rcourtman/clipboard-relay/internal/session"
)

// DefaultMaxFrameSize is 1 GiB, accommodating large clipboard payloads such
// as images (§4.6).
const DefaultMaxFrameSize = 1 << 30

const pingInterval = 30 * time.Second

// Options configures one connection's runtime behavior.
type Options struct {
	// MaxFrameSize caps the transport-level message size. Zero means
	// DefaultMaxFrameSize.
	MaxFrameSize int64
	// TolerantEmptyFrames, when true, treats an empty binary frame as a
	// keepalive instead of closing the connection (§4.6, §9 Open Question).
	TolerantEmptyFrames bool
}

// Deps bundles the shared collaborators a connection routes through.
type Deps struct {
	Sessions *session.Registry
	Keys     *keystore.Store
	Router   *router.Router
	Control  *control.Plane
}

// Conn is the subset of *websocket.Conn the runtime uses, narrowed for
// testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Run registers identity with the session registry, starts the writer,
// reader, and heartbeat tasks, and blocks until the writer and reader have
// both exited. It is the entry point called once per admitted WebSocket
// upgrade.
func Run(conn Conn, identity admission.Identity, deps Deps, opts Options) {
	maxFrameSize := opts.MaxFrameSize
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	conn.SetReadLimit(maxFrameSize)

	reg := deps.Sessions.Register(identity.DeviceID)

	stopPing := make(chan struct{})
	var stopPingOnce sync.Once
	stopPingFn := func() { stopPingOnce.Do(func() { close(stopPing) }) }

	conn.SetPongHandler(func(string) error {
		deps.Sessions.Touch(identity.DeviceID)
		return conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	})
	_ = conn.SetReadDeadline(time.Now().Add(2 * pingInterval))

	var wg sync.WaitGroup
	var writeMu sync.Mutex

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer stopPingFn()
		runWriter(conn, &writeMu, identity.DeviceID, reg.Token, reg.Receiver, deps.Sessions)
	}()
	go func() {
		defer wg.Done()
		defer stopPingFn()
		runReader(conn, &writeMu, identity.DeviceID, reg.Token, deps, opts)
	}()
	go runPingLoop(conn, &writeMu, identity.DeviceID, stopPing)

	wg.Wait()
}

// runPingLoop periodically writes a ping control frame so idle connections
// are detected and torn down rather than leaking a registry entry
// (§4.6 "Heartbeat"), mirroring the teacher's pingLoop pattern.
func runPingLoop(conn Conn, writeMu *sync.Mutex, deviceID string, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			writeMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Str("device_id", deviceID).Msg("ping loop: write failed, transport likely dead")
				return
			}
		}
	}
}

// runWriter drains the session's outbound queue onto the transport until
// the queue closes (replaced session) or a write fails (dead transport).
// Either way it tears down with unregisterWithToken — a no-op if the
// reader already tore down this incarnation (§4.6 "Shutdown interleaving").
func runWriter(conn Conn, writeMu *sync.Mutex, deviceID string, token uint64, receiver <-chan session.BinaryFrame, sessions *session.Registry) {
	defer func() {
		sessions.UnregisterWithToken(deviceID, token)
		log.Debug().Str("device_id", deviceID).Msg("writer task exiting")
	}()

	for frame := range receiver {
		writeMu.Lock()
		err := conn.WriteMessage(websocket.BinaryMessage, frame)
		writeMu.Unlock()
		if err != nil {
			log.Warn().Err(err).Str("device_id", deviceID).Msg("writer task: transport write failed")
			_ = conn.Close()
			return
		}
	}
}

// runReader consumes inbound frames and either routes a clipboard message,
// dispatches a control action, replies to a ping, or closes the connection
// on protocol violations — then tears down with unregisterWithToken.
func runReader(conn Conn, writeMu *sync.Mutex, deviceID string, token uint64, deps Deps, opts Options) {
	defer func() {
		deps.Sessions.UnregisterWithToken(deviceID, token)
		log.Info().Str("device_id", deviceID).Msg("device disconnected")
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Str("device_id", deviceID).Msg("reader task: unexpected close")
			} else {
				log.Debug().Err(err).Str("device_id", deviceID).Msg("reader task: exiting on read error")
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			// Legacy path: parse the text directly as envelope JSON and
			// re-emit as a binary frame so all downstream handling is
			// uniform (§4.6 "Frame re-emission for text clients").
			handleEnvelopeJSON(conn, writeMu, deviceID, deps, string(data))

		case websocket.BinaryMessage:
			if len(data) == 0 {
				if opts.TolerantEmptyFrames {
					continue
				}
				log.Warn().Str("device_id", deviceID).Msg("reader task: empty binary frame, closing")
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "empty_binary_frame"),
					time.Now().Add(time.Second))
				_ = conn.Close()
				return
			}
			jsonStr, err := codec.Decode(data)
			if err != nil {
				log.Warn().Err(err).Str("device_id", deviceID).Msg("reader task: malformed frame, dropping")
				continue
			}
			handleEnvelopeJSON(conn, writeMu, deviceID, deps, jsonStr)

		case websocket.PingMessage:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PongMessage, data, time.Now().Add(5*time.Second))
			writeMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Str("device_id", deviceID).Msg("reader task: failed to send pong")
			}

		case websocket.CloseMessage:
			return
		}
	}
}

// handleEnvelopeJSON parses one envelope's JSON (regardless of whether it
// arrived as a text frame or inside a decoded binary frame) and dispatches
// it to the control plane or the router.
func handleEnvelopeJSON(conn Conn, writeMu *sync.Mutex, deviceID string, deps Deps, jsonStr string) {
	var env envelope.Envelope
	if err := json.Unmarshal([]byte(jsonStr), &env); err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("reader task: invalid envelope JSON, dropping")
		return
	}

	switch env.Type {
	case envelope.TypeControl:
		reply := deps.Control.Handle(deviceID, env.ID, env.Payload)
		deps.Sessions.Touch(deviceID)
		if reply == nil {
			return
		}
		replyBytes, err := json.Marshal(reply)
		if err != nil {
			log.Error().Err(err).Str("device_id", deviceID).Msg("control reply: marshal failed")
			return
		}
		frame := codec.Encode(string(replyBytes))
		writeMu.Lock()
		err = conn.WriteMessage(websocket.BinaryMessage, frame)
		writeMu.Unlock()
		if err != nil {
			log.Debug().Err(err).Str("device_id", deviceID).Msg("control reply: write failed")
		}

	case envelope.TypeClipboard:
		payload, err := envelope.ValidateClipboardPayload(env.Payload)
		if err != nil {
			log.Warn().Err(err).Str("device_id", deviceID).Msg("clipboard envelope: validation failed, dropping")
			return
		}
		deps.Sessions.Touch(deviceID)
		frame := codec.Encode(jsonStr)
		deps.Router.Route(deviceID, payload.Target, env.ID, frame)

	default:
		log.Warn().Str("device_id", deviceID).Str("type", string(env.Type)).Msg("reader task: unknown envelope type, dropping")
	}
}
