// Package session implements the Session Registry (C4): the device_id ->
// outbound-channel mapping with generation tokens that resolves the
// takeover race between successive connections for the same device slot.
//
// Register/unregister are exclusive writers under the registry mutex; send
// and broadcast hold the read lock only for the duration of a map lookup
// plus an enqueue onto the device's outbound queue, so fan-out never blocks
// on a slow consumer (§4.4, §5, §9 "Backpressure, intentionally absent").
package session

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// BinaryFrame is a single length-prefixed wire frame, opaque to the registry.
type BinaryFrame = []byte

var (
	// ErrDeviceNotConnected is returned by SendBinary when no session is
	// registered for the target device_id.
	ErrDeviceNotConnected = errors.New("session: device not connected")
	// ErrSendFailed is returned when the outbound queue's consumer side has
	// already been torn down (the session is collapsing).
	ErrSendFailed = errors.New("session: send failed")
)

type entry struct {
	queue    *outboundQueue
	token    uint64
	lastSeen time.Time
}

// Info is a snapshot of one session for observability / query purposes.
type Info struct {
	DeviceID string
	LastSeen time.Time
}

// Registration is returned by Register: the receive end of the device's
// outbound queue and the token stamped on this incarnation of the slot.
type Registration struct {
	Receiver <-chan BinaryFrame
	Token    uint64
}

// Registry is the device_id -> SessionEntry map described in §3/§4.4.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	nextToken atomic.Uint64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register mints a fresh monotonic token, creates an unbounded outbound
// queue, and installs it as the entry for device_id — atomically replacing
// any prior entry. The prior entry's queue is closed as part of
// replacement, which closes the old receiver once drained (P2).
func (r *Registry) Register(deviceID string) Registration {
	q := newOutboundQueue()

	r.mu.Lock()
	token := r.nextToken.Add(1)
	if old, ok := r.entries[deviceID]; ok {
		log.Debug().Str("device_id", deviceID).Uint64("old_token", old.token).Msg("replacing existing session")
		old.queue.close()
	}
	r.entries[deviceID] = &entry{queue: q, token: token, lastSeen: time.Now()}
	count := len(r.entries)
	r.mu.Unlock()

	log.Info().
		Str("device_id", deviceID).
		Uint64("token", token).
		Int("active_sessions", count).
		Msg("device registered")

	return Registration{Receiver: q.out, Token: token}
}

// UnregisterWithToken removes the entry for device_id only if its current
// token equals the one supplied, preventing a stale teardown from evicting
// a newer live session (§4.4, P1).
func (r *Registry) UnregisterWithToken(deviceID string, token uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok || e.token != token {
		log.Debug().Str("device_id", deviceID).Uint64("token", token).Msg("skip unregister: stale token")
		return false
	}
	delete(r.entries, deviceID)
	e.queue.close()
	return true
}

// SendBinary enqueues frame on device_id's outbound queue.
func (r *Registry) SendBinary(deviceID string, frame BinaryFrame) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return ErrDeviceNotConnected
	}
	return e.queue.push(frame)
}

// BroadcastExceptBinary enqueues a copy of frame to every registered device
// other than sender_id. Per-recipient enqueue failures are ignored — those
// sessions are already collapsing (§4.4).
func (r *Registry) BroadcastExceptBinary(senderID string, frame BinaryFrame) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, e := range r.entries {
		if id == senderID {
			continue
		}
		cp := make(BinaryFrame, len(frame))
		copy(cp, frame)
		_ = e.queue.push(cp)
	}
}

// Touch updates last_seen for device_id. Non-fatal if the device is absent.
func (r *Registry) Touch(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[deviceID]; ok {
		e.lastSeen = time.Now()
	}
}

// ConnectedDevices returns the device_ids of every currently registered session.
func (r *Registry) ConnectedDevices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

// ConnectedDevicesInfo returns {device_id, last_seen} for every session.
func (r *Registry) ConnectedDevicesInfo() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Info{DeviceID: id, LastSeen: e.lastSeen})
	}
	return out
}

// ActiveCount returns the number of currently registered sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// NormalizeDeviceID lowercases and trims a device_id, matching the
// case-insensitivity rule in §3: all lookups and registrations go through
// this normalization.
func NormalizeDeviceID(deviceID string) string {
	return strings.ToLower(strings.TrimSpace(deviceID))
}

// outboundQueue is an unbounded single-consumer, multi-producer queue of
// binary frames. It exists because the spec requires an outbound channel
// that never blocks a producer (§4.4, §5, §9): a fixed-capacity Go channel
// would either block fan-out on a full buffer or require an arbitrary cap.
// A mutex-guarded slice drained by one pump goroutine per session gives
// producers a non-blocking push while consumers still see an ordinary
// receive-only channel.
type outboundQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []BinaryFrame
	closed bool
	out    chan BinaryFrame
}

func newOutboundQueue() *outboundQueue {
	q := &outboundQueue{out: make(chan BinaryFrame)}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

func (q *outboundQueue) pump() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			close(q.out)
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		q.out <- item
	}
}

func (q *outboundQueue) push(frame BinaryFrame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrSendFailed
	}
	q.items = append(q.items, frame)
	q.cond.Signal()
	return nil
}

func (q *outboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Signal()
}
