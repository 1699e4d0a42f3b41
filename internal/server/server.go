// Package server wires the admission policy, session registry, router, and
// control plane into an HTTP listener exposing the /ws upgrade endpoint
// (§4, §6), bootstrapped the way the teacher's cmd/pulse/main.go starts its
// HTTP server and coordinates shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/clipboard-relay/internal/admission"
	"github.com/rcourtman/clipboard-relay/internal/config"
	"github.com/rcourtman/clipboard-relay/internal/control"
	"github.com/rcourtman/clipboard-relay/internal/keystore"
	"github.com/rcourtman/clipboard-relay/internal/router"
	"github.com/rcourtman/clipboard-relay/internal/session"
	"github.com/rcourtman/clipboard-relay/internal/wsconn"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server bundles the relay's collaborators behind an http.Handler.
type Server struct {
	cfg      config.Config
	policy   admission.Policy
	sessions *session.Registry
	keys     *keystore.Store
	router   *router.Router
	control  *control.Plane

	// MountPeersEndpoint exercises the same intersection-filter logic as
	// query_connected_peers through a minimal HTTP admin handler,
	// supplementing §6 without building out the full admin surface.
	MountPeersEndpoint bool

	mux *http.ServeMux
}

// New builds a Server from cfg. It does not start listening.
func New(cfg config.Config) *Server {
	sessions := session.New()
	keys := keystore.New()
	s := &Server{
		cfg: cfg,
		policy: admission.Policy{
			SharedSecret: cfg.AuthToken,
			AllowList:    cfg.DeviceAllowList,
		},
		sessions: sessions,
		keys:     keys,
		router:   router.New(sessions),
		control:  control.New(keys, sessions),
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/peers", s.handlePeers)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.policy.Admit(r)
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("admission rejected")
		writeAdmissionError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("device_id", identity.DeviceID).Msg("websocket upgrade failed")
		return
	}

	log.Info().Str("device_id", identity.DeviceID).Str("platform", identity.Platform).Msg("device connected")

	wsconn.Run(conn, identity, wsconn.Deps{
		Sessions: s.sessions,
		Keys:     s.keys,
		Router:   s.router,
		Control:  s.control,
	}, wsconn.Options{
		TolerantEmptyFrames: s.cfg.TolerantEmptyFrames,
		MaxFrameSize:        s.cfg.MaxFrameSize,
	})
}

// writeAdmissionError maps an admission.Policy.Admit error to the status
// code §4.8/§7 specify — 400 for missing headers, 401 for a failed auth
// token — with a JSON error body rather than http.Error's plain text.
// ErrDeviceNotAllowed is a supplemental admission feature not named by the
// spec's own error taxonomy; it is reported as 403, the closest stdlib
// status for "understood who you are, still not letting you in".
func writeAdmissionError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	switch {
	case errors.Is(err, admission.ErrMissingHeaders):
		status = http.StatusBadRequest
	case errors.Is(err, admission.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, admission.ErrDeviceNotAllowed):
		status = http.StatusForbidden
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

// handlePeers answers a filtered or unfiltered connected-device list,
// mirroring the original's handlers/peers.rs comma-or-array query
// parameter parsing for device_id (SPEC_FULL.md supplement #2). It is
// mounted only when MountPeersEndpoint is set; it is not a spec-required
// external interface.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if !s.MountPeersEndpoint {
		http.NotFound(w, r)
		return
	}

	requested := parseDeviceIDsParam(r.URL.Query()["device_id"])
	connected := s.sessions.ConnectedDevices()

	var result []string
	if len(requested) == 0 {
		result = connected
	} else {
		wanted := make(map[string]struct{}, len(requested))
		for _, id := range requested {
			wanted[session.NormalizeDeviceID(id)] = struct{}{}
		}
		for _, id := range connected {
			if _, ok := wanted[id]; ok {
				result = append(result, id)
			}
		}
	}
	if result == nil {
		result = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		ConnectedDevices []string `json:"connected_devices"`
	}{ConnectedDevices: result})
}

// parseDeviceIDsParam accepts both repeated ?device_id=a&device_id=b and a
// single comma-separated ?device_id=a,b, matching the original's lenience.
func parseDeviceIDsParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Run starts the HTTP listener and blocks until ctx is canceled, at which
// point it shuts the listener down gracefully. It mirrors the teacher's
// listener-goroutine-plus-signal-channel shutdown shape, expressed with
// errgroup instead of a bespoke signal-select loop.
func Run(ctx context.Context, cfg config.Config, srv *Server) error {
	httpServer := &http.Server{
		Addr:         cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived.
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("relay listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("relay shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
