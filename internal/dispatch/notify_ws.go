package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNoSession means the driver has no live connection to receive offers.
var ErrNoSession = errors.New("no driver session")

// Notifier delivers offers to candidate drivers. Revoke is a best-effort
// notice that an outstanding offer is void; a driver who never sees it and
// accepts late is rejected at the accept path anyway.
type Notifier interface {
	Offer(driverID string, offer models.Offer) error
	Revoke(driverID, rideID string)
}

type wsEnvelope struct {
	Kind   string        `json:"kind"` // "offer" | "revoke"
	Offer  *models.Offer `json:"offer,omitempty"`
	RideID string        `json:"ride_id,omitempty"`
}

// WSSession is one connected driver. Writes are serialized per connection.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(env wsEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

// WSRegistry holds driver sessions and implements Notifier over them.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[driverID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[driverID] = &WSSession{conn: conn}
}

// Remove drops the driver's session only if it still owns conn. A reader
// noticing the close of a connection that Add already replaced must not
// tear down the replacement.
func (r *WSRegistry) Remove(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[driverID]
	if !ok || s.conn != conn {
		return
	}
	_ = s.conn.Close()
	delete(r.sessions, driverID)
}

func (r *WSRegistry) session(driverID string) (*WSSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[driverID]
	return s, ok
}

func (r *WSRegistry) Offer(driverID string, offer models.Offer) error {
	s, ok := r.session(driverID)
	if !ok {
		return ErrNoSession
	}
	if err := s.send(wsEnvelope{Kind: "offer", Offer: &offer}); err != nil {
		r.logger.Warn("ws offer send failed", "driver_id", driverID, "error", err)
		return err
	}
	return nil
}

func (r *WSRegistry) Revoke(driverID, rideID string) {
	s, ok := r.session(driverID)
	if !ok {
		return
	}
	if err := s.send(wsEnvelope{Kind: "revoke", RideID: rideID}); err != nil {
		r.logger.Warn("ws revoke send failed", "driver_id", driverID, "error", err)
	}
}
