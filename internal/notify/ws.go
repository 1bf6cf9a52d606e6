package notify

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrNoSession is returned when the driver has no live websocket.
var ErrNoSession = errors.New("notify: no ws session")

// WSSession is one connected driver app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(notice OfferNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(notice)
}

// WSRegistry holds driver websocket sessions keyed by driver id and pushes
// offer notices over them.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
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

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok {
		_ = s.conn.Close()
		delete(r.sessions, driverID)
	}
}

func (r *WSRegistry) OfferToDriver(driverID string, notice OfferNotice) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(notice); err != nil {
		r.logger.Warn("ws send failed", "driver_id", driverID, "error", err)
		r.Remove(driverID)
		return err
	}
	return nil
}
