package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

type wsConn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// WSSession represents a connected operator feed.
type WSSession struct {
	conn wsConn
	mu   sync.Mutex
}

func (s *WSSession) Send(o models.MatchOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(o)
}

// WSRegistry broadcasts outcomes to every connected watcher.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(id string, conn *websocket.Conn) {
	r.add(id, conn)
}

func (r *WSRegistry) add(id string, conn wsConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		_ = s.conn.Close()
	}
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Publish sends o to all sessions. Sessions that fail to write are dropped.
func (r *WSRegistry) Publish(_ context.Context, o models.MatchOutcome) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	sessions := make([]*WSSession, 0, len(r.sessions))
	for id, s := range r.sessions {
		ids = append(ids, id)
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var errs []error
	for i, s := range sessions {
		if err := s.Send(o); err != nil {
			r.Remove(ids[i])
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
