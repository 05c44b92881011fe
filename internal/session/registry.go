// Package session tracks live connections, the identity each one is bound
// to, and the rooms each one has joined.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eldtechnologies/pairchat/internal/models"
	"github.com/eldtechnologies/pairchat/internal/roomkey"
)

var (
	// ErrAlreadyBound is returned when a connection is rebound to a
	// different identity.
	ErrAlreadyBound = errors.New("connection already bound to another identity")

	// ErrNotBound is returned for connections that have not bound an
	// identity yet, or that have been unbound.
	ErrNotBound = errors.New("connection not bound")

	// ErrForbidden is returned when an identity is not one of the two
	// participants of a room.
	ErrForbidden = errors.New("identity not authorized for room")
)

// Handle is a live connection as seen by the registry and the router.
type Handle interface {
	ID() string
	// Deliver queues ev for the connection without blocking and reports
	// whether it was accepted.
	Deliver(ev models.Event) bool
}

// Registry is safe for concurrent use. Membership of each room has its own
// lock; the registry-wide locks only guard map lookups.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	roomsMu sync.Mutex
	rooms   map[string]*members
}

type session struct {
	handle   Handle
	identity string

	mu     sync.Mutex
	joined map[string]struct{}
	closed bool
}

type members struct {
	mu      sync.RWMutex
	handles map[string]Handle
	dead    bool // removed from Registry.rooms; callers must look it up again
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		rooms:    make(map[string]*members),
	}
}

// Bind registers h under identity. Binding the same identity again is a
// no-op.
func (r *Registry) Bind(h Handle, identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: empty identity", ErrNotBound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[h.ID()]; ok {
		if s.identity != identity {
			return ErrAlreadyBound
		}
		return nil
	}
	r.sessions[h.ID()] = &session{
		handle:   h,
		identity: identity,
		joined:   make(map[string]struct{}),
	}
	return nil
}

// Identity returns the identity bound to connID.
func (r *Registry) Identity(connID string) (string, error) {
	s, err := r.session(connID)
	if err != nil {
		return "", err
	}
	return s.identity, nil
}

func (r *Registry) session(connID string) (*session, error) {
	r.mu.RLock()
	s, ok := r.sessions[connID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotBound
	}
	return s, nil
}

// Authorize checks that identity is one of roomID's participants.
func Authorize(roomID, identity string) error {
	a, b, err := roomkey.Parse(roomID)
	if err != nil {
		return err
	}
	if identity != a && identity != b {
		return ErrForbidden
	}
	return nil
}

// Join adds connID to roomID. Only the two participants encoded in roomID
// may join; anything else fails without side effects.
func (r *Registry) Join(connID, roomID string) error {
	s, err := r.session(connID)
	if err != nil {
		return err
	}
	if err := Authorize(roomID, s.identity); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotBound
	}
	if _, ok := s.joined[roomID]; ok {
		return nil
	}

	for {
		m := r.roomOrCreate(roomID)
		m.mu.Lock()
		if m.dead {
			m.mu.Unlock()
			continue
		}
		m.handles[connID] = s.handle
		m.mu.Unlock()
		break
	}
	s.joined[roomID] = struct{}{}
	return nil
}

func (r *Registry) roomOrCreate(roomID string) *members {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	m, ok := r.rooms[roomID]
	if !ok {
		m = &members{handles: make(map[string]Handle)}
		r.rooms[roomID] = m
	}
	return m
}

// Leave removes connID from roomID. Leaving a room that was not joined is a
// no-op.
func (r *Registry) Leave(connID, roomID string) error {
	s, err := r.session(connID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.joined[roomID]; !ok {
		return nil
	}
	delete(s.joined, roomID)
	r.removeMember(roomID, connID)
	return nil
}

// Unbind drops the session and all of its memberships, returning the rooms
// it had joined. Unbinding an unknown connection returns nil.
func (r *Registry) Unbind(connID string) []string {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	delete(r.sessions, connID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	left := make([]string, 0, len(s.joined))
	for roomID := range s.joined {
		r.removeMember(roomID, connID)
		left = append(left, roomID)
	}
	s.joined = nil
	return left
}

func (r *Registry) removeMember(roomID, connID string) {
	r.roomsMu.Lock()
	m, ok := r.rooms[roomID]
	r.roomsMu.Unlock()
	if !ok {
		return
	}

	m.mu.Lock()
	delete(m.handles, connID)
	empty := len(m.handles) == 0
	m.mu.Unlock()
	if !empty {
		return
	}

	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.handles) == 0 && r.rooms[roomID] == m {
		m.dead = true
		delete(r.rooms, roomID)
	}
}

// MembersOf returns the connections currently joined to roomID.
func (r *Registry) MembersOf(roomID string) []Handle {
	r.roomsMu.Lock()
	m, ok := r.rooms[roomID]
	r.roomsMu.Unlock()
	if !ok {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	return out
}

// Stats reports the number of bound sessions and rooms with at least one
// joined session.
func (r *Registry) Stats() (sessions, rooms int) {
	r.mu.RLock()
	sessions = len(r.sessions)
	r.mu.RUnlock()

	r.roomsMu.Lock()
	rooms = len(r.rooms)
	r.roomsMu.Unlock()
	return sessions, rooms
}
