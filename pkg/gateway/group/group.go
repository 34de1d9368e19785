// Package group fans session-scoped frames out to every websocket connection
// joined to the session. A browser tab and a voice client on the same session
// both observe the full exchange.
package group

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Frame is one outbound websocket message.
type Frame struct {
	Type int // websocket.TextMessage or websocket.BinaryMessage
	Data []byte
}

const memberBuffer = 256

// Member is one connection's outbound queue. The connection's writer
// goroutine drains Frames until the member leaves.
type Member struct {
	frames chan Frame
	once   sync.Once
}

// Frames is the member's outbound queue.
func (m *Member) Frames() <-chan Frame { return m.frames }

func (m *Member) close() {
	m.once.Do(func() { close(m.frames) })
}

// Group is the set of members on one session.
type Group struct {
	sessionID uuid.UUID
	logger    *slog.Logger

	mu      sync.Mutex
	members map[*Member]struct{}
}

// Broadcast queues the frame on every member. A member whose queue is full is
// dropped from the group; a stalled consumer must not stall the session.
func (g *Group) Broadcast(frame Frame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for m := range g.members {
		select {
		case m.frames <- frame:
		default:
			g.logger.Warn("dropping slow group member", "session_id", g.sessionID)
			delete(g.members, m)
			m.close()
		}
	}
}

// BroadcastJSON marshals v and broadcasts it as a text frame.
func (g *Group) BroadcastJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("marshaling group frame", "session_id", g.sessionID, "error", err)
		return
	}
	g.Broadcast(Frame{Type: websocket.TextMessage, Data: data})
}

// BroadcastBinary broadcasts raw bytes as a binary frame.
func (g *Group) BroadcastBinary(data []byte) {
	g.Broadcast(Frame{Type: websocket.BinaryMessage, Data: data})
}

// Registry maps session ids to their groups.
type Registry struct {
	logger *slog.Logger

	mu     sync.Mutex
	groups map[uuid.UUID]*Group
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, groups: make(map[uuid.UUID]*Group)}
}

// Join adds a new member to the session's group, creating the group on first
// join.
func (r *Registry) Join(sessionID uuid.UUID) (*Group, *Member) {
	r.mu.Lock()
	g, ok := r.groups[sessionID]
	if !ok {
		g = &Group{
			sessionID: sessionID,
			logger:    r.logger,
			members:   make(map[*Member]struct{}),
		}
		r.groups[sessionID] = g
	}
	r.mu.Unlock()

	m := &Member{frames: make(chan Frame, memberBuffer)}
	g.mu.Lock()
	g.members[m] = struct{}{}
	g.mu.Unlock()
	return g, m
}

// Leave removes the member and closes its queue. An empty group is removed
// from the registry.
func (r *Registry) Leave(sessionID uuid.UUID, m *Member) {
	r.mu.Lock()
	g, ok := r.groups[sessionID]
	r.mu.Unlock()
	if !ok {
		m.close()
		return
	}

	g.mu.Lock()
	delete(g.members, m)
	empty := len(g.members) == 0
	g.mu.Unlock()
	m.close()

	if empty {
		r.mu.Lock()
		if g2, ok := r.groups[sessionID]; ok && g2 == g {
			g.mu.Lock()
			if len(g.members) == 0 {
				delete(r.groups, sessionID)
			}
			g.mu.Unlock()
		}
		r.mu.Unlock()
	}
}
