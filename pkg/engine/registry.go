package engine

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Conversation is the process-lifetime state for one session: the remote
// handles, the run lock serializing generations on the thread, and the
// monotonic message id counter shared by every connection on the session.
type Conversation struct {
	SessionID uuid.UUID

	resolveMu   sync.Mutex
	resolved    bool
	AssistantID string
	ThreadID    string

	// runMu serializes run starts locally so one session never races two
	// generations against the same remote thread.
	runMu sync.Mutex

	nextID atomic.Int64
}

// NextMessageID allocates the next exchange id for the session. The user
// message and the assistant reply of one exchange share the id.
func (c *Conversation) NextMessageID() int64 {
	return c.nextID.Add(1)
}

// Registry holds one Conversation per session for the process lifetime.
// Connections on the same session share the entry, which is what makes the
// run lock and the id counter effective across text and audio flows.
type Registry struct {
	mu    sync.Mutex
	convs map[uuid.UUID]*Conversation
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{convs: make(map[uuid.UUID]*Conversation)}
}

// Get returns the conversation for the session, creating an unresolved entry
// on first reference.
func (r *Registry) Get(sessionID uuid.UUID) *Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[sessionID]
	if !ok {
		conv = &Conversation{SessionID: sessionID}
		r.convs[sessionID] = conv
	}
	return conv
}
