// Package handlers implements the websocket endpoints: /ws/chat for text
// conversations and /ws/audio for spoken ones. Both speak the same
// start/token/end frame protocol and share session state through the engine
// and group registries.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wwbp/chatengine/pkg/core"
	"github.com/wwbp/chatengine/pkg/engine"
	"github.com/wwbp/chatengine/pkg/gateway/group"
	"github.com/wwbp/chatengine/pkg/moderation"
	"github.com/wwbp/chatengine/pkg/store"
)

// Wire event names for the streamed response protocol.
const (
	wireParserStart  = "on_parser_start"
	wireParserStream = "on_parser_stream"
	wireParserEnd    = "on_parser_end"
)

// greetingPrompt seeds the assistant's opening message. It is sent to the
// thread once per session and never persisted as a user message.
const greetingPrompt = "Begin the conversation."

// streamFrame is one outbound protocol event.
type streamFrame struct {
	MessageID int64  `json:"message_id"`
	Event     string `json:"event"`
	Value     string `json:"value,omitempty"`
}

type pingFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// ConversationEngine is the slice of the engine the handlers need.
type ConversationEngine interface {
	Resolve(ctx context.Context, sessionID uuid.UUID) (*engine.Conversation, error)
	SubmitUserMessage(ctx context.Context, conv *engine.Conversation, text string) error
	StreamResponse(ctx context.Context, conv *engine.Conversation, messageID int64, emit engine.EmitFunc) (*engine.Exchange, error)
}

// SessionStore is the slice of the store the handlers need.
type SessionStore interface {
	EnsureSession(ctx context.Context, id uuid.UUID) (store.Session, error)
	ClaimGreeting(ctx context.Context, id uuid.UUID) (bool, error)
	SaveTranscript(ctx context.Context, p store.SaveTranscriptParams) error
}

// Moderator screens user text before it reaches the engine.
type Moderator interface {
	Check(ctx context.Context, text string) moderation.Result
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func sessionIDFromRequest(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("session_id"))
}

// writeLoop is the single writer for a connection. It drains the member's
// group queue and keeps the connection alive with periodic pings. All writes
// go through here; gorilla connections allow one concurrent writer.
func writeLoop(conn *websocket.Conn, m *group.Member, pingInterval, writeTimeout time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(pingFrame{Type: "ping"})
	for {
		select {
		case frame, ok := <-m.Frames():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(frame.Type, frame.Data); err != nil {
				logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

// broadcastEvent maps a normalized engine event onto the wire protocol and
// fans it out to the session group.
func broadcastEvent(g *group.Group, ev core.StreamEvent) {
	frame := streamFrame{MessageID: ev.MessageID}
	switch ev.Kind {
	case core.EventStart:
		frame.Event = wireParserStart
	case core.EventToken:
		frame.Event = wireParserStream
		frame.Value = ev.Value
	case core.EventEnd:
		frame.Event = wireParserEnd
	default:
		return
	}
	g.BroadcastJSON(frame)
}

// broadcastBlockedReply delivers the fixed moderation response through the
// normal protocol so clients need no special handling.
func broadcastBlockedReply(g *group.Group, messageID int64) {
	g.BroadcastJSON(streamFrame{MessageID: messageID, Event: wireParserStart})
	g.BroadcastJSON(streamFrame{MessageID: messageID, Event: wireParserStream, Value: moderation.BlockedReply})
	g.BroadcastJSON(streamFrame{MessageID: messageID, Event: wireParserEnd})
}

func strPtr(s string) *string { return &s }
