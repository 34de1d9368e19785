package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wwbp/chatengine/pkg/core"
	"github.com/wwbp/chatengine/pkg/engine"
	"github.com/wwbp/chatengine/pkg/gateway/config"
	"github.com/wwbp/chatengine/pkg/gateway/group"
	"github.com/wwbp/chatengine/pkg/moderation"
	"github.com/wwbp/chatengine/pkg/store"
)

// ChatHandler handles /ws/chat/{session_id} text conversations.
type ChatHandler struct {
	Config config.Config
	Engine ConversationEngine
	Store  SessionStore
	Gate   Moderator
	Groups *group.Registry
	Logger *slog.Logger
}

type chatInbound struct {
	Message string `json:"message"`
}

func (h ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDFromRequest(r)
	if err != nil {
		http.Error(w, "session_id must be a UUID", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.Config.MaxTextMessageBytes)

	logger := h.Logger.With("session_id", sessionID, "channel", "chat")

	if _, err := h.Store.EnsureSession(r.Context(), sessionID); err != nil {
		logger.Error("ensuring session", "error", err)
		h.closeWithError(conn, "session unavailable")
		return
	}

	conv, err := h.Engine.Resolve(r.Context(), sessionID)
	if err != nil {
		var pe *core.ProvisioningError
		if errors.As(err, &pe) {
			logger.Error("provisioning failed", "error", err)
		} else {
			logger.Error("resolving conversation", "error", err)
		}
		h.closeWithError(conn, "assistant unavailable")
		return
	}

	g, member := h.Groups.Join(sessionID)
	defer h.Groups.Leave(sessionID, member)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writeLoop(conn, member, h.Config.WSPingInterval, h.Config.WSWriteTimeout, logger)
	}()

	// Runs outlive the connection that started them so a mid-generation
	// disconnect still completes and persists the exchange.
	detached := context.WithoutCancel(r.Context())

	h.maybeGreet(detached, conv, g, logger)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var in chatInbound
		if err := json.Unmarshal(data, &in); err != nil {
			logger.Warn("discarding malformed frame", "error", err)
			continue
		}
		text := strings.TrimSpace(in.Message)
		if text == "" {
			continue
		}

		go h.exchange(detached, conv, g, text, logger)
	}

	conn.Close()
	<-writerDone
}

// maybeGreet submits the greeting prompt the first time any connection opens
// on the session. The store claim makes the greeting race-safe across
// simultaneous connects.
func (h ChatHandler) maybeGreet(ctx context.Context, conv *engine.Conversation, g *group.Group, logger *slog.Logger) {
	won, err := h.Store.ClaimGreeting(ctx, conv.SessionID)
	if err != nil {
		logger.Error("claiming greeting", "error", err)
		return
	}
	if !won {
		return
	}

	go func() {
		messageID := conv.NextMessageID()
		if err := h.Engine.SubmitUserMessage(ctx, conv, greetingPrompt); err != nil {
			logger.Error("submitting greeting", "error", err)
			return
		}
		ex, err := h.Engine.StreamResponse(ctx, conv, messageID, func(ev core.StreamEvent) {
			broadcastEvent(g, ev)
		})
		if err != nil {
			logger.Error("greeting run failed", "message_id", messageID, "error", err)
		}
		if ex != nil && ex.BotText != "" {
			h.saveBotSide(ctx, conv.SessionID, messageID, ex.BotText, logger)
		}
	}()
}

// exchange runs one full user turn: moderation, persistence of the user side,
// the streamed generation, and persistence of the reply.
func (h ChatHandler) exchange(ctx context.Context, conv *engine.Conversation, g *group.Group, text string, logger *slog.Logger) {
	messageID := conv.NextMessageID()

	if res := h.Gate.Check(ctx, text); res.Flagged {
		logger.Info("message blocked", "message_id", messageID, "category", res.Category)
		h.saveExchange(ctx, conv.SessionID, messageID, text, moderation.BlockedReply, logger)
		broadcastBlockedReply(g, messageID)
		return
	}

	if err := h.Store.SaveTranscript(ctx, store.SaveTranscriptParams{
		SessionID:   conv.SessionID,
		MessageID:   messageID,
		UserMessage: strPtr(text),
	}); err != nil {
		logger.Error("saving user message", "message_id", messageID, "error", err)
	}

	if err := h.Engine.SubmitUserMessage(ctx, conv, text); err != nil {
		logger.Error("submitting user message", "message_id", messageID, "error", err)
		g.BroadcastJSON(errorFrame{Error: "assistant unavailable"})
		return
	}

	ex, err := h.Engine.StreamResponse(ctx, conv, messageID, func(ev core.StreamEvent) {
		broadcastEvent(g, ev)
	})
	if err != nil {
		logger.Error("run failed", "message_id", messageID, "error", err)
	}
	if ex != nil && ex.BotText != "" {
		h.saveBotSide(ctx, conv.SessionID, messageID, ex.BotText, logger)
	}
}

func (h ChatHandler) saveBotSide(ctx context.Context, sessionID uuid.UUID, messageID int64, botText string, logger *slog.Logger) {
	if err := h.Store.SaveTranscript(ctx, store.SaveTranscriptParams{
		SessionID:  sessionID,
		MessageID:  messageID,
		BotMessage: strPtr(botText),
	}); err != nil {
		logger.Error("saving bot message", "message_id", messageID, "error", err)
	}
}

func (h ChatHandler) saveExchange(ctx context.Context, sessionID uuid.UUID, messageID int64, userText, botText string, logger *slog.Logger) {
	if err := h.Store.SaveTranscript(ctx, store.SaveTranscriptParams{
		SessionID:   sessionID,
		MessageID:   messageID,
		UserMessage: strPtr(userText),
		BotMessage:  strPtr(botText),
	}); err != nil {
		logger.Error("saving exchange", "message_id", messageID, "error", err)
	}
}

func (h ChatHandler) closeWithError(conn *websocket.Conn, msg string) {
	data, _ := json.Marshal(errorFrame{Error: msg})
	conn.WriteMessage(websocket.TextMessage, data)
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, msg))
}
