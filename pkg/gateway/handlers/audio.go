package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/wwbp/chatengine/pkg/blob"
	"github.com/wwbp/chatengine/pkg/core"
	"github.com/wwbp/chatengine/pkg/engine"
	"github.com/wwbp/chatengine/pkg/gateway/config"
	"github.com/wwbp/chatengine/pkg/gateway/group"
	"github.com/wwbp/chatengine/pkg/moderation"
	"github.com/wwbp/chatengine/pkg/store"
	"github.com/wwbp/chatengine/pkg/voice"
	"github.com/wwbp/chatengine/pkg/voice/stt"
	"github.com/wwbp/chatengine/pkg/voice/tts"
)

const inboundAudioMIME = "audio/webm"

// unheardReply is spoken back when recognition yields nothing usable. The
// exchange is not persisted; the user said nothing we could record.
const unheardReply = "Sorry, I didn't catch that. Could you say it again?"

// AudioHandler handles /ws/audio/{session_id} spoken conversations. Binary
// frames carry recorded user audio in; text frames carry the protocol events
// and transcripts out, with synthesized reply audio interleaved as binary
// frames in sentence order.
type AudioHandler struct {
	Config      config.Config
	Engine      ConversationEngine
	Store       SessionStore
	Gate        Moderator
	Groups      *group.Registry
	Transcriber stt.Transcriber
	Synth       tts.Synthesizer
	Blobs       blob.Store
	Logger      *slog.Logger

	// NewBatcher supplies the token batching strategy per exchange. Nil means
	// English sentence batching.
	NewBatcher func() voice.Batcher
}

func (h AudioHandler) newBatcher() voice.Batcher {
	if h.NewBatcher != nil {
		return h.NewBatcher()
	}
	return voice.NewSentenceBatcher()
}

// transcriptFrame echoes the recognized user text so clients can render it.
type transcriptFrame struct {
	MessageID  int64  `json:"message_id"`
	Transcript string `json:"transcript"`
}

type audioInbound struct {
	MessageID int64 `json:"message_id"`
}

func (h AudioHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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
	conn.SetReadLimit(h.Config.MaxAudioMessageBytes)

	logger := h.Logger.With("session_id", sessionID, "channel", "audio")

	if _, err := h.Store.EnsureSession(r.Context(), sessionID); err != nil {
		logger.Error("ensuring session", "error", err)
		return
	}

	conv, err := h.Engine.Resolve(r.Context(), sessionID)
	if err != nil {
		logger.Error("resolving conversation", "error", err)
		return
	}

	g, member := h.Groups.Join(sessionID)
	defer h.Groups.Leave(sessionID, member)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writeLoop(conn, member, h.Config.WSPingInterval, h.Config.WSWriteTimeout, logger)
	}()

	detached := context.WithoutCancel(r.Context())

	// A client may pin the id for its next recording; zero means the
	// conversation allocates one.
	var pinnedID int64

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		switch messageType {
		case websocket.TextMessage:
			var in audioInbound
			if err := json.Unmarshal(data, &in); err != nil {
				logger.Warn("discarding malformed frame", "error", err)
				continue
			}
			pinnedID = in.MessageID
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			audio := make([]byte, len(data))
			copy(audio, data)
			id := pinnedID
			pinnedID = 0
			go h.exchange(detached, conv, g, audio, id, logger)
		}
	}

	conn.Close()
	<-writerDone
}

// exchange runs one spoken turn: recognition, moderation, the streamed
// generation with sentence-batched synthesis, and persistence of both sides
// plus the audio artifacts.
func (h AudioHandler) exchange(ctx context.Context, conv *engine.Conversation, g *group.Group, audio []byte, pinnedID int64, logger *slog.Logger) {
	transcript, err := h.Transcriber.Transcribe(ctx, audio, inboundAudioMIME)
	if err != nil {
		var empty *core.TranscriptionEmptyError
		if errors.As(err, &empty) {
			logger.Debug("no speech recognized")
		} else {
			logger.Error("transcription failed", "error", err)
		}
		transcript = ""
	}
	if transcript == "" {
		h.speakReply(ctx, g, conv.NextMessageID(), unheardReply, logger)
		return
	}

	messageID := pinnedID
	if messageID == 0 {
		messageID = conv.NextMessageID()
	}

	var userAudioKey *string
	if key, ok := h.putAudio(ctx, conv, messageID, "user", "webm", inboundAudioMIME, audio, logger); ok {
		userAudioKey = &key
	}
	if err := h.Store.SaveTranscript(ctx, store.SaveTranscriptParams{
		SessionID:   conv.SessionID,
		MessageID:   messageID,
		UserMessage: strPtr(transcript),
		HasAudio:    userAudioKey != nil,
		AudioKey:    userAudioKey,
	}); err != nil {
		logger.Error("saving user transcript", "message_id", messageID, "error", err)
	}

	g.BroadcastJSON(transcriptFrame{MessageID: messageID, Transcript: transcript})

	if res := h.Gate.Check(ctx, transcript); res.Flagged {
		logger.Info("message blocked", "message_id", messageID, "category", res.Category)
		broadcastBlockedReply(g, messageID)
		h.speakAndSaveBot(ctx, conv, g, messageID, moderation.BlockedReply, logger)
		return
	}

	if err := h.Engine.SubmitUserMessage(ctx, conv, transcript); err != nil {
		logger.Error("submitting user message", "message_id", messageID, "error", err)
		g.BroadcastJSON(errorFrame{Error: "assistant unavailable"})
		return
	}

	var botAudio bytes.Buffer
	speaker := voice.NewSpeaker(h.Synth, func(chunk core.AudioChunk) {
		g.BroadcastBinary(chunk.Data)
		botAudio.Write(chunk.Data)
	}, logger)
	speaker.Start(ctx)

	batcher := h.newBatcher()
	ex, err := h.Engine.StreamResponse(ctx, conv, messageID, func(ev core.StreamEvent) {
		broadcastEvent(g, ev)
		if ev.Kind == core.EventToken {
			if segment, ok := batcher.Push(ev.Value); ok {
				speaker.Speak(ctx, messageID, voice.StripForSpeech(segment))
			}
		}
	})
	if err != nil {
		logger.Error("run failed", "message_id", messageID, "error", err)
	}
	if segment, ok := batcher.Flush(); ok {
		speaker.Speak(ctx, messageID, voice.StripForSpeech(segment))
	}
	speaker.Close()

	if ex == nil || ex.BotText == "" {
		return
	}

	var audioKey *string
	if botAudio.Len() > 0 {
		if key, ok := h.putAudio(ctx, conv, messageID, "bot", "mp3", "audio/mpeg", botAudio.Bytes(), logger); ok {
			audioKey = &key
		}
	}
	if err := h.Store.SaveTranscript(ctx, store.SaveTranscriptParams{
		SessionID:  conv.SessionID,
		MessageID:  messageID,
		BotMessage: strPtr(ex.BotText),
		HasAudio:   audioKey != nil,
		AudioKey:   audioKey,
	}); err != nil {
		logger.Error("saving bot transcript", "message_id", messageID, "error", err)
	}
}

// speakReply delivers a canned spoken response framed as a complete protocol
// exchange.
func (h AudioHandler) speakReply(ctx context.Context, g *group.Group, messageID int64, text string, logger *slog.Logger) {
	g.BroadcastJSON(streamFrame{MessageID: messageID, Event: wireParserStart})
	g.BroadcastJSON(streamFrame{MessageID: messageID, Event: wireParserStream, Value: text})
	if data, err := h.Synth.Synthesize(ctx, voice.StripForSpeech(text)); err != nil {
		logger.Error("synthesizing reply", "message_id", messageID, "error", err)
	} else {
		g.BroadcastBinary(data)
	}
	g.BroadcastJSON(streamFrame{MessageID: messageID, Event: wireParserEnd})
}

// speakAndSaveBot synthesizes a fixed bot reply, broadcasts the audio, and
// persists the bot side with its artifact.
func (h AudioHandler) speakAndSaveBot(ctx context.Context, conv *engine.Conversation, g *group.Group, messageID int64, text string, logger *slog.Logger) {
	var audioKey *string
	if data, err := h.Synth.Synthesize(ctx, voice.StripForSpeech(text)); err != nil {
		logger.Error("synthesizing reply", "message_id", messageID, "error", err)
	} else {
		g.BroadcastBinary(data)
		if key, ok := h.putAudio(ctx, conv, messageID, "bot", "mp3", "audio/mpeg", data, logger); ok {
			audioKey = &key
		}
	}
	if err := h.Store.SaveTranscript(ctx, store.SaveTranscriptParams{
		SessionID:  conv.SessionID,
		MessageID:  messageID,
		BotMessage: strPtr(text),
		HasAudio:   audioKey != nil,
		AudioKey:   audioKey,
	}); err != nil {
		logger.Error("saving bot transcript", "message_id", messageID, "error", err)
	}
}

// putAudio uploads an audio artifact. Uploads are best effort; the exchange
// proceeds without the artifact on failure or when storage is disabled.
func (h AudioHandler) putAudio(ctx context.Context, conv *engine.Conversation, messageID int64, side, ext, contentType string, data []byte, logger *slog.Logger) (string, bool) {
	if h.Blobs == nil {
		return "", false
	}
	key := fmt.Sprintf("%s/%d-%s.%s", conv.SessionID, messageID, side, ext)
	if err := h.Blobs.Put(ctx, key, data, contentType); err != nil {
		logger.Error("uploading audio artifact", "message_id", messageID, "key", key, "error", err)
		return "", false
	}
	return key, true
}
