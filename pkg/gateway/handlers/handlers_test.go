package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wwbp/chatengine/pkg/core"
	"github.com/wwbp/chatengine/pkg/engine"
	"github.com/wwbp/chatengine/pkg/gateway/config"
	"github.com/wwbp/chatengine/pkg/moderation"
	"github.com/wwbp/chatengine/pkg/store"
)

func testConfig() config.Config {
	return config.Config{
		WSPingInterval:       30 * time.Second,
		WSWriteTimeout:       5 * time.Second,
		MaxTextMessageBytes:  64 << 10,
		MaxAudioMessageBytes: 16 << 20,
	}
}

// fakeEngine scripts token streams keyed by submitted user text.
type fakeEngine struct {
	mu        sync.Mutex
	conv      *engine.Conversation
	submitted []string
	tokens    map[string][]string
	botText   map[string]string
	lastText  string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		tokens:  map[string][]string{},
		botText: map[string]string{},
	}
}

func (e *fakeEngine) script(userText string, tokens ...string) {
	e.tokens[userText] = tokens
	e.botText[userText] = strings.Join(tokens, "")
}

func (e *fakeEngine) Resolve(ctx context.Context, sessionID uuid.UUID) (*engine.Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conv == nil {
		e.conv = &engine.Conversation{SessionID: sessionID, AssistantID: "asst_1", ThreadID: "thread_1"}
	}
	return e.conv, nil
}

func (e *fakeEngine) SubmitUserMessage(ctx context.Context, conv *engine.Conversation, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitted = append(e.submitted, text)
	e.lastText = text
	return nil
}

func (e *fakeEngine) StreamResponse(ctx context.Context, conv *engine.Conversation, messageID int64, emit engine.EmitFunc) (*engine.Exchange, error) {
	e.mu.Lock()
	text := e.lastText
	tokens := e.tokens[text]
	bot := e.botText[text]
	e.mu.Unlock()

	emit(core.StreamEvent{MessageID: messageID, Kind: core.EventStart})
	for _, tok := range tokens {
		emit(core.StreamEvent{MessageID: messageID, Kind: core.EventToken, Value: tok})
	}
	emit(core.StreamEvent{MessageID: messageID, Kind: core.EventEnd})
	return &engine.Exchange{MessageID: messageID, BotText: bot}, nil
}

// fakeStore records transcript writes in memory.
type fakeStore struct {
	mu          sync.Mutex
	greetingWon bool
	saved       []store.SaveTranscriptParams
}

func (s *fakeStore) EnsureSession(ctx context.Context, id uuid.UUID) (store.Session, error) {
	return store.Session{ID: id}, nil
}

func (s *fakeStore) ClaimGreeting(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	won := s.greetingWon
	s.greetingWon = false
	return won, nil
}

func (s *fakeStore) SaveTranscript(ctx context.Context, p store.SaveTranscriptParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, p)
	return nil
}

func (s *fakeStore) savedParams() []store.SaveTranscriptParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.SaveTranscriptParams, len(s.saved))
	copy(out, s.saved)
	return out
}

type fakeGate struct {
	flagged bool
}

func (g fakeGate) Check(ctx context.Context, text string) moderation.Result {
	if g.flagged {
		return moderation.Result{Flagged: true, Category: "harassment"}
	}
	return moderation.Result{}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls until cond holds or the deadline passes. Persistence runs on
// the exchange goroutine, so assertions on store writes need a grace period.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func wsURL(t *testing.T, srv *httptest.Server, path string) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(t, srv, path), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrames collects frames until an on_parser_end arrives or the deadline
// passes. Ping frames are dropped.
func readFrames(t *testing.T, conn *websocket.Conn) (texts []streamFrame, binaries [][]byte, transcripts []transcriptFrame) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (frames so far: %v)", err, texts)
		}
		if messageType == websocket.BinaryMessage {
			binaries = append(binaries, data)
			continue
		}

		var probe map[string]json.RawMessage
		if err := json.Unmarshal(data, &probe); err != nil {
			t.Fatalf("unmarshal frame %q: %v", data, err)
		}
		if _, ok := probe["type"]; ok {
			continue // ping
		}
		if _, ok := probe["transcript"]; ok {
			var tf transcriptFrame
			json.Unmarshal(data, &tf)
			transcripts = append(transcripts, tf)
			continue
		}

		var sf streamFrame
		if err := json.Unmarshal(data, &sf); err != nil {
			t.Fatalf("unmarshal stream frame %q: %v", data, err)
		}
		texts = append(texts, sf)
		if sf.Event == wireParserEnd {
			return texts, binaries, transcripts
		}
	}
}

func requireProtocolOrder(t *testing.T, frames []streamFrame, wantText string) int64 {
	t.Helper()
	if len(frames) < 2 {
		t.Fatalf("frames = %v, want at least start and end", frames)
	}
	if frames[0].Event != wireParserStart {
		t.Fatalf("first frame = %+v, want %s", frames[0], wireParserStart)
	}
	if frames[len(frames)-1].Event != wireParserEnd {
		t.Fatalf("last frame = %+v, want %s", frames[len(frames)-1], wireParserEnd)
	}

	var b strings.Builder
	id := frames[0].MessageID
	for _, f := range frames {
		if f.MessageID != id {
			t.Fatalf("mixed message ids in %v", frames)
		}
		if f.Event == wireParserStream {
			b.WriteString(f.Value)
		}
	}
	if b.String() != wantText {
		t.Fatalf("streamed text = %q, want %q", b.String(), wantText)
	}
	return id
}
