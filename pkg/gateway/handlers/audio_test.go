package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wwbp/chatengine/pkg/blob"
	"github.com/wwbp/chatengine/pkg/core"
	"github.com/wwbp/chatengine/pkg/gateway/group"
	"github.com/wwbp/chatengine/pkg/moderation"
)

type fakeTranscriber struct {
	text string
	err  error
}

func (f fakeTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	return f.text, f.err
}

type fakeSynth struct{}

func (fakeSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return []byte("audio:" + text), nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *fakeBlobs) Put(ctx context.Context, key string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = map[string][]byte{}
	}
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (b *fakeBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (b *fakeBlobs) keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.objects))
	for k := range b.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func newAudioServer(t *testing.T, eng *fakeEngine, st *fakeStore, gate fakeGate, tr fakeTranscriber, blobs blob.Store) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws/audio/{session_id}", AudioHandler{
		Config:      testConfig(),
		Engine:      eng,
		Store:       st,
		Gate:        gate,
		Groups:      group.NewRegistry(nil),
		Transcriber: tr,
		Synth:       fakeSynth{},
		Blobs:       blobs,
		Logger:      testLogger(),
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAudioExchange(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	eng.script("What is rain?", "Rain is water. ", "It falls.")
	st := &fakeStore{}
	srv := newAudioServer(t, eng, st, fakeGate{}, fakeTranscriber{text: "What is rain?"}, nil)

	conn := dial(t, srv, "/ws/audio/"+uuid.New().String())
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("webm-bytes")); err != nil {
		t.Fatalf("write: %v", err)
	}

	frames, binaries, transcripts := readFrames(t, conn)
	requireProtocolOrder(t, frames, "Rain is water. It falls.")

	if len(transcripts) != 1 || transcripts[0].Transcript != "What is rain?" {
		t.Fatalf("transcripts = %v", transcripts)
	}

	// Sentence batching produces one synthesized chunk per flushed segment,
	// delivered in order. The trailing segment flushes when the run ends.
	waitFor(t, func() bool { return len(st.savedParams()) == 2 })
	if len(binaries) == 0 {
		// Synthesized audio may trail the end frame; drain what remains.
		conn.SetReadDeadline(time.Now().Add(time.Second))
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if mt == websocket.BinaryMessage {
				binaries = append(binaries, data)
			}
		}
	}
	if len(binaries) == 0 {
		t.Fatal("expected synthesized audio chunks")
	}
	for _, chunk := range binaries {
		if !strings.HasPrefix(string(chunk), "audio:") {
			t.Fatalf("chunk = %q", chunk)
		}
	}

	saved := st.savedParams()
	if saved[0].UserMessage == nil || *saved[0].UserMessage != "What is rain?" {
		t.Fatalf("first save = %+v", saved[0])
	}
	if saved[1].BotMessage == nil || *saved[1].BotMessage != "Rain is water. It falls." {
		t.Fatalf("second save = %+v", saved[1])
	}
}

func TestAudioUnheardSpeaksApology(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	st := &fakeStore{}
	srv := newAudioServer(t, eng, st, fakeGate{}, fakeTranscriber{err: &core.TranscriptionEmptyError{}}, nil)

	conn := dial(t, srv, "/ws/audio/"+uuid.New().String())
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("silence")); err != nil {
		t.Fatalf("write: %v", err)
	}

	frames, binaries, _ := readFrames(t, conn)
	requireProtocolOrder(t, frames, unheardReply)

	if len(binaries) != 1 {
		t.Fatalf("binaries = %d, want one spoken apology", len(binaries))
	}

	eng.mu.Lock()
	submitted := len(eng.submitted)
	eng.mu.Unlock()
	if submitted != 0 {
		t.Fatal("nothing recognized, nothing must reach the engine")
	}
	if len(st.savedParams()) != 0 {
		t.Fatalf("saved = %v, want unheard turns unrecorded", st.savedParams())
	}
}

func TestAudioModerationBlocks(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	st := &fakeStore{}
	srv := newAudioServer(t, eng, st, fakeGate{flagged: true}, fakeTranscriber{text: "something awful"}, nil)

	conn := dial(t, srv, "/ws/audio/"+uuid.New().String())
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("webm-bytes")); err != nil {
		t.Fatalf("write: %v", err)
	}

	frames, _, transcripts := readFrames(t, conn)
	requireProtocolOrder(t, frames, moderation.BlockedReply)
	if len(transcripts) != 1 {
		t.Fatalf("transcripts = %v, want recognized text echoed before the block", transcripts)
	}

	waitFor(t, func() bool { return len(st.savedParams()) == 2 })
	saved := st.savedParams()
	if saved[0].UserMessage == nil || *saved[0].UserMessage != "something awful" {
		t.Fatalf("first save = %+v", saved[0])
	}
	if saved[1].BotMessage == nil || *saved[1].BotMessage != moderation.BlockedReply {
		t.Fatalf("second save = %+v", saved[1])
	}
}

func TestAudioPinnedMessageID(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	eng.script("Hi", "Hello!")
	st := &fakeStore{}
	srv := newAudioServer(t, eng, st, fakeGate{}, fakeTranscriber{text: "Hi"}, nil)

	conn := dial(t, srv, "/ws/audio/"+uuid.New().String())
	conn.WriteMessage(websocket.TextMessage, mustJSON(map[string]int64{"message_id": 42}))
	conn.WriteMessage(websocket.BinaryMessage, []byte("webm-bytes"))

	frames, _, transcripts := readFrames(t, conn)
	id := requireProtocolOrder(t, frames, "Hello!")
	if id != 42 {
		t.Fatalf("message id = %d, want pinned 42", id)
	}
	if len(transcripts) != 1 || transcripts[0].MessageID != 42 {
		t.Fatalf("transcripts = %v", transcripts)
	}
}

func TestAudioUserArtifactRecorded(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	eng.script("Hi", "Hello!")
	st := &fakeStore{}
	blobs := &fakeBlobs{}
	srv := newAudioServer(t, eng, st, fakeGate{}, fakeTranscriber{text: "Hi"}, blobs)

	sessionID := uuid.New()
	conn := dial(t, srv, "/ws/audio/"+sessionID.String())
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("webm-bytes")); err != nil {
		t.Fatalf("write: %v", err)
	}

	frames, _, _ := readFrames(t, conn)
	id := requireProtocolOrder(t, frames, "Hello!")

	waitFor(t, func() bool { return len(st.savedParams()) == 2 })
	saved := st.savedParams()

	userKey := fmt.Sprintf("%s/%d-user.webm", sessionID, id)
	if !saved[0].HasAudio || saved[0].AudioKey == nil || *saved[0].AudioKey != userKey {
		t.Fatalf("user save = %+v, want audio artifact %q recorded", saved[0], userKey)
	}

	botKey := fmt.Sprintf("%s/%d-bot.mp3", sessionID, id)
	waitFor(t, func() bool { return len(blobs.keys()) == 2 })
	keys := blobs.keys()
	if keys[0] != botKey || keys[1] != userKey {
		t.Fatalf("stored keys = %v, want %q and %q", keys, botKey, userKey)
	}
	if !saved[1].HasAudio || saved[1].AudioKey == nil || *saved[1].AudioKey != botKey {
		t.Fatalf("bot save = %+v, want audio artifact %q recorded", saved[1], botKey)
	}

	data, err := blobs.Get(context.Background(), userKey)
	if err != nil || string(data) != "webm-bytes" {
		t.Fatalf("Get(%q) = %q, %v", userKey, data, err)
	}
}
