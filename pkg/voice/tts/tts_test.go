package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestElevenLabsSynthesize(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice123/stream" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("xi-api-key"); got != "key" {
			t.Errorf("xi-api-key = %q", got)
		}

		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["text"] != "hello world" {
			t.Errorf("text = %v", body["text"])
		}
		if body["model_id"] != elevenLabsModelID {
			t.Errorf("model_id = %v", body["model_id"])
		}
		settings, _ := body["voice_settings"].(map[string]any)
		if settings["stability"] != 0.5 || settings["similarity_boost"] != 0.8 {
			t.Errorf("voice_settings = %v", settings)
		}

		w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	p := NewElevenLabs("key", "voice123", nil).WithBaseURL(srv.URL)
	audio, err := p.Synthesize(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Synthesize error: %v", err)
	}
	if string(audio) != "mp3-bytes" {
		t.Fatalf("audio = %q", audio)
	}
}

func TestElevenLabsDefaultVoice(t *testing.T) {
	t.Parallel()
	p := NewElevenLabs("key", "  ", nil)
	if p.voiceID != defaultVoiceID {
		t.Fatalf("voiceID = %q, want default", p.voiceID)
	}
}

func TestElevenLabsErrorResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewElevenLabs("key", "v", nil).WithBaseURL(srv.URL)
	if _, err := p.Synthesize(context.Background(), "hi"); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}
