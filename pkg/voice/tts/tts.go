// Package tts provides text-to-speech for outbound audio.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Synthesizer converts a text segment to audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

const (
	elevenLabsBaseURL = "https://api.elevenlabs.io"
	elevenLabsModelID = "eleven_multilingual_v2"
	defaultVoiceID    = "pNInz6obpgDQGcFmaJgB"
	defaultStability  = 0.5
	defaultSimilarity = 0.8
)

// ElevenLabsProvider synthesizes speech via the ElevenLabs streaming endpoint.
type ElevenLabsProvider struct {
	apiKey     string
	voiceID    string
	baseURL    string
	httpClient *http.Client
}

// NewElevenLabs creates a provider for the given API key and voice. An empty
// voice id selects the default voice.
func NewElevenLabs(apiKey, voiceID string, httpClient *http.Client) *ElevenLabsProvider {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if strings.TrimSpace(voiceID) == "" {
		voiceID = defaultVoiceID
	}
	return &ElevenLabsProvider{
		apiKey:     strings.TrimSpace(apiKey),
		voiceID:    voiceID,
		baseURL:    elevenLabsBaseURL,
		httpClient: httpClient,
	}
}

// WithBaseURL overrides the API base URL. Used by tests.
func (p *ElevenLabsProvider) WithBaseURL(base string) *ElevenLabsProvider {
	base = strings.TrimSpace(base)
	if base != "" {
		p.baseURL = strings.TrimSuffix(base, "/")
	}
	return p
}

// Synthesize converts text to audio bytes.
func (p *ElevenLabsProvider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": elevenLabsModelID,
		"voice_settings": map[string]any{
			"stability":         defaultStability,
			"similarity_boost":  defaultSimilarity,
			"style":             0.0,
			"use_speaker_boost": true,
		},
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s/stream", p.baseURL, p.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("elevenlabs %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return io.ReadAll(resp.Body)
}
