// Package stt provides speech-to-text for inbound audio frames.
package stt

import (
	"context"
	"strings"

	"google.golang.org/genai"

	"github.com/wwbp/chatengine/pkg/core"
)

// Transcriber converts audio bytes to text. Audio with no recognizable
// speech yields a *core.TranscriptionEmptyError.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

const transcribePrompt = "Transcribe the spoken audio verbatim. Reply with only the transcript text. If there is no intelligible speech, reply with an empty response."

// GeminiTranscriber transcribes audio with a Gemini model.
type GeminiTranscriber struct {
	client *genai.Client
	model  string
}

// NewGemini creates a transcriber for the given API key and model.
func NewGemini(ctx context.Context, apiKey, model string) (*GeminiTranscriber, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, err
	}
	return &GeminiTranscriber{client: client, model: model}, nil
}

// Transcribe sends the audio inline and returns the recognized text.
func (t *GeminiTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			genai.NewPartFromText(transcribePrompt),
			genai.NewPartFromBytes(audio, mimeType),
		},
	}}

	resp, err := t.client.Models.GenerateContent(ctx, t.model, contents, nil)
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", &core.TranscriptionEmptyError{}
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", &core.TranscriptionEmptyError{}
	}
	return text, nil
}
