// Package moderation pre-screens inbound user text before it reaches the
// conversation engine.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wwbp/chatengine/pkg/core"
)

// CategoryClassifierError is reported when the classifier itself failed and
// the gate fell back to treating the input as flagged.
const CategoryClassifierError = "moderation_error"

// BlockedReply is the fixed bot response persisted and delivered for flagged
// input. It flows through the same start/token/end protocol as a normal
// response so clients need no special handling.
const BlockedReply = "I can't help with that. Let's keep our conversation on track and talk about something else."

// Result is a classification verdict.
type Result struct {
	Flagged  bool
	Category string
}

// Classifier decides whether text is acceptable.
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// Gate wraps a Classifier with fail-closed semantics: a classifier failure is
// treated as flagged so unscreened text never reaches the engine.
type Gate struct {
	classifier Classifier
	logger     *slog.Logger
}

// NewGate builds a gate around the classifier.
func NewGate(classifier Classifier, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{classifier: classifier, logger: logger}
}

// Check classifies text, failing closed on classifier errors.
func (g *Gate) Check(ctx context.Context, text string) Result {
	res, err := g.classifier.Classify(ctx, text)
	if err != nil {
		g.logger.Error("moderation classifier failed, failing closed",
			"error", &core.ModerationError{Err: err})
		return Result{Flagged: true, Category: CategoryClassifierError}
	}
	return res
}

const defaultModerationURL = "https://api.openai.com/v1/moderations"

// OpenAIClassifier calls the hosted moderation endpoint.
type OpenAIClassifier struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewOpenAIClassifier creates a classifier for the given API key.
func NewOpenAIClassifier(apiKey string, httpClient *http.Client) *OpenAIClassifier {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAIClassifier{
		apiKey:     strings.TrimSpace(apiKey),
		endpoint:   defaultModerationURL,
		httpClient: httpClient,
	}
}

// WithEndpoint overrides the moderation endpoint. Used by tests.
func (c *OpenAIClassifier) WithEndpoint(url string) *OpenAIClassifier {
	if strings.TrimSpace(url) != "" {
		c.endpoint = url
	}
	return c
}

type moderationResponse struct {
	Results []struct {
		Flagged    bool            `json:"flagged"`
		Categories map[string]bool `json:"categories"`
	} `json:"results"`
}

// Classify submits text for classification and reports the first flagged
// category, if any.
func (c *OpenAIClassifier) Classify(ctx context.Context, text string) (Result, error) {
	body, err := json.Marshal(map[string]any{"input": text})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("moderation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Result{}, fmt.Errorf("moderation api %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded moderationResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("decode moderation response: %w", err)
	}
	if len(decoded.Results) == 0 {
		return Result{}, fmt.Errorf("moderation response has no results")
	}

	first := decoded.Results[0]
	if !first.Flagged {
		return Result{}, nil
	}
	for category, hit := range first.Categories {
		if hit {
			return Result{Flagged: true, Category: category}, nil
		}
	}
	return Result{Flagged: true, Category: "flagged"}, nil
}
