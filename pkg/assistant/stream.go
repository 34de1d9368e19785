package assistant

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/wwbp/chatengine/pkg/core"
)

// Provider push event names the engine cares about. Everything else is
// dropped during normalization.
const (
	EventRunCreated   = "thread.run.created"
	EventMessageDelta = "thread.message.delta"
	EventRunCompleted = "thread.run.completed"
)

// Event is one raw push event from the run stream.
type Event struct {
	Type string
	Data json.RawMessage
}

// DeltaText extracts the incremental text from a thread.message.delta event.
func (e Event) DeltaText() (string, bool) {
	if e.Type != EventMessageDelta {
		return "", false
	}
	var payload struct {
		Delta struct {
			Content []struct {
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return "", false
	}
	if len(payload.Delta.Content) == 0 {
		return "", false
	}
	return payload.Delta.Content[0].Text.Value, true
}

// RunUsage extracts token counters from a thread.run.completed event.
func (e Event) RunUsage() (core.Usage, bool) {
	if e.Type != EventRunCompleted {
		return core.Usage{}, false
	}
	var payload struct {
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return core.Usage{}, false
	}
	return core.Usage{
		PromptTokens:     payload.Usage.PromptTokens,
		CompletionTokens: payload.Usage.CompletionTokens,
		TotalTokens:      payload.Usage.TotalTokens,
	}, true
}

// RunStream reads SSE events from an in-flight run.
type RunStream struct {
	reader *bufio.Reader
	closer io.Closer
	err    error
}

func newRunStream(body io.ReadCloser) *RunStream {
	return &RunStream{
		reader: bufio.NewReader(body),
		closer: body,
	}
}

// Next returns the next event from the stream, or io.EOF when the stream is
// complete. SSE frames arrive as "event: <type>" followed by "data: <json>".
func (s *RunStream) Next() (Event, error) {
	if s.err != nil {
		return Event{}, s.err
	}

	var eventType string
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				s.err = io.EOF
				return Event{}, io.EOF
			}
			s.err = err
			return Event{}, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			eventType = ""
			continue
		}

		if after, ok := strings.CutPrefix(line, "event:"); ok {
			eventType = strings.TrimSpace(after)
			continue
		}

		after, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data := strings.TrimSpace(after)
		if data == "[DONE]" {
			s.err = io.EOF
			return Event{}, io.EOF
		}
		if eventType == "" {
			// Eventless data frame; nothing we can classify.
			continue
		}
		return Event{Type: eventType, Data: json.RawMessage(data)}, nil
	}
}

// Close releases the underlying response body.
func (s *RunStream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
