// Package core holds the event and error types shared by the conversation
// engine, the audio pipeline, and the connection handlers.
package core

// EventKind tags a normalized stream event.
type EventKind string

const (
	// EventStart opens the response cycle for a message id.
	EventStart EventKind = "start"
	// EventToken carries one incremental content delta.
	EventToken EventKind = "token"
	// EventEnd terminates the response cycle. Exactly one per message id,
	// possibly synthetic when the provider stream failed mid-generation.
	EventEnd EventKind = "end"
	// EventUnknown marks a provider event the normalizer does not recognize.
	// Unknown events are logged and dropped, never delivered to clients.
	EventUnknown EventKind = "unknown"
)

// StreamEvent is one normalized event in a response cycle. For a given
// message id the sequence is exactly one start, zero or more tokens in
// emission order, then exactly one end. Nothing follows an end.
type StreamEvent struct {
	MessageID int64
	Kind      EventKind
	Value     string // token text, empty otherwise
	Usage     Usage  // populated on end
	Err       error  // non-nil on a synthetic error end
}

// Usage holds token counters reported by the provider for one run.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// AudioChunk is one synthesized audio segment for a message id. Chunks carry
// a monotonic sequence number and must reach the client in sequence order
// even when synthesis completes out of order.
type AudioChunk struct {
	MessageID int64
	Seq       int
	Data      []byte
}
