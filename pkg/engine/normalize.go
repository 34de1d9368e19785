package engine

import (
	"github.com/wwbp/chatengine/pkg/assistant"
	"github.com/wwbp/chatengine/pkg/core"
)

// Normalize maps one raw provider push event onto the start/token/end
// protocol. Events outside the recognized set come back as EventUnknown and
// are dropped by the stream loop.
func Normalize(ev assistant.Event, messageID int64) core.StreamEvent {
	switch ev.Type {
	case assistant.EventRunCreated:
		return core.StreamEvent{MessageID: messageID, Kind: core.EventStart}
	case assistant.EventMessageDelta:
		text, ok := ev.DeltaText()
		if !ok {
			return core.StreamEvent{MessageID: messageID, Kind: core.EventUnknown}
		}
		return core.StreamEvent{MessageID: messageID, Kind: core.EventToken, Value: text}
	case assistant.EventRunCompleted:
		usage, _ := ev.RunUsage()
		return core.StreamEvent{MessageID: messageID, Kind: core.EventEnd, Usage: usage}
	default:
		return core.StreamEvent{MessageID: messageID, Kind: core.EventUnknown}
	}
}
