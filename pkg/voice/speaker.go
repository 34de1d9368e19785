package voice

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wwbp/chatengine/pkg/core"
	"github.com/wwbp/chatengine/pkg/voice/tts"
)

// DeliverFunc receives one audio chunk ready for transmission. Calls arrive
// from a single goroutine in enqueue order.
type DeliverFunc func(core.AudioChunk)

type speakJob struct {
	messageID int64
	seq       int
	result    chan []byte
}

// Speaker synthesizes flushed segments and delivers the audio strictly in
// enqueue order. Synthesis calls for different segments run concurrently; the
// ordering guarantee comes from enqueueing a slot at flush time and draining
// slots with a single loop, so segment N's audio is never delivered after
// segment N+1's even under variable synthesis latency.
type Speaker struct {
	synth   tts.Synthesizer
	deliver DeliverFunc
	logger  *slog.Logger

	mu        sync.Mutex
	seq       int
	messageID int64

	slots chan speakJob
	done  chan struct{}
}

// NewSpeaker creates a speaker. Call Start to run the drain loop and Close
// when no more segments will be spoken.
func NewSpeaker(synth tts.Synthesizer, deliver DeliverFunc, logger *slog.Logger) *Speaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Speaker{
		synth:   synth,
		deliver: deliver,
		logger:  logger,
		slots:   make(chan speakJob, 64),
		done:    make(chan struct{}),
	}
}

// Start runs the drain loop until Close is called or the context ends.
func (s *Speaker) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		for job := range s.slots {
			select {
			case audio := <-job.result:
				if len(audio) > 0 {
					s.deliver(core.AudioChunk{MessageID: job.messageID, Seq: job.seq, Data: audio})
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Speak enqueues a delivery slot for the segment and synthesizes it in the
// background. Returns the synthesized bytes channel consumer-side via the
// drain loop; callers only observe ordered delivery.
func (s *Speaker) Speak(ctx context.Context, messageID int64, segment string) {
	if segment == "" {
		return
	}

	s.mu.Lock()
	if messageID != s.messageID {
		s.messageID = messageID
		s.seq = 0
	}
	job := speakJob{messageID: messageID, seq: s.seq, result: make(chan []byte, 1)}
	s.seq++
	s.mu.Unlock()

	select {
	case s.slots <- job:
	case <-ctx.Done():
		return
	}

	go func() {
		audio, err := s.synth.Synthesize(ctx, segment)
		if err != nil {
			s.logger.Error("speech synthesis failed", "message_id", messageID, "seq", job.seq, "error", err)
			audio = nil
		}
		job.result <- audio
	}()
}

// Close stops the drain loop after all enqueued slots are delivered and
// blocks until it exits.
func (s *Speaker) Close() {
	close(s.slots)
	<-s.done
}
