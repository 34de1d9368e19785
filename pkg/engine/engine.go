// Package engine coordinates the conversational core: it provisions remote
// assistant/thread handles per session, serializes runs on a thread,
// normalizes the provider stream to the start/token/end protocol, and records
// token usage as runs complete.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/wwbp/chatengine/pkg/assistant"
	"github.com/wwbp/chatengine/pkg/blob"
	"github.com/wwbp/chatengine/pkg/core"
	"github.com/wwbp/chatengine/pkg/store"
)

const (
	provisionAttempts = 3
	provisionBackoff  = 500 * time.Millisecond

	runRetryInitial = 500 * time.Millisecond
	runRetryMax     = 2 * time.Second
	runRetryBudget  = 30 * time.Second

	vectorStoreName       = "Educational Content"
	vectorStoreExpiryDays = 2
)

// EventStream yields raw provider events from an in-flight run.
type EventStream interface {
	Next() (assistant.Event, error)
	Close() error
}

// AssistantAPI is the slice of the provider client the engine needs.
type AssistantAPI interface {
	CreateAssistant(ctx context.Context, instructions string) (assistant.Assistant, error)
	RetrieveAssistant(ctx context.Context, id string) (assistant.Assistant, error)
	CreateThread(ctx context.Context) (assistant.Thread, error)
	RetrieveThread(ctx context.Context, id string) (assistant.Thread, error)
	CreateUserMessage(ctx context.Context, threadID, text string) error
	StreamRun(ctx context.Context, assistantID, threadID string) (EventStream, error)
	CreateVectorStore(ctx context.Context, name string, expiresAfterDays int) (assistant.VectorStore, error)
	UploadFile(ctx context.Context, filename string, data []byte) (assistant.File, error)
	AddVectorStoreFiles(ctx context.Context, vectorStoreID string, fileIDs []string) error
	AttachVectorStore(ctx context.Context, assistantID, vectorStoreID string) error
}

type clientAPI struct {
	c *assistant.Client
}

// NewAssistantAPI adapts the HTTP client to the engine's API surface.
func NewAssistantAPI(c *assistant.Client) AssistantAPI {
	return &clientAPI{c: c}
}

func (a *clientAPI) CreateAssistant(ctx context.Context, instructions string) (assistant.Assistant, error) {
	return a.c.CreateAssistant(ctx, instructions)
}

func (a *clientAPI) RetrieveAssistant(ctx context.Context, id string) (assistant.Assistant, error) {
	return a.c.RetrieveAssistant(ctx, id)
}

func (a *clientAPI) CreateThread(ctx context.Context) (assistant.Thread, error) {
	return a.c.CreateThread(ctx)
}

func (a *clientAPI) RetrieveThread(ctx context.Context, id string) (assistant.Thread, error) {
	return a.c.RetrieveThread(ctx, id)
}

func (a *clientAPI) CreateUserMessage(ctx context.Context, threadID, text string) error {
	return a.c.CreateUserMessage(ctx, threadID, text)
}

func (a *clientAPI) StreamRun(ctx context.Context, assistantID, threadID string) (EventStream, error) {
	return a.c.StreamRun(ctx, assistantID, threadID)
}

func (a *clientAPI) CreateVectorStore(ctx context.Context, name string, expiresAfterDays int) (assistant.VectorStore, error) {
	return a.c.CreateVectorStore(ctx, name, expiresAfterDays)
}

func (a *clientAPI) UploadFile(ctx context.Context, filename string, data []byte) (assistant.File, error) {
	return a.c.UploadFile(ctx, filename, data)
}

func (a *clientAPI) AddVectorStoreFiles(ctx context.Context, vectorStoreID string, fileIDs []string) error {
	return a.c.AddVectorStoreFiles(ctx, vectorStoreID, fileIDs)
}

func (a *clientAPI) AttachVectorStore(ctx context.Context, assistantID, vectorStoreID string) error {
	return a.c.AttachVectorStore(ctx, assistantID, vectorStoreID)
}

// Sessions is the slice of the store the engine needs.
type Sessions interface {
	GetSession(ctx context.Context, id uuid.UUID) (store.Session, error)
	SetSessionHandles(ctx context.Context, id uuid.UUID, assistantID, threadID string) error
	MaxMessageID(ctx context.Context, id uuid.UUID) (int64, error)
	AddUsage(ctx context.Context, id uuid.UUID, usage core.Usage) error
	ReferenceFiles(ctx context.Context, id uuid.UUID) ([]string, error)
}

// InstructionSource builds the assistant setup instructions for a session.
type InstructionSource interface {
	Compose(ctx context.Context, sessionID uuid.UUID) string
}

// EmitFunc receives normalized protocol events as they arrive.
type EmitFunc func(core.StreamEvent)

// Exchange is the outcome of one completed generation.
type Exchange struct {
	MessageID int64
	BotText   string
	Usage     core.Usage
}

// Engine drives generations for all sessions in the process.
type Engine struct {
	api      AssistantAPI
	sessions Sessions
	composer InstructionSource
	blobs    blob.Store
	registry *Registry
	logger   *slog.Logger

	// sleep is swapped out by tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an engine over the given provider API and store. A nil blob
// store disables reference material attachment.
func New(api AssistantAPI, sessions Sessions, composer InstructionSource, blobs blob.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		api:      api,
		sessions: sessions,
		composer: composer,
		blobs:    blobs,
		registry: NewRegistry(),
		logger:   logger,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve returns the session's conversation, provisioning remote handles on
// first use. Stored handles are retrieved rather than recreated so a session
// keeps its thread context across restarts; retrieval failure falls back to
// fresh provisioning. Concurrent callers on one session share a single
// provisioning attempt.
func (e *Engine) Resolve(ctx context.Context, sessionID uuid.UUID) (*Conversation, error) {
	conv := e.registry.Get(sessionID)

	conv.resolveMu.Lock()
	defer conv.resolveMu.Unlock()
	if conv.resolved {
		return conv, nil
	}

	sess, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, &core.ProvisioningError{SessionID: sessionID.String(), Err: err}
	}

	assistantID, threadID := sess.AssistantID, sess.ThreadID
	if assistantID != "" && threadID != "" {
		assistantID, threadID = e.retrieveHandles(ctx, assistantID, threadID)
	}
	if assistantID == "" || threadID == "" {
		assistantID, threadID, err = e.provision(ctx, sessionID)
		if err != nil {
			return nil, &core.ProvisioningError{SessionID: sessionID.String(), Err: err}
		}
		if err := e.sessions.SetSessionHandles(ctx, sessionID, assistantID, threadID); err != nil {
			e.logger.Error("persisting session handles", "session_id", sessionID, "error", err)
		}
		e.attachReferenceMaterial(ctx, sessionID, assistantID)
	}

	maxID, err := e.sessions.MaxMessageID(ctx, sessionID)
	if err != nil {
		return nil, &core.ProvisioningError{SessionID: sessionID.String(), Err: err}
	}

	conv.AssistantID = assistantID
	conv.ThreadID = threadID
	conv.nextID.Store(maxID)
	conv.resolved = true
	e.logger.Info("conversation resolved",
		"session_id", sessionID, "assistant_id", assistantID, "thread_id", threadID, "max_message_id", maxID)
	return conv, nil
}

// retrieveHandles validates stored handles against the provider. Either
// handle failing validation voids both so the pair is reprovisioned together.
func (e *Engine) retrieveHandles(ctx context.Context, assistantID, threadID string) (string, string) {
	if _, err := e.api.RetrieveAssistant(ctx, assistantID); err != nil {
		e.logger.Warn("stored assistant unavailable, reprovisioning", "assistant_id", assistantID, "error", err)
		return "", ""
	}
	if _, err := e.api.RetrieveThread(ctx, threadID); err != nil {
		e.logger.Warn("stored thread unavailable, reprovisioning", "thread_id", threadID, "error", err)
		return "", ""
	}
	return assistantID, threadID
}

func (e *Engine) provision(ctx context.Context, sessionID uuid.UUID) (string, string, error) {
	instructions := e.composer.Compose(ctx, sessionID)

	var lastErr error
	for attempt := 1; attempt <= provisionAttempts; attempt++ {
		asst, err := e.api.CreateAssistant(ctx, instructions)
		if err == nil {
			var thread assistant.Thread
			thread, err = e.api.CreateThread(ctx)
			if err == nil {
				return asst.ID, thread.ID, nil
			}
		}
		lastErr = err
		e.logger.Warn("provisioning attempt failed", "session_id", sessionID, "attempt", attempt, "error", err)
		if attempt < provisionAttempts {
			if err := e.sleep(ctx, provisionBackoff*time.Duration(attempt)); err != nil {
				return "", "", err
			}
		}
	}
	return "", "", lastErr
}

// attachReferenceMaterial loads the session's module and task reference
// files from the blob store and points the assistant's file_search tool at
// them through a short-lived vector store. Any failure degrades to an
// assistant without reference material.
func (e *Engine) attachReferenceMaterial(ctx context.Context, sessionID uuid.UUID, assistantID string) {
	if e.blobs == nil {
		return
	}
	keys, err := e.sessions.ReferenceFiles(ctx, sessionID)
	if err != nil {
		e.logger.Error("listing reference files", "session_id", sessionID, "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}

	var fileIDs []string
	for _, key := range keys {
		data, err := e.blobs.Get(ctx, key)
		if err != nil {
			e.logger.Warn("fetching reference file", "session_id", sessionID, "key", key, "error", err)
			continue
		}
		f, err := e.api.UploadFile(ctx, path.Base(key), data)
		if err != nil {
			e.logger.Warn("uploading reference file", "session_id", sessionID, "key", key, "error", err)
			continue
		}
		fileIDs = append(fileIDs, f.ID)
	}
	if len(fileIDs) == 0 {
		return
	}

	vs, err := e.api.CreateVectorStore(ctx, vectorStoreName, vectorStoreExpiryDays)
	if err != nil {
		e.logger.Error("creating vector store", "session_id", sessionID, "error", err)
		return
	}
	if err := e.api.AddVectorStoreFiles(ctx, vs.ID, fileIDs); err != nil {
		e.logger.Error("filling vector store", "session_id", sessionID, "vector_store_id", vs.ID, "error", err)
		return
	}
	if err := e.api.AttachVectorStore(ctx, assistantID, vs.ID); err != nil {
		e.logger.Error("attaching vector store", "session_id", sessionID, "vector_store_id", vs.ID, "error", err)
		return
	}
	e.logger.Info("reference material attached",
		"session_id", sessionID, "vector_store_id", vs.ID, "files", len(fileIDs))
}

// SubmitUserMessage appends the user's text to the thread context.
func (e *Engine) SubmitUserMessage(ctx context.Context, conv *Conversation, text string) error {
	return e.api.CreateUserMessage(ctx, conv.ThreadID, text)
}

// StreamResponse starts a run and emits normalized protocol events until the
// run completes. The conversation's run lock is held for the duration, and a
// run rejected for an already-active remote run is retried with backoff
// within a fixed budget. A run that cannot start or a stream failing
// mid-generation still emits a start/end pair so every accepted message
// reaches a terminal protocol state.
func (e *Engine) StreamResponse(ctx context.Context, conv *Conversation, messageID int64, emit EmitFunc) (*Exchange, error) {
	conv.runMu.Lock()
	defer conv.runMu.Unlock()

	ex := &Exchange{MessageID: messageID}

	stream, err := e.startRun(ctx, conv)
	if err != nil {
		// The run never started, but the client already submitted an
		// accepted message. Close the protocol out for this id.
		e.logger.Error("run start failed", "session_id", conv.SessionID, "message_id", messageID, "error", err)
		endErr := &core.StreamProviderError{Err: err}
		emit(core.StreamEvent{MessageID: messageID, Kind: core.EventStart})
		emit(core.StreamEvent{MessageID: messageID, Kind: core.EventEnd, Err: endErr})
		return ex, endErr
	}
	defer stream.Close()

	var bot []byte
	started := false

	for {
		raw, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// Keep the protocol terminal even when the provider drops
			// mid-generation.
			e.logger.Error("run stream failed", "session_id", conv.SessionID, "message_id", messageID, "error", err)
			ev := core.StreamEvent{MessageID: messageID, Kind: core.EventEnd, Err: &core.StreamProviderError{Err: err}}
			if !started {
				emit(core.StreamEvent{MessageID: messageID, Kind: core.EventStart})
			}
			emit(ev)
			ex.BotText = string(bot)
			return ex, ev.Err
		}

		ev := Normalize(raw, messageID)
		switch ev.Kind {
		case core.EventStart:
			started = true
			emit(ev)
		case core.EventToken:
			bot = append(bot, ev.Value...)
			emit(ev)
		case core.EventEnd:
			emit(ev)
			ex.BotText = string(bot)
			ex.Usage = ev.Usage
			e.recordUsage(ctx, conv.SessionID, ev.Usage)
			return ex, nil
		}
	}

	// Stream ended without a completion event.
	if !started {
		emit(core.StreamEvent{MessageID: messageID, Kind: core.EventStart})
	}
	emit(core.StreamEvent{MessageID: messageID, Kind: core.EventEnd})
	ex.BotText = string(bot)
	return ex, nil
}

func (e *Engine) startRun(ctx context.Context, conv *Conversation) (EventStream, error) {
	deadline := time.Now().Add(runRetryBudget)
	backoff := runRetryInitial

	for {
		stream, err := e.api.StreamRun(ctx, conv.AssistantID, conv.ThreadID)
		if err == nil {
			return stream, nil
		}

		var conflict *core.RunConflictError
		if !errors.As(err, &conflict) || time.Now().After(deadline) {
			return nil, err
		}
		e.logger.Warn("thread busy, retrying run", "session_id", conv.SessionID, "backoff", backoff)
		if err := e.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
		if backoff > runRetryMax {
			backoff = runRetryMax
		}
	}
}

func (e *Engine) recordUsage(ctx context.Context, sessionID uuid.UUID, usage core.Usage) {
	if usage == (core.Usage{}) {
		return
	}
	if err := e.sessions.AddUsage(ctx, sessionID, usage); err != nil {
		e.logger.Error("recording usage", "session_id", sessionID, "error", err)
	}
}
