// Package prompt assembles assistant setup instructions from stored prompt
// fragments: the global system prompt, module and task content, an optional
// persona, and the user's profile.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSystemPrompt is used when no system prompt row exists.
const DefaultSystemPrompt = "You are a helpful assistant."

const systemPromptTTL = 5 * time.Minute

// Profile carries the user fields folded into the instructions.
type Profile struct {
	Username          string
	Role              string
	Grade             string
	PreferredLanguage string
	VoiceSpeed        float64
}

// Fragments are the session-scoped prompt pieces. Empty fields are skipped.
type Fragments struct {
	ModuleContent   string
	TaskContent     string
	TaskInstruction string
	TaskPersona     string
	Profile         Profile
}

// Source provides prompt fragments from the store.
type Source interface {
	// SystemPrompt returns the latest global system prompt.
	SystemPrompt(ctx context.Context) (string, error)
	// SessionFragments returns the module/task/persona/profile fragments
	// linked to the session.
	SessionFragments(ctx context.Context, sessionID uuid.UUID) (Fragments, error)
}

// Composer builds cumulative setup instructions. The system prompt is cached
// briefly since it changes rarely and is read on every provisioning.
type Composer struct {
	source Source
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	cachedSystem string
	cachedAt     time.Time
}

// NewComposer creates a composer over the given source.
func NewComposer(source Source, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{source: source, logger: logger, now: time.Now}
}

// Compose builds the full instruction text for a session. Missing fragments
// are skipped rather than failing provisioning; only a completely empty
// composition falls back to the default system prompt.
func (c *Composer) Compose(ctx context.Context, sessionID uuid.UUID) string {
	system := c.systemPrompt(ctx)

	frags, err := c.source.SessionFragments(ctx, sessionID)
	if err != nil {
		c.logger.Error("fetching session prompt fragments", "session_id", sessionID, "error", err)
	}

	var b strings.Builder
	writeSection := func(label, content string) {
		if strings.TrimSpace(content) == "" {
			return
		}
		fmt.Fprintf(&b, "%s: %s\n", label, content)
	}

	writeSection("System", system)
	writeSection("Module Content", frags.ModuleContent)
	writeSection("Task Content", frags.TaskContent)
	writeSection("Task Instruction", frags.TaskInstruction)
	writeSection("Task Persona", frags.TaskPersona)
	if frags.Profile != (Profile{}) {
		writeSection("User Profile", formatProfile(frags.Profile))
	}

	if b.Len() == 0 {
		return DefaultSystemPrompt
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Composer) systemPrompt(ctx context.Context) string {
	c.mu.Lock()
	if c.cachedSystem != "" && c.now().Sub(c.cachedAt) < systemPromptTTL {
		cached := c.cachedSystem
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	system, err := c.source.SystemPrompt(ctx)
	if err != nil {
		c.logger.Error("fetching system prompt", "error", err)
		return DefaultSystemPrompt
	}
	if strings.TrimSpace(system) == "" {
		system = DefaultSystemPrompt
	}

	c.mu.Lock()
	c.cachedSystem = system
	c.cachedAt = c.now()
	c.mu.Unlock()
	return system
}

func formatProfile(p Profile) string {
	parts := make([]string, 0, 5)
	add := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", label, value))
		}
	}
	add("username", p.Username)
	add("role", p.Role)
	add("grade", p.Grade)
	add("preferred_language", p.PreferredLanguage)
	if p.VoiceSpeed > 0 {
		parts = append(parts, fmt.Sprintf("voice_speed=%.2f", p.VoiceSpeed))
	}
	return strings.Join(parts, ", ")
}
