package prompt

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeSource struct {
	system      string
	systemErr   error
	systemCalls int
	frags       Fragments
	fragsErr    error
}

func (s *fakeSource) SystemPrompt(ctx context.Context) (string, error) {
	s.systemCalls++
	return s.system, s.systemErr
}

func (s *fakeSource) SessionFragments(ctx context.Context, sessionID uuid.UUID) (Fragments, error) {
	return s.frags, s.fragsErr
}

func TestComposeFullInstructions(t *testing.T) {
	t.Parallel()
	src := &fakeSource{
		system: "Stay on topic.",
		frags: Fragments{
			ModuleContent:   "Photosynthesis basics.",
			TaskContent:     "Explain the light reactions.",
			TaskInstruction: "Use simple words.",
			TaskPersona:     "A friendly biology tutor.",
			Profile:         Profile{Username: "sam", Grade: "8", PreferredLanguage: "en"},
		},
	}
	c := NewComposer(src, nil)

	got := c.Compose(context.Background(), uuid.New())
	for _, want := range []string{
		"System: Stay on topic.",
		"Module Content: Photosynthesis basics.",
		"Task Content: Explain the light reactions.",
		"Task Instruction: Use simple words.",
		"Task Persona: A friendly biology tutor.",
		"User Profile: username=sam, grade=8, preferred_language=en",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("instructions missing %q:\n%s", want, got)
		}
	}
}

func TestComposeSkipsEmptyFragments(t *testing.T) {
	t.Parallel()
	src := &fakeSource{system: "Stay on topic."}
	c := NewComposer(src, nil)

	got := c.Compose(context.Background(), uuid.New())
	if got != "System: Stay on topic." {
		t.Fatalf("instructions = %q", got)
	}
}

func TestComposeFallsBackToDefault(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragsErr: fmt.Errorf("db down")}
	c := NewComposer(src, nil)

	got := c.Compose(context.Background(), uuid.New())
	if got != "System: "+DefaultSystemPrompt {
		t.Fatalf("instructions = %q", got)
	}
}

func TestSystemPromptCached(t *testing.T) {
	t.Parallel()
	src := &fakeSource{system: "Stay on topic."}
	c := NewComposer(src, nil)

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Compose(context.Background(), uuid.New())
	c.Compose(context.Background(), uuid.New())
	if src.systemCalls != 1 {
		t.Fatalf("system prompt fetched %d times, want cached", src.systemCalls)
	}

	now = now.Add(systemPromptTTL + time.Second)
	c.Compose(context.Background(), uuid.New())
	if src.systemCalls != 2 {
		t.Fatalf("system prompt fetched %d times, want cache expired", src.systemCalls)
	}
}
