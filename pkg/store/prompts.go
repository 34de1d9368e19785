package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wwbp/chatengine/pkg/prompt"
)

// SystemPrompt returns the most recently created system prompt, or empty when
// none exists.
func (s *Store) SystemPrompt(ctx context.Context) (string, error) {
	var text string
	err := s.pool.QueryRow(ctx,
		`SELECT prompt FROM system_prompts ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// SessionFragments loads the module/task/persona/profile prompt fragments
// linked to a session. A persona attached directly to the session overrides
// the task's persona prompt.
func (s *Store) SessionFragments(ctx context.Context, sessionID uuid.UUID) (prompt.Fragments, error) {
	var (
		frags       prompt.Fragments
		moduleText  *string
		taskContent *string
		taskInstr   *string
		taskPersona *string
		personaText *string
		username    *string
		role        *string
		grade       *string
		language    *string
		voiceSpeed  *float64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT m.content, t.content, t.instruction_prompt, t.persona_prompt, p.prompt,
		       u.username, u.role, u.grade, u.preferred_language, u.voice_speed
		FROM sessions s
		LEFT JOIN modules m ON m.id = s.module_id
		LEFT JOIN tasks t ON t.id = s.task_id
		LEFT JOIN personas p ON p.id = s.persona_id
		LEFT JOIN users u ON u.id = s.user_id
		WHERE s.id = $1`, sessionID).Scan(
		&moduleText, &taskContent, &taskInstr, &taskPersona, &personaText,
		&username, &role, &grade, &language, &voiceSpeed)
	if errors.Is(err, pgx.ErrNoRows) {
		return prompt.Fragments{}, nil
	}
	if err != nil {
		return prompt.Fragments{}, err
	}

	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	frags.ModuleContent = deref(moduleText)
	frags.TaskContent = deref(taskContent)
	frags.TaskInstruction = deref(taskInstr)
	frags.TaskPersona = deref(taskPersona)
	if personaText != nil && *personaText != "" {
		frags.TaskPersona = *personaText
	}
	frags.Profile.Username = deref(username)
	frags.Profile.Role = deref(role)
	frags.Profile.Grade = deref(grade)
	frags.Profile.PreferredLanguage = deref(language)
	if voiceSpeed != nil {
		frags.Profile.VoiceSpeed = *voiceSpeed
	}
	return frags, nil
}
