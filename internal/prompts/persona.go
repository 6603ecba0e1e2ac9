package prompts

import (
	"strings"
)

// defaultPersona is used when no persona file is configured.
// {USER_NAME} is replaced with the configured user name.
const defaultPersona = `You are Alice, a personal assistant for {USER_NAME}.
You are warm, conversational, and genuinely helpful.
You remember context from the conversation.
You know their habits, preferences, and routines, and you help them keep good habits and break bad ones.
You speak naturally in short, friendly responses that sound good read aloud.
Do not use markdown, lists, or emoji.`

// Persona returns the persona text with the user's name filled in. An
// empty template selects the built-in persona.
func Persona(template, userName string) string {
	if strings.TrimSpace(template) == "" {
		template = defaultPersona
	}
	if userName == "" {
		userName = "the user"
	}
	return strings.NewReplacer("{USER_NAME}", userName).Replace(strings.TrimSpace(template))
}

// SystemPrompt joins the persona and the formatted context snapshot.
func SystemPrompt(persona, situation string) string {
	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\n## Current Context\n")
	b.WriteString(situation)
	return b.String()
}
