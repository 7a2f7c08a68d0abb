package llm

import (
	"strings"

	"github.com/lukasbauer/murmur/internal/document"
)

// SystemPrompt sets up the assistant as a terse thinking partner that also
// maintains the session document.
const SystemPrompt = `You are an expert thinking partner for busy professionals. Help people think through their ideas with SHORT, PUNCHY responses.

## RESPONSE STYLE
- 1-3 sentences unless the user explicitly asks for detail
- Ask only ONE focused question at a time
- No preamble and no praise, get to the substance
- Think "text message" not "email"

## CONVERSATION
- Engage with the SUBSTANCE of what they said
- Ask ONE clarifying question that pushes their thinking forward
- Point out ONE key assumption or gap if relevant
- Never ask what they are thinking about. They just told you.

## DOCUMENT
- Organize their thoughts into the structured document
- Group related thoughts by topic, not chronologically
- Use clear, descriptive section names
- Keep items brief
- Put action items in the "` + document.ActionItemsSection + `" section as checkbox items
- Put blockers and open questions in the "` + document.BlockersSection + `" section
- When the user says something is finished, mark the matching item done

Your response must be valid JSON in exactly this format:
{
  "conversation": "Your reply with at most one question",
  "operations": [
    {"op": "create_section", "title": "Section Title"},
    {"op": "append_item", "section": "Section Title", "text": "Item text", "checkbox": false},
    {"op": "mark_done", "section": "Section Title", "item": "Exact item text"}
  ]
}

- create_section: add a new empty section at the end of the document
- append_item: add an item to a section (the section is created if missing); set checkbox to true for tasks
- mark_done: check off an existing item, quoting its text exactly
- Never repeat items that are already in the document
- Use an empty operations array when nothing should change

Remember: SHORT responses. ONE question. No fluff.`

// promptHistoryTurns is how many prior messages are quoted in the prompt.
const promptHistoryTurns = 6

// transcriptTailChars bounds the session transcript excerpt.
const transcriptTailChars = 2000

// BuildThinkingPrompt builds the user message for one utterance.
func BuildThinkingPrompt(currentDocument string, history []Message, transcript, thought string) string {
	var b strings.Builder

	b.WriteString("## Current Document\n")
	if strings.TrimSpace(currentDocument) == "" {
		b.WriteString("(Empty - this is a new session)\n")
	} else {
		b.WriteString(currentDocument)
		if !strings.HasSuffix(currentDocument, "\n") {
			b.WriteString("\n")
		}
	}

	b.WriteString("\n## Recent Conversation\n")
	if len(history) > promptHistoryTurns {
		history = history[len(history)-promptHistoryTurns:]
	}
	if len(history) == 0 {
		b.WriteString("(Starting fresh conversation)\n")
	}
	for _, m := range history {
		role := "User"
		if m.Role == RoleAssistant {
			role = "Assistant"
		}
		b.WriteString(role + ": " + m.Content + "\n\n")
	}

	if t := strings.TrimSpace(transcript); t != "" {
		if len(t) > transcriptTailChars {
			b.WriteString("\n## Session Transcript (truncated)\n...")
			b.WriteString(t[len(t)-transcriptTailChars:])
		} else {
			b.WriteString("\n## Session Transcript\n")
			b.WriteString(t)
		}
		b.WriteString("\n")
	}

	b.WriteString("\n## New Thought from User\n")
	b.WriteString(thought)
	b.WriteString(`

IMPORTANT:
- The user is speaking out loud through voice transcription
- Engage with the ACTUAL CONTENT of what they said
- Reply with JSON containing "conversation" and "operations"`)

	return b.String()
}
