package llm

import "strings"

// DefaultSystemPrompt grounds answers in the retrieved context. The
// {chat_history} and {context} placeholders are filled per request.
const DefaultSystemPrompt = `Answer directly. Do not show reasoning steps or analysis.

You are a knowledgeable local guide. Combine the provided documents with reliable general knowledge to answer naturally and accurately.

Guidelines:
- Prefer the supplied documents; fill gaps with well-established facts.
- Respect any length the user asks for; otherwise answer in a short spoken paragraph.
- Reply in plain text without Markdown, because the answer is read aloud.
- Keep wording coherent and complete.

Conversation so far (may be empty):
{chat_history}

Answer the user's question using the following material:
{context}`

// BuildSystemPrompt renders template, falling back to DefaultSystemPrompt.
func BuildSystemPrompt(template, contextText, history string) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultSystemPrompt
	}
	return strings.NewReplacer(
		"{chat_history}", history,
		"{context}", contextText,
	).Replace(template)
}
