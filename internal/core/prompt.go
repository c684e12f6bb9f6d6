package core

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/severus-ai/severus/internal/llm"
	"github.com/severus-ai/severus/internal/store"
)

const (
	generalSystemPrompt = `You are a helpful, conversational AI assistant.

You can chat naturally with the user and remember things mentioned earlier
in the conversation.

If the user asks about a document and no document is available,
clearly say that no document has been uploaded yet.`

	documentSystemPrompt = `You are a helpful, conversational AI assistant.

You can:
- Chat naturally with the user
- Remember things mentioned earlier in the conversation
- Read, summarize, explain, and answer questions about the user's uploaded documents

Behavior rules:
- If the user asks general questions, respond naturally.
- If the user asks about the document, use document content.
- Pronouns like "it", "this", "the file" refer to the uploaded document.
- Treat misspellings of "summarize" as summarize intent.
- ALWAYS mention source file names when answering from documents.
- If answer is not found, say you don't know.

Uploaded document sources:
%s

<Document Context>
%s
</Document Context>`

	unknownSource   = "Unknown file"
	truncatedMarker = "\n[document truncated]"
)

// ContextPolicy bounds how much extracted text goes into the system prompt.
// MaxChars <= 0 injects the whole text.
type ContextPolicy struct {
	MaxChars int
}

func (p ContextPolicy) apply(text string) string {
	if p.MaxChars <= 0 || utf8.RuneCountInString(text) <= p.MaxChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:p.MaxChars]) + truncatedMarker
}

// SystemPrompt picks the general prompt when documentText is blank, and
// otherwise the document prompt naming every file and embedding the text.
func SystemPrompt(documentText string, files []string, policy ContextPolicy) string {
	if strings.TrimSpace(documentText) == "" {
		return generalSystemPrompt
	}
	sources := unknownSource
	if len(files) > 0 {
		sources = strings.Join(files, ", ")
	}
	return fmt.Sprintf(documentSystemPrompt, sources, policy.apply(documentText))
}

// BuildConversation returns exactly one system message followed by history in
// its original order. The caller appends the new user turn.
func BuildConversation(history []store.Message, documentText string, files []string, policy ContextPolicy) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: SystemPrompt(documentText, files, policy)})
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return msgs
}
