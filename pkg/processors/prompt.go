package processors

import (
	"strings"

	"github.com/vocera-labs/voicebridge/pkg/history"
	"github.com/vocera-labs/voicebridge/pkg/llm"
)

// PromptConfig carries the per-call pieces of the prompt.
type PromptConfig struct {
	SystemPrompt  string
	DynamicVars   map[string]string
	HistoryWindow int
}

// StopSequences keep the model from continuing the dialogue on its own.
var StopSequences = []string{"\nUser:", "\nAssistant:", "User:", "Assistant:"}

const groundingDirective = "Answer ONLY from the knowledge base context below. " +
	"If the context does not contain the answer, say you don't have that information. " +
	"You are on a LIVE PHONE CALL: no markdown, no stage directions, keep replies brief and natural."

const declineDirective = "No knowledge base context matched this question. " +
	"Politely say you don't have that information instead of guessing."

// BuildPrompt assembles the single-string generation prompt: the agent
// system block with dynamic-variable substitutions, the bounded history
// window, the retrieved context block and the user utterance.
func BuildPrompt(cfg PromptConfig, turns []history.Turn, contextBlock, utterance string) llm.Context {
	window := cfg.HistoryWindow
	if window <= 0 {
		window = 6
	}
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}

	var b strings.Builder
	system := strings.TrimSpace(cfg.SystemPrompt)
	if system == "" {
		system = "You are a friendly voice assistant."
	}
	system = substituteVars(system, cfg.DynamicVars)
	b.WriteString(system)
	b.WriteString("\n\n")
	if strings.TrimSpace(contextBlock) != "" {
		b.WriteString(groundingDirective)
	} else {
		b.WriteString(declineDirective)
	}

	if len(cfg.DynamicVars) > 0 {
		b.WriteString("\n\n## Caller Information:\n")
		for k, v := range cfg.DynamicVars {
			if strings.TrimSpace(v) == "" {
				continue
			}
			b.WriteString("- ")
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n## Knowledge Base Context:\n")
	if strings.TrimSpace(contextBlock) != "" {
		b.WriteString(contextBlock)
	} else {
		b.WriteString("No specific context found.")
	}

	b.WriteString("\n\n## Conversation So Far:\n")
	if len(turns) == 0 {
		b.WriteString("This is the start of the call.")
	} else {
		lines := make([]string, 0, len(turns))
		for _, t := range turns {
			lines = append(lines, "User: "+t.User+"\nAssistant: "+t.Assistant)
		}
		b.WriteString(strings.Join(lines, "\n"))
	}

	b.WriteString("\n\n## User's Current Question:\n")
	b.WriteString(utterance)

	return llm.Context{
		Messages: []map[string]any{
			{"role": "system", "content": b.String()},
			{"role": "user", "content": utterance},
		},
		Stop: StopSequences,
	}
}

// substituteVars replaces {{key}} placeholders with dynamic values.
func substituteVars(text string, vars map[string]string) string {
	for k, v := range vars {
		text = strings.ReplaceAll(text, "{{"+k+"}}", v)
	}
	return text
}
