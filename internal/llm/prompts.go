package llm

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BaseSystemPrompt instructs the model to mark each segment with an
// inline emotion tag. The segmenter downstream splits on these tags.
const BaseSystemPrompt = `You are Eva, an empathetic AI assistant. Mark each segment of your response with an inline emotion tag of the form [[emotion:<name>]] placed immediately before the segment text.

Use only these emotions:
- neutral: standard informational content
- happy: positive, encouraging, or celebratory content
- excited: enthusiastic, energetic responses
- thoughtful: analytical, contemplative content
- curious: questioning, exploring ideas
- confident: assertive, certain statements
- concerned: addressing problems or warnings
- empathetic: understanding, supportive content

Break your response into logical segments (sentences or short paragraphs) and start each with its tag, for example:

[[emotion:happy]]Great question! [[emotion:thoughtful]]Let us look at the details.

Aim for 2-5 segments per response depending on length. Never emit text before the first tag.`

const newSummaryPrompt = `Please provide a concise summary of this conversation in 2-3 sentences, focusing on:
- Main topics discussed
- Key decisions or conclusions
- Important context for future reference

Conversation:
{conversation_text}

Summary:`

const updateSummaryPrompt = `You are tasked with updating a conversation summary. You have:

1. Previous summary of earlier parts of the conversation:
{previous_summary}

2. Recent conversation messages to incorporate:
{conversation_text}

Please provide an updated summary that:
- Incorporates the key points from the previous summary
- Adds important new information from the recent messages
- Maintains continuity and context
- Stays concise (3-4 sentences max)
- Focuses on main topics, decisions, and ongoing themes

Updated Summary:`

// Prompts carries the system prompt and summary templates, either the
// built-in defaults or overrides from a YAML prompt pack.
type Prompts struct {
	System        string
	NewSummary    string
	UpdateSummary string
}

func DefaultPrompts() Prompts {
	return Prompts{
		System:        BaseSystemPrompt,
		NewSummary:    newSummaryPrompt,
		UpdateSummary: updateSummaryPrompt,
	}
}

// LoadPrompts returns the defaults, with any non-empty keys from the
// YAML file at path layered on top. An empty path means defaults only.
func LoadPrompts(path string) (Prompts, error) {
	out := DefaultPrompts()
	if strings.TrimSpace(path) == "" {
		return out, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return out, fmt.Errorf("llm: read prompts file: %w", err)
	}
	var pack struct {
		SystemPrompt        string `yaml:"system_prompt"`
		NewSummaryPrompt    string `yaml:"new_summary_prompt"`
		UpdateSummaryPrompt string `yaml:"update_summary_prompt"`
	}
	if err := yaml.Unmarshal(raw, &pack); err != nil {
		return out, fmt.Errorf("llm: parse prompts file: %w", err)
	}
	if strings.TrimSpace(pack.SystemPrompt) != "" {
		out.System = pack.SystemPrompt
	}
	if strings.TrimSpace(pack.NewSummaryPrompt) != "" {
		out.NewSummary = pack.NewSummaryPrompt
	}
	if strings.TrimSpace(pack.UpdateSummaryPrompt) != "" {
		out.UpdateSummary = pack.UpdateSummaryPrompt
	}
	return out, nil
}

// RenderNewSummary fills the new-summary template.
func (p Prompts) RenderNewSummary(conversationText string) string {
	return strings.ReplaceAll(p.NewSummary, "{conversation_text}", conversationText)
}

// RenderUpdateSummary fills the update-summary template.
func (p Prompts) RenderUpdateSummary(previousSummary, conversationText string) string {
	out := strings.ReplaceAll(p.UpdateSummary, "{previous_summary}", previousSummary)
	return strings.ReplaceAll(out, "{conversation_text}", conversationText)
}
