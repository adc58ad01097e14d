package llm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadPromptsDefaults(t *testing.T) {
	p, err := LoadPrompts("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.System != BaseSystemPrompt {
		t.Fatal("system prompt: want built-in default")
	}
	if !strings.Contains(p.NewSummary, "{conversation_text}") {
		t.Fatal("new summary template missing placeholder")
	}
}

func TestLoadPromptsOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.yaml")
	content := "system_prompt: custom system\nnew_summary_prompt: \"summarise: {conversation_text}\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadPrompts(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.System != "custom system" {
		t.Fatalf("system: got=%q", p.System)
	}
	if got := p.RenderNewSummary("hello world"); got != "summarise: hello world" {
		t.Fatalf("render: got=%q", got)
	}
	if !strings.Contains(p.UpdateSummary, "{previous_summary}") {
		t.Fatal("update summary should keep default when not overridden")
	}
}

func TestRenderUpdateSummary(t *testing.T) {
	p := DefaultPrompts()
	out := p.RenderUpdateSummary("old facts", "user: hi\nassistant: hello")
	if !strings.Contains(out, "old facts") || !strings.Contains(out, "user: hi") {
		t.Fatalf("render missing parts: %q", out)
	}
	if strings.Contains(out, "{previous_summary}") || strings.Contains(out, "{conversation_text}") {
		t.Fatal("placeholders left unfilled")
	}
}
