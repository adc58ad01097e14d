package rag

import (
	"strings"
	"testing"
)

func TestSplitChunksShortTextSingleChunk(t *testing.T) {
	got := splitChunks("just a few words here", 100, 10)
	if len(got) != 1 {
		t.Fatalf("chunks: want=1 got=%d", len(got))
	}
	if got[0] != "just a few words here" {
		t.Fatalf("chunk: got=%q", got[0])
	}
}

func TestSplitChunksOverlap(t *testing.T) {
	words := make([]string, 30)
	for i := range words {
		words[i] = "w" + string(rune('a'+i%26))
	}
	text := strings.Join(words, " ")
	got := splitChunks(text, 10, 3)
	if len(got) < 3 {
		t.Fatalf("chunks: want>=3 got=%d", len(got))
	}
	first := strings.Fields(got[0])
	second := strings.Fields(got[1])
	if len(first) != 10 {
		t.Fatalf("first chunk size: want=10 got=%d", len(first))
	}
	// The second chunk re-covers the last 3 words of the first.
	for i := 0; i < 3; i++ {
		if first[len(first)-3+i] != second[i] {
			t.Fatalf("overlap mismatch: first tail=%v second head=%v", first[len(first)-3:], second[:3])
		}
	}
}

func TestSplitChunksBiasesToSentenceEnd(t *testing.T) {
	text := "one two three four five six seven. eight nine ten eleven twelve"
	got := splitChunks(text, 10, 0)
	if len(got) < 2 {
		t.Fatalf("chunks: want>=2 got=%d", len(got))
	}
	if !strings.HasSuffix(got[0], "seven.") {
		t.Fatalf("first chunk should close on the sentence: got=%q", got[0])
	}
}

func TestSplitChunksEmpty(t *testing.T) {
	if got := splitChunks("   ", 10, 2); got != nil {
		t.Fatalf("want nil, got=%v", got)
	}
}
