package engine

import (
	"strings"
	"testing"
)

func collectSegments(chunks []string) []Segment {
	var out []Segment
	s := NewSegmenter(func(seg Segment) { out = append(out, seg) })
	for _, c := range chunks {
		s.Feed(c)
	}
	s.Close()
	return out
}

func TestSegmenterBasicSplit(t *testing.T) {
	got := collectSegments([]string{
		"[[emotion:happy]]Great question! [[emotion:thoughtful]]Let me think about that.",
	})
	if len(got) != 2 {
		t.Fatalf("segments: want=2 got=%d (%v)", len(got), got)
	}
	if got[0].Emotion != "happy" || got[0].Content != "Great question!" {
		t.Fatalf("first: got=%+v", got[0])
	}
	if got[0].IsFinal {
		t.Fatal("first segment must not be final")
	}
	if got[1].Emotion != "thoughtful" || !got[1].IsFinal {
		t.Fatalf("second: got=%+v", got[1])
	}
}

func TestSegmenterSentinelSplitAcrossChunks(t *testing.T) {
	got := collectSegments([]string{
		"Hello there. [[emo", "tion:exci", "ted]]This is great!",
	})
	if len(got) != 2 {
		t.Fatalf("segments: want=2 got=%d (%v)", len(got), got)
	}
	if got[0].Content != "Hello there." || got[0].Emotion != "neutral" {
		t.Fatalf("first: got=%+v", got[0])
	}
	if got[1].Content != "This is great!" || got[1].Emotion != "excited" {
		t.Fatalf("second: got=%+v", got[1])
	}
	for _, seg := range got {
		if strings.Contains(seg.Content, "[[") {
			t.Fatalf("sentinel text leaked: %q", seg.Content)
		}
	}
}

func TestSegmenterTextBeforeFirstSentinelIsNeutral(t *testing.T) {
	got := collectSegments([]string{"plain text [[emotion:happy]]cheerful end"})
	if len(got) != 2 {
		t.Fatalf("segments: want=2 got=%d", len(got))
	}
	if got[0].Emotion != "neutral" {
		t.Fatalf("leading emotion: got=%q", got[0].Emotion)
	}
}

func TestSegmenterUnknownEmotionDegrades(t *testing.T) {
	got := collectSegments([]string{"[[emotion:sad]]sorry to hear. [[emotion:zigzag]]anyway."})
	if len(got) != 2 {
		t.Fatalf("segments: want=2 got=%d", len(got))
	}
	if got[0].Emotion != "concerned" {
		t.Fatalf("alias: want=concerned got=%q", got[0].Emotion)
	}
	if got[1].Emotion != "neutral" {
		t.Fatalf("unknown: want=neutral got=%q", got[1].Emotion)
	}
}

func TestSegmenterEmptySegmentsDropped(t *testing.T) {
	got := collectSegments([]string{"[[emotion:happy]] [[emotion:curious]]only this"})
	if len(got) != 1 {
		t.Fatalf("segments: want=1 got=%d (%v)", len(got), got)
	}
	if got[0].Content != "only this" || got[0].Emotion != "curious" || !got[0].IsFinal {
		t.Fatalf("segment: got=%+v", got[0])
	}
}

func TestSegmenterExactlyOneFinal(t *testing.T) {
	got := collectSegments([]string{
		"[[emotion:happy]]one. [[emotion:neutral]]two. [[emotion:confident]]three.",
	})
	finals := 0
	for _, seg := range got {
		if seg.IsFinal {
			finals++
		}
	}
	if finals != 1 {
		t.Fatalf("finals: want=1 got=%d", finals)
	}
	if !got[len(got)-1].IsFinal {
		t.Fatal("final flag must be on the last segment")
	}
}

func TestSegmenterBracketTextIsLiteral(t *testing.T) {
	got := collectSegments([]string{"array[0] and [[note]] stay verbatim"})
	if len(got) != 1 {
		t.Fatalf("segments: want=1 got=%d", len(got))
	}
	if got[0].Content != "array[0] and [[note]] stay verbatim" {
		t.Fatalf("content: got=%q", got[0].Content)
	}
}

func TestSegmenterDanglingPartialSentinelFlushedAsText(t *testing.T) {
	got := collectSegments([]string{"trailing [[emoti"})
	if len(got) != 1 {
		t.Fatalf("segments: want=1 got=%d", len(got))
	}
	if got[0].Content != "trailing [[emoti" {
		t.Fatalf("content: got=%q", got[0].Content)
	}
}

func TestSegmenterWhitespaceOnlyStreamEmitsNothing(t *testing.T) {
	got := collectSegments([]string{"  ", "\n\t"})
	if len(got) != 0 {
		t.Fatalf("segments: want=0 got=%d (%v)", len(got), got)
	}
}
