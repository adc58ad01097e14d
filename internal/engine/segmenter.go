package engine

import "strings"

const (
	sentinelOpen = "[[emotion:"
	sentinelMax  = 64
)

// Segment is one emotion-tagged slice of an assistant reply.
type Segment struct {
	Content string
	Emotion string
	IsFinal bool
}

type heldSegment struct {
	content string
	emotion string
}

// Segmenter splits a token stream on [[emotion:<name>]] sentinels. It
// holds each completed segment back until the next one starts so the
// last segment of the stream can carry IsFinal. Sentinel text never
// reaches segment content, even when split across feed boundaries.
type Segmenter struct {
	emit    func(Segment)
	emotion string
	buf     strings.Builder
	carry   string
	held    *heldSegment
	emitted int
}

func NewSegmenter(emit func(Segment)) *Segmenter {
	return &Segmenter{emit: emit, emotion: EmotionNeutral}
}

// Feed consumes the next stream chunk, emitting any segments that
// completed strictly before it.
func (s *Segmenter) Feed(chunk string) {
	data := s.carry + chunk
	s.carry = ""

	for len(data) > 0 {
		idx := strings.IndexByte(data, '[')
		if idx < 0 {
			s.buf.WriteString(data)
			return
		}
		s.buf.WriteString(data[:idx])
		data = data[idx:]

		rest, name, state := matchSentinel(data)
		switch state {
		case sentinelComplete:
			s.closeSegment(false)
			s.emotion = NormalizeEmotion(name)
			data = rest
		case sentinelPartial:
			s.carry = data
			return
		default:
			s.buf.WriteByte(data[0])
			data = data[1:]
		}
	}
}

type sentinelState int

const (
	sentinelNo sentinelState = iota
	sentinelPartial
	sentinelComplete
)

// matchSentinel inspects data starting at a '[' and reports whether it
// opens a complete sentinel, might still become one, or is plain text.
func matchSentinel(data string) (rest, name string, state sentinelState) {
	prefix := sentinelOpen
	if len(data) < len(prefix) {
		if strings.HasPrefix(prefix, data) {
			return "", "", sentinelPartial
		}
		return "", "", sentinelNo
	}
	if !strings.HasPrefix(data, prefix) {
		return "", "", sentinelNo
	}
	end := strings.Index(data[len(prefix):], "]]")
	if end < 0 {
		if len(data) < sentinelMax {
			return "", "", sentinelPartial
		}
		return "", "", sentinelNo
	}
	name = data[len(prefix) : len(prefix)+end]
	rest = data[len(prefix)+end+2:]
	return rest, name, sentinelComplete
}

func (s *Segmenter) closeSegment(final bool) {
	content := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if content != "" {
		s.flushHeld(false)
		s.held = &heldSegment{content: content, emotion: s.emotion}
	}
	if final {
		s.flushHeld(true)
	}
}

func (s *Segmenter) flushHeld(final bool) {
	if s.held == nil {
		return
	}
	seg := Segment{Content: s.held.content, Emotion: s.held.emotion, IsFinal: final}
	s.held = nil
	s.emitted++
	s.emit(seg)
}

// Close ends the stream. An unresolved partial sentinel is literal
// text; whatever is buffered flushes as the final segment. Returns the
// number of segments emitted over the whole stream.
func (s *Segmenter) Close() int {
	if s.carry != "" {
		s.buf.WriteString(s.carry)
		s.carry = ""
	}
	s.closeSegment(true)
	return s.emitted
}
