package turn

import (
	"strings"
	"unicode/utf8"
)

const (
	// FirstPhraseMinLen is the minimum phrase length, in characters, before a
	// soft boundary may cut the first phrase of a turn.
	FirstPhraseMinLen = 6

	// PhraseMinLen applies to every phrase after the first.
	PhraseMinLen = 40
)

// Segmenter cuts streamed text into phrases for synthesis. Hard stops
// (. ! ? । and newline) always end a phrase. A comma ends one only once the
// phrase has reached the minimum length, which is short until the first
// phrase has been dispatched so speech can start early.
//
// A Segmenter is not safe for concurrent use.
type Segmenter struct {
	buf   string
	first bool

	firstMin, restMin int
}

// NewSegmenter returns a Segmenter positioned at the start of a turn, using
// [FirstPhraseMinLen] and [PhraseMinLen].
func NewSegmenter() *Segmenter {
	return newSegmenter(FirstPhraseMinLen, PhraseMinLen)
}

func newSegmenter(firstMin, restMin int) *Segmenter {
	return &Segmenter{first: true, firstMin: firstMin, restMin: restMin}
}

// Write appends streamed text.
func (s *Segmenter) Write(text string) {
	s.buf += text
}

// Next cuts the next phrase from the buffer. ok is false when no boundary
// qualifies yet. The returned phrase is trimmed and may be empty, for example
// when the buffer starts with a stray full stop.
func (s *Segmenter) Next() (phrase string, ok bool) {
	minLen := s.restMin
	if s.first {
		minLen = s.firstMin
	}
	pos := 0
	for i, r := range s.buf {
		if isBoundary(r) && (pos >= minLen || isHardStop(r)) {
			end := i + utf8.RuneLen(r)
			phrase = strings.TrimSpace(s.buf[:end])
			s.buf = s.buf[end:]
			return phrase, true
		}
		pos++
	}
	return "", false
}

// Dispatched records that a phrase was sent for synthesis. Only dispatched
// phrases end the short first-phrase threshold.
func (s *Segmenter) Dispatched() {
	s.first = false
}

// Flush returns whatever text remains, trimmed, and empties the buffer.
func (s *Segmenter) Flush() string {
	rest := strings.TrimSpace(s.buf)
	s.buf = ""
	return rest
}

func isBoundary(r rune) bool {
	return r == ',' || isHardStop(r)
}

func isHardStop(r rune) bool {
	switch r {
	case '.', '!', '?', '।', '\n':
		return true
	}
	return false
}
