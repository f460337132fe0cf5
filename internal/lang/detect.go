// Package lang detects the conversation language of a transcript and
// normalises text on its way into and out of the language model.
//
// Detection targets the code-mixed speech typical of Indian callers: Hindi
// and Marathi arrive either in Devanagari or romanised by the speech
// recogniser ("tuza nav kay aahe"). Marker vocabularies are scored per
// language, with near matches tolerated through Double Metaphone and
// Jaro-Winkler similarity.
package lang

import (
	"strings"
	"unicode"

	"github.com/MrWong99/parley/pkg/types"
)

const (
	devanagariStart = '\u0900'
	devanagariEnd   = '\u097F'

	// letterLLA only occurs in Marathi.
	letterLLA = '\u0933'
)

// Option is a functional option for [NewDetector].
type Option func(*Detector)

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a near match to
// a marker word. Default: 0.88.
func WithFuzzyThreshold(t float64) Option {
	return func(d *Detector) { d.threshold = t }
}

// WithoutFuzzy disables near matching; only exact marker words score.
func WithoutFuzzy() Option {
	return func(d *Detector) { d.fuzzy = false }
}

// Detector scores text against the marker vocabularies. It is read-only after
// construction and safe for concurrent use.
type Detector struct {
	fuzzy     bool
	threshold float64

	marathiNear vocab
	hindiNear   vocab
}

// NewDetector returns a Detector configured with opts.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		fuzzy:       true,
		threshold:   defaultFuzzyThreshold,
		marathiNear: newVocab(marathiUnique),
		hindiNear:   newVocab(hindiRoman),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

var defaultDetector = NewDetector()

// Detect returns the most likely language of text using the default
// [Detector].
func Detect(text string) types.Language {
	return defaultDetector.Detect(text)
}

// Resolve returns explicit when it names a supported language and otherwise
// falls back to [Detect].
func Resolve(explicit string, text string) types.Language {
	if l, ok := types.ParseLanguage(explicit); ok {
		return l
	}
	return Detect(text)
}

// Scores holds the per-language evidence found by [Detector.Score].
type Scores struct {
	Hindi   int
	Marathi int

	// English is true when English-only words make up the majority.
	English bool

	// Devanagari is true when any Devanagari rune is present.
	Devanagari bool
}

// Detect returns the most likely language of text. A leading explicit tag
// such as "[mr]" wins outright. Empty text and text with no marker evidence
// are English, except text written in Devanagari, which is Hindi. Ties go to
// Hindi.
func (d *Detector) Detect(text string) types.Language {
	if l, _, ok := SplitTag(text); ok {
		return l
	}
	s := d.Score(text)
	switch {
	case s.English:
		return types.LangEnglish
	case s.Marathi == 0 && s.Hindi == 0:
		if s.Devanagari {
			return types.LangHindi
		}
		return types.LangEnglish
	case s.Marathi > s.Hindi:
		return types.LangMarathi
	default:
		return types.LangHindi
	}
}

// Score tallies marker evidence in text.
func (d *Detector) Score(text string) Scores {
	var s Scores
	clean := cleanText(text)
	words := strings.Fields(clean)
	if len(words) == 0 {
		s.English = true
		return s
	}

	english := 0
	for _, w := range words {
		if _, ok := englishOnly[w]; ok {
			english++
		}
	}
	if english*2 > len(words) {
		s.English = true
		return s
	}

	s.Devanagari = hasDevanagari(text)
	if s.Devanagari {
		if strings.ContainsRune(text, letterLLA) {
			s.Marathi += 5
		}
	}

	for _, w := range words {
		if hasDevanagari(w) {
			if _, ok := hindiDevanagari[w]; ok {
				s.Hindi += 2
			}
			if _, ok := marathiDevanagari[w]; ok {
				s.Marathi += 2
			}
			continue
		}
		if _, ok := englishOnly[w]; ok {
			continue
		}
		d.scoreRoman(w, &s)
	}

	for _, bg := range marathiBigrams {
		if strings.Contains(clean, bg) {
			s.Marathi += 4
		}
	}
	return s
}

func (d *Detector) scoreRoman(w string, s *Scores) {
	_, mrUnique := marathiUnique[w]
	_, mr := marathiRoman[w]
	_, hi := hindiRoman[w]

	switch {
	case mrUnique:
		s.Marathi += 3
	case mr:
		s.Marathi++
	}
	if hi {
		s.Hindi++
	}
	if mr || hi || !d.fuzzy {
		return
	}

	// Near matches count for less than exact ones.
	if _, _, ok := d.marathiNear.nearest(w, d.threshold); ok {
		s.Marathi += 2
		return
	}
	if _, _, ok := d.hindiNear.nearest(w, d.threshold); ok {
		s.Hindi++
	}
}

// SplitTag recognises a leading explicit language tag such as "[hi]" and
// returns the language and the remaining text.
func SplitTag(text string) (types.Language, string, bool) {
	t := strings.TrimLeftFunc(text, unicode.IsSpace)
	if len(t) < 4 || t[0] != '[' || t[3] != ']' {
		return "", text, false
	}
	l, ok := types.ParseLanguage(t[1:3])
	if !ok {
		return "", text, false
	}
	return l, strings.TrimSpace(t[4:]), true
}

// cleanText lowercases text and replaces everything but letters, marks and
// digits with spaces. Marks are kept so Devanagari words stay whole.
func cleanText(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsMark(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
}

func hasDevanagari(s string) bool {
	for _, r := range s {
		if r >= devanagariStart && r <= devanagariEnd {
			return true
		}
	}
	return false
}
