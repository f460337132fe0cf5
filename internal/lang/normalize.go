package lang

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/MrWong99/parley/pkg/types"
)

var (
	spaceRun      = regexp.MustCompile(`\s+`)
	latinRun      = regexp.MustCompile(`[A-Za-z]+`)
	missingSpace  = regexp.MustCompile(`([.,!?])([A-Za-z])`)
	spaceBeforePu = regexp.MustCompile(`\s+([.,!?।])`)

	corrections = compileWordMap(marathiCorrections)
	respellings = compileRespellings()
)

type wordRule struct {
	re   *regexp.Regexp
	repl string
}

func compileWordMap(pairs []struct{ wrong, right string }) []wordRule {
	rules := make([]wordRule, 0, len(pairs))
	for _, p := range pairs {
		rules = append(rules, wordRule{
			re:   regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(p.wrong) + `\b`),
			repl: p.right,
		})
	}
	return rules
}

func compileRespellings() []wordRule {
	rules := make([]wordRule, 0, len(englishRespellings))
	for _, r := range englishRespellings {
		rules = append(rules, wordRule{
			re:   regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(r.word) + `\b`),
			repl: r.say,
		})
	}
	return rules
}

func applyRules(text string, rules []wordRule) string {
	for _, r := range rules {
		text = r.re.ReplaceAllLiteralString(text, r.repl)
	}
	return text
}

// NormalizeInput prepares a user transcript for the prompt. English input
// loses any stray Devanagari. Marathi input has common recogniser mistakes
// corrected. Hindi and Marathi input containing Latin letters is
// transliterated to Devanagari.
func NormalizeInput(text string, l types.Language) string {
	switch l {
	case types.LangEnglish:
		text = strings.Map(func(r rune) rune {
			if r >= devanagariStart && r <= devanagariEnd {
				return -1
			}
			return r
		}, text)
	case types.LangMarathi:
		text = applyRules(text, corrections)
		if latinRun.MatchString(text) {
			text = Transliterate(text)
		}
	case types.LangHindi:
		if latinRun.MatchString(text) {
			text = Transliterate(text)
		}
	}
	return collapse(text)
}

// ValidateOutput cleans generated text before it is spoken. Emoji are always
// removed. English output is respelled for pronunciation and reduced to
// ASCII. Hindi and Marathi output is converted to Devanagari, digits are
// spelled out and full stops become dandas.
func ValidateOutput(text string, l types.Language) string {
	text = stripEmoji(text)
	switch l {
	case types.LangEnglish:
		text = applyRules(text, respellings)
		text = missingSpace.ReplaceAllString(text, "$1 $2")
		text = strings.Map(func(r rune) rune {
			if r > unicode.MaxASCII {
				return -1
			}
			return r
		}, text)
	case types.LangHindi, types.LangMarathi:
		text = Transliterate(text)
		text = spellDigits(text)
		text = strings.ReplaceAll(text, ".", "।")
		text = strings.Map(func(r rune) rune {
			switch {
			case r >= devanagariStart && r <= devanagariEnd:
				return r
			case unicode.IsSpace(r):
				return r
			case strings.ContainsRune(",!?।", r):
				return r
			}
			return -1
		}, text)
		text = spaceBeforePu.ReplaceAllString(text, "$1")
	}
	return collapse(text)
}

// Transliterate rewrites every run of Latin letters in text as Devanagari.
// Known loanwords use a fixed spelling; other words are converted grapheme by
// grapheme, which is a pronunciation aid rather than correct orthography.
// Everything that is not a Latin letter is kept as is.
func Transliterate(text string) string {
	return latinRun.ReplaceAllStringFunc(text, transliterateWord)
}

func transliterateWord(w string) string {
	w = strings.ToLower(w)
	if dev, ok := loanwords[w]; ok {
		return dev
	}

	var b strings.Builder
	afterConsonant := false
	for i := 0; i < len(w); {
		g, n := nextGrapheme(w[i:])
		i += n
		if g.consonant {
			b.WriteString(g.text)
			afterConsonant = true
			continue
		}
		if g.vowel == "" {
			// Unmapped letter.
			continue
		}
		if afterConsonant {
			m := matras[g.vowel]
			// A word-final short a is long in romanised Hindi and Marathi.
			if g.vowel == "a" && i == len(w) {
				m = matras["aa"]
			}
			b.WriteString(m)
		} else {
			b.WriteString(vowels[g.vowel])
		}
		afterConsonant = false
	}
	return b.String()
}

type grapheme struct {
	text      string
	vowel     string
	consonant bool
}

// nextGrapheme matches the longest mapped grapheme at the start of s and
// returns it with the number of bytes consumed.
func nextGrapheme(s string) (grapheme, int) {
	for _, n := range []int{2, 1} {
		if len(s) < n {
			continue
		}
		k := s[:n]
		if c, ok := consonants[k]; ok {
			return grapheme{text: c, consonant: true}, n
		}
		if _, ok := vowels[k]; ok {
			return grapheme{vowel: k}, n
		}
	}
	return grapheme{}, 1
}

func spellDigits(text string) string {
	var b strings.Builder
	prevDigit := false
	for _, r := range text {
		w, ok := digitWords[r]
		if !ok {
			b.WriteRune(r)
			prevDigit = false
			continue
		}
		if prevDigit {
			b.WriteByte(' ')
		}
		b.WriteString(w)
		prevDigit = true
	}
	return b.String()
}

func stripEmoji(text string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 0x1F000 && r <= 0x1FAFF,
			r >= 0x2600 && r <= 0x27BF,
			r == 0xFE0F, r == 0x200D:
			return -1
		}
		return r
	}, text)
}

func collapse(text string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(text, " "))
}
