package lang

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	// fuzzyMinLen is the shortest word considered for a near match. Short
	// transliterations collide too easily to be useful.
	fuzzyMinLen = 5

	defaultFuzzyThreshold = 0.88
)

// vocab is a marker vocabulary prepared for near matching. Entries are sorted
// so ties resolve the same way on every call.
type vocab struct {
	words []string
	codes []map[string]struct{}
}

func newVocab(words map[string]struct{}) vocab {
	v := vocab{}
	for w := range words {
		if len(w) >= fuzzyMinLen-1 {
			v.words = append(v.words, w)
		}
	}
	sort.Strings(v.words)
	v.codes = make([]map[string]struct{}, len(v.words))
	for i, w := range v.words {
		v.codes[i] = metaphoneCodes(w)
	}
	return v
}

// nearest returns the vocabulary word closest to word. A candidate must share
// a Double Metaphone code with word and reach threshold on Jaro-Winkler
// similarity. The matcher is read-only after construction and safe for
// concurrent use.
func (v vocab) nearest(word string, threshold float64) (string, float64, bool) {
	if len(word) < fuzzyMinLen {
		return "", 0, false
	}
	word = strings.ToLower(word)
	codes := metaphoneCodes(word)
	if len(codes) == 0 {
		return "", 0, false
	}

	var (
		best  string
		score float64
	)
	for i, cand := range v.words {
		if !codesOverlap(codes, v.codes[i]) {
			continue
		}
		if s := matchr.JaroWinkler(word, cand, false); s >= threshold && s > score {
			best, score = cand, s
		}
	}
	return best, score, best != ""
}

func metaphoneCodes(w string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(w)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
