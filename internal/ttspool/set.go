package ttspool

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/MrWong99/parley/pkg/types"
)

// DefaultConcurrency is the worker count for languages without an override.
const DefaultConcurrency = 2

// Set holds one running pool per language. A Set is immutable after
// construction and safe for concurrent use.
type Set struct {
	pools map[types.Language]*Pool
}

// Member is one pool of a Set with its worker count.
type Member struct {
	Pool        *Pool
	Concurrency int
}

// NewSet starts every member pool. Duplicate languages are rejected.
func NewSet(members ...Member) (*Set, error) {
	s := &Set{pools: make(map[types.Language]*Pool, len(members))}
	for _, m := range members {
		lang := m.Pool.Language()
		if _, dup := s.pools[lang]; dup {
			return nil, fmt.Errorf("ttspool: duplicate pool for language %q", lang)
		}
		s.pools[lang] = m.Pool
	}
	for _, m := range members {
		n := m.Concurrency
		if n <= 0 {
			n = DefaultConcurrency
		}
		m.Pool.Start(n)
	}
	return s, nil
}

// Get returns the pool for lang.
func (s *Set) Get(lang types.Language) (*Pool, bool) {
	if s == nil {
		return nil, false
	}
	p, ok := s.pools[lang]
	return p, ok
}

// Languages returns the languages with a pool, sorted.
func (s *Set) Languages() []types.Language {
	if s == nil {
		return nil
	}
	out := make([]types.Language, 0, len(s.pools))
	for l := range s.pools {
		out = append(out, l)
	}
	slices.Sort(out)
	return out
}

// ShutdownAll shuts every pool down and joins their errors.
func (s *Set) ShutdownAll(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var errs []error
	for lang, p := range s.pools {
		if err := p.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ttspool: shutdown %s: %w", lang, err))
		}
	}
	return errors.Join(errs...)
}
