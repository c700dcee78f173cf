// Package data reads the collections bound by read_data and iterated by
// run_loop. Sources load lazily and are memoized per Sequence
package data

import (
	"context"
	"fmt"
	"sync"

	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/expr"
)

// Loader fetches the values of a Sequence
type Loader func(ctx context.Context) ([]any, error)

// Sequence is a lazily loaded, re-iterable list of values. The loader runs
// on first use; a successful load is kept for every later iteration while
// a failed load is retried on the next call
type Sequence struct {
	source string
	load   Loader

	mu     sync.Mutex
	loaded bool
	values []any
	loads  int
}

// NewSequence returns an unloaded sequence backed by load
func NewSequence(source string, load Loader) *Sequence {
	return &Sequence{source: source, load: load}
}

// Of returns an already loaded sequence
func Of(values ...any) *Sequence {
	return &Sequence{
		source: "literal",
		loaded: true,
		values: values,
	}
}

// Source describes where the values come from
func (s *Sequence) Source() string {
	return s.source
}

// Loaded reports whether the values have been fetched
func (s *Sequence) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Loads returns how many times the loader has been invoked
func (s *Sequence) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

// Values returns a copy of the values, loading them if necessary
func (s *Sequence) Values(ctx context.Context) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := ctx.Err(); err != nil {
			return nil, core.TimeoutFromContext(ctx)
		}
		s.loads++
		values, err := s.load(ctx)
		if err != nil {
			return nil, err
		}
		s.values = values
		s.loaded = true
	}
	res := make([]any, len(s.values))
	copy(res, s.values)
	return res, nil
}

// Len returns the number of values
func (s *Sequence) Len(ctx context.Context) (int, error) {
	values, err := s.Values(ctx)
	if err != nil {
		return 0, err
	}
	return len(values), nil
}

// At returns the value at index i; negative indexes count from the end
func (s *Sequence) At(ctx context.Context, i int) (any, error) {
	values, err := s.Values(ctx)
	if err != nil {
		return nil, err
	}
	if i < 0 {
		i += len(values)
	}
	if i < 0 || i >= len(values) {
		return nil, core.ErrIndexOutOfRange.WithMessagef(
			"index %d out of range for %s (%d values)", i, s.source, len(values),
		)
	}
	return values[i], nil
}

// Derive returns a sequence whose values are fn applied to the values of
// s. Neither sequence is loaded until the derived one is
func (s *Sequence) Derive(source string, fn func([]any) ([]any, error)) *Sequence {
	return NewSequence(source, func(ctx context.Context) ([]any, error) {
		values, err := s.Values(ctx)
		if err != nil {
			return nil, err
		}
		return fn(values)
	})
}

// String renders loaded values; an unloaded sequence renders its source
func (s *Sequence) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return fmt.Sprintf("<data %s>", s.source)
	}
	if len(s.values) == 1 {
		return expr.Format(s.values[0])
	}
	return expr.Format(s.values)
}
