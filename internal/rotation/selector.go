// Package rotation picks items from a fixed list under a rotation strategy.
package rotation

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/lattiq/mailpool/internal/lock"
)

// Strategy controls the order in which a Selector yields items.
type Strategy string

const (
	// Disabled always yields the first item.
	Disabled Strategy = "disabled"
	// Sequential yields items round-robin, wrapping at the end.
	Sequential Strategy = "sequential"
	// Random yields a uniformly chosen item.
	Random Strategy = "random"
)

const (
	usageTrimThreshold = 1000
	usageTrimKeep      = 100
)

// ErrNoItemsAvailable is returned when a selector has nothing to choose from.
var ErrNoItemsAvailable = errors.New("no items available for rotation")

// ParseStrategy converts a configuration value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(Sequential):
		return Sequential, nil
	case string(Random):
		return Random, nil
	case string(Disabled), "off", "none":
		return Disabled, nil
	default:
		return "", fmt.Errorf("unknown rotation strategy %q", s)
	}
}

// Selector is a thread-safe, stateful chooser over a fixed item list.
type Selector[T any] struct {
	name     string
	items    []T
	strategy Strategy
	keyFn    func(T) string
	intn     func(int) int
	timeout  time.Duration

	mu    lock.Mutex
	index int
	usage map[string]int
	total int
}

// Option configures a Selector.
type Option[T any] func(*Selector[T])

// WithKey sets the function used to key usage statistics.
func WithKey[T any](fn func(T) string) Option[T] {
	return func(s *Selector[T]) {
		s.keyFn = fn
	}
}

// WithRand replaces the random source used by the Random strategy.
func WithRand[T any](intn func(int) int) Option[T] {
	return func(s *Selector[T]) {
		s.intn = intn
	}
}

// WithLockTimeout bounds how long a selection waits for the selector lock.
func WithLockTimeout[T any](d time.Duration) Option[T] {
	return func(s *Selector[T]) {
		s.timeout = d
	}
}

// New creates a selector. The items slice is copied.
func New[T any](name string, items []T, strategy Strategy, opts ...Option[T]) (*Selector[T], error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrNoItemsAvailable)
	}
	if strategy == "" {
		strategy = Sequential
	}

	s := &Selector[T]{
		name:     name,
		items:    append([]T(nil), items...),
		strategy: strategy,
		keyFn:    func(v T) string { return fmt.Sprint(v) },
		intn:     rand.IntN,
		timeout:  lock.DefaultTimeout,
		usage:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name returns the selector name.
func (s *Selector[T]) Name() string { return s.name }

// Strategy returns the selector's strategy.
func (s *Selector[T]) Strategy() Strategy { return s.strategy }

// Len returns the number of configured items.
func (s *Selector[T]) Len() int { return len(s.items) }

// Next yields the next configured item.
func (s *Selector[T]) Next() (T, error) {
	return s.Choose(s.items)
}

// Choose applies the selector's strategy and index to a caller-supplied
// candidate list, such as a filtered and sorted subset of the items.
func (s *Selector[T]) Choose(candidates []T) (T, error) {
	var zero T
	if len(candidates) == 0 {
		return zero, fmt.Errorf("%s: %w", s.name, ErrNoItemsAvailable)
	}

	if err := s.mu.Acquire(s.timeout); err != nil {
		return zero, fmt.Errorf("%s: %w", s.name, err)
	}
	defer s.mu.Release()

	var item T
	switch s.strategy {
	case Disabled:
		item = candidates[0]
	case Random:
		item = candidates[s.intn(len(candidates))]
	default:
		if s.index < 0 || s.index >= len(candidates) {
			s.index = 0
		}
		item = candidates[s.index]
		s.index = (s.index + 1) % len(candidates)
	}

	s.record(s.keyFn(item))
	return item, nil
}

func (s *Selector[T]) record(key string) {
	s.usage[key]++
	s.total++
	if len(s.usage) <= usageTrimThreshold {
		return
	}

	type kv struct {
		key   string
		count int
	}
	ranked := make([]kv, 0, len(s.usage))
	for k, v := range s.usage {
		ranked = append(ranked, kv{k, v})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].key < ranked[j].key
	})

	trimmed := make(map[string]int, usageTrimKeep)
	for _, e := range ranked[:usageTrimKeep] {
		trimmed[e.key] = e.count
	}
	s.usage = trimmed
}

// Stats describes a selector's usage.
type Stats struct {
	Name     string         `json:"name"`
	Strategy Strategy       `json:"strategy"`
	Items    int            `json:"items"`
	Index    int            `json:"index"`
	Total    int            `json:"total"`
	Usage    map[string]int `json:"usage"`
}

// Stats returns a snapshot of the selector's usage.
func (s *Selector[T]) Stats() (Stats, error) {
	if err := s.mu.Acquire(s.timeout); err != nil {
		return Stats{}, fmt.Errorf("%s: %w", s.name, err)
	}
	defer s.mu.Release()

	usage := make(map[string]int, len(s.usage))
	for k, v := range s.usage {
		usage[k] = v
	}
	return Stats{
		Name:     s.name,
		Strategy: s.strategy,
		Items:    len(s.items),
		Index:    s.index,
		Total:    s.total,
		Usage:    usage,
	}, nil
}
