// Package weighted provides a reusable weighted random sampler.
//
// A Sampler keeps one cumulative weight per item and picks with a binary
// search, so memory grows with the number of items and not with the sum of
// their weights.
package weighted

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// Choice pairs an item with its relative weight. Weights need not sum to
// any particular total.
type Choice[T any] struct {
	Item   T
	Weight int
}

// Sampler draws items with probability proportional to their weight.
// A Sampler is immutable after construction and safe for concurrent use as
// long as each goroutine supplies its own *rand.Rand.
type Sampler[T any] struct {
	items      []T
	cumulative []int
	total      int
}

// NewSampler builds a sampler from the given choices. It returns an error if
// there are no choices or any weight is not positive.
func NewSampler[T any](choices []Choice[T]) (*Sampler[T], error) {
	if len(choices) == 0 {
		return nil, fmt.Errorf("weighted: no choices")
	}
	s := &Sampler[T]{
		items:      make([]T, len(choices)),
		cumulative: make([]int, len(choices)),
	}
	for i, c := range choices {
		if c.Weight <= 0 {
			return nil, fmt.Errorf("weighted: choice %d has non-positive weight %d", i, c.Weight)
		}
		s.total += c.Weight
		s.items[i] = c.Item
		s.cumulative[i] = s.total
	}
	return s, nil
}

// Pick returns one item drawn with probability weight/total.
func (s *Sampler[T]) Pick(rng *rand.Rand) T {
	r := rng.IntN(s.total)
	i := sort.Search(len(s.cumulative), func(i int) bool {
		return s.cumulative[i] > r
	})
	return s.items[i]
}
