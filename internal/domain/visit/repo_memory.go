package visit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps visits in process. It backs the server when no
// database is configured and the generate command's memory mode.
type memoryStore struct {
	mu     sync.RWMutex
	visits []Visit
	nextID int64
}

func NewMemoryStore() Store {
	return &memoryStore{}
}

func (s *memoryStore) ClearAll(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.visits))
	s.visits = nil
	return n, nil
}

func (s *memoryStore) BulkInsert(_ context.Context, visits []Visit) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, v := range visits {
		s.nextID++
		v.ID = s.nextID
		v.CreatedAt = now
		s.visits = append(s.visits, v)
	}
	return int64(len(visits)), nil
}

func (s *memoryStore) Count(_ context.Context, f Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for i := range s.visits {
		if f.match(&s.visits[i]) {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Average(_ context.Context, field Field, f Filter) (float64, error) {
	if !field.Valid() {
		return 0, fmt.Errorf("%w: unknown field %q", ErrInvalidArgument, field)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, n := 0, 0
	for i := range s.visits {
		if f.match(&s.visits[i]) {
			sum += field.value(&s.visits[i])
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return float64(sum) / float64(n), nil
}

func (s *memoryStore) GroupCount(ctx context.Context, by GroupField, f Filter) ([]Group, error) {
	return s.group(by, "", f)
}

func (s *memoryStore) GroupAverage(ctx context.Context, by GroupField, field Field, f Filter) ([]Group, error) {
	if !field.Valid() {
		return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidArgument, field)
	}
	return s.group(by, field, f)
}

// group returns groups ordered by key, matching the SQL store.
func (s *memoryStore) group(by GroupField, field Field, f Filter) ([]Group, error) {
	if !by.Valid() {
		return nil, fmt.Errorf("%w: unknown group field %q", ErrInvalidArgument, by)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[string]int{}
	sums := map[string]int{}
	for i := range s.visits {
		v := &s.visits[i]
		if !f.match(v) {
			continue
		}
		k := by.key(v)
		counts[k]++
		if field != "" {
			sums[k] += field.value(v)
		}
	}

	groups := make([]Group, 0, len(counts))
	for k, n := range counts {
		g := Group{Key: k, Count: n}
		if field != "" {
			g.Average = float64(sums[k]) / float64(n)
		}
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groupKeyLess(by, groups[i].Key, groups[j].Key)
	})
	return groups, nil
}

func (s *memoryStore) List(_ context.Context, f Filter, limit, offset int) ([]*Visit, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Visit
	for i := range s.visits {
		if f.match(&s.visits[i]) {
			v := s.visits[i]
			matched = append(matched, &v)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].VisitDate.Equal(matched[j].VisitDate) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].VisitDate.After(matched[j].VisitDate)
	})

	total := len(matched)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

func (s *memoryStore) Distinct(ctx context.Context, by GroupField) ([]string, error) {
	groups, err := s.group(by, "", Filter{})
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(groups))
	for i, g := range groups {
		keys[i] = g.Key
	}
	return keys, nil
}

// groupKeyLess orders weekday keys Sunday first and everything else
// lexically.
func groupKeyLess(by GroupField, a, b string) bool {
	if by == GroupWeekday {
		return weekdayIndex(a) < weekdayIndex(b)
	}
	return a < b
}

func weekdayIndex(name string) int {
	for i, d := range Weekdays {
		if d == name {
			return i
		}
	}
	return len(Weekdays)
}
