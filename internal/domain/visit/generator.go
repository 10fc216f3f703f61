package visit

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/radiology/dashboard/pkg/weighted"
)

const (
	DefaultCount      = 200
	DefaultWindowDays = 90
)

// Generator produces synthetic visits approximating a radiology
// department's workload. A Generator is not safe for concurrent use.
type Generator struct {
	catalog Catalog
	exams   *weighted.Sampler[ExamEntry]
	scores  *weighted.Sampler[int]
	rng     *rand.Rand
	now     func() time.Time
}

// NewGenerator returns a generator drawing from catalog. If seed is 0 a
// time-based seed is chosen.
func NewGenerator(catalog Catalog, seed int64) (*Generator, error) {
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	catalog = catalog.clone()

	examChoices := make([]weighted.Choice[ExamEntry], len(catalog.Exams))
	for i, e := range catalog.Exams {
		examChoices[i] = weighted.Choice[ExamEntry]{Item: e, Weight: e.Weight}
	}
	exams, err := weighted.NewSampler(examChoices)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	scoreChoices := make([]weighted.Choice[int], len(catalog.SatisfactionWeights))
	for i, w := range catalog.SatisfactionWeights {
		scoreChoices[i] = weighted.Choice[int]{Item: i + 1, Weight: w}
	}
	scores, err := weighted.NewSampler(scoreChoices)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		catalog: catalog,
		exams:   exams,
		scores:  scores,
		rng:     rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)),
		now:     time.Now,
	}, nil
}

// SetClock replaces the generator's time source.
func (g *Generator) SetClock(now func() time.Time) {
	g.now = now
}

// Catalog returns a copy of the catalog the generator draws from.
func (g *Generator) Catalog() Catalog {
	return g.catalog.clone()
}

// Generate returns exactly count visits dated within the trailing
// windowDays days. Patient IDs are unique within one call.
func (g *Generator) Generate(count, windowDays int) ([]Visit, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive, got %d", ErrInvalidArgument, count)
	}
	if windowDays <= 0 {
		return nil, fmt.Errorf("%w: window must be positive, got %d days", ErrInvalidArgument, windowDays)
	}

	now := g.now()
	start := now.AddDate(0, 0, -windowDays)

	visits := make([]Visit, count)
	for i := range visits {
		visits[i] = g.generateOne(i, now, start, windowDays)
	}
	return visits, nil
}

func (g *Generator) generateOne(index int, now, start time.Time, windowDays int) Visit {
	c := &g.catalog

	day := start.AddDate(0, 0, g.rng.IntN(windowDays+1))
	// Weekend draws are rerolled once; the second draw is kept even if it is
	// also a weekend.
	if isWeekend(day) && g.rng.Float64() < c.WeekendRerollChance {
		day = start.AddDate(0, 0, g.rng.IntN(windowDays+1))
	}

	hour := g.between(c.BusinessHours)
	minute := c.MinuteSlots[g.rng.IntN(len(c.MinuteSlots))]
	visitDate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location())
	if visitDate.After(now) {
		visitDate = visitDate.AddDate(0, 0, -1)
	} else if visitDate.Before(start) {
		visitDate = visitDate.AddDate(0, 0, 1)
	}

	exam := g.exams.Pick(g.rng)

	emergency := g.rng.Float64() < c.EmergencyProbability
	var wait int
	switch {
	case emergency:
		wait = g.between(c.EmergencyWait)
	case g.rng.Float64() < c.ShortWaitProbability:
		wait = g.between(c.ShortWait)
	default:
		wait = g.between(c.LongWait)
	}

	return Visit{
		PatientID:          fmt.Sprintf("%s%d", c.PatientIDPrefix, c.PatientIDBase+index),
		VisitDate:          visitDate,
		ExamType:           exam.ExamType,
		Modality:           exam.Modality,
		WaitMinutes:        wait,
		ScanMinutes:        g.between(c.ScanMinutes[exam.Modality]),
		SatisfactionScore:  g.scores.Pick(g.rng),
		IsEmergency:        emergency,
		ReferringPhysician: c.Physicians[g.rng.IntN(len(c.Physicians))],
	}
}

func (g *Generator) between(r IntRange) int {
	return r.Min + g.rng.IntN(r.Max-r.Min+1)
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
