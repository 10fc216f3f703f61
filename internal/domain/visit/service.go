package visit

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SeedRequest describes one reseed run.
type SeedRequest struct {
	Count      int   `json:"count"`
	WindowDays int   `json:"window_days"`
	Seed       int64 `json:"seed,omitempty"`
}

// Summary holds the aggregate counts reported after a seed run.
type Summary struct {
	Total           int     `json:"total"`
	MRI             int     `json:"mri"`
	CT              int     `json:"ct"`
	XRay            int     `json:"xray"`
	Emergency       int     `json:"emergency"`
	AvgWait         float64 `json:"avg_wait_minutes"`
	AvgSatisfaction float64 `json:"avg_satisfaction"`
}

// SeedResult describes a completed seed run.
type SeedResult struct {
	RunID      uuid.UUID     `json:"run_id"`
	Requested  int           `json:"requested"`
	WindowDays int           `json:"window_days"`
	Cleared    int64         `json:"cleared"`
	Inserted   int64         `json:"inserted"`
	Summary    Summary       `json:"summary"`
	Duration   time.Duration `json:"duration"`
}

// SeedHook runs after a successful seed. Hook errors are logged and do not
// fail the run.
type SeedHook func(ctx context.Context, res *SeedResult) error

// DefaultHookTimeout bounds each seed hook. Hooks run on a context detached
// from the caller, so a slow broker cannot outlive it.
const DefaultHookTimeout = 5 * time.Second

// Service reseeds the store and answers the dashboard queries.
//
// Seed is not safe for concurrent use: two overlapping runs may interleave
// their clear and insert steps. Callers serialize runs.
type Service struct {
	store   Store
	catalog Catalog
	logger  zerolog.Logger
	now     func() time.Time
	hooks   []SeedHook

	hookTimeout time.Duration
}

func NewService(store Store, catalog Catalog, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		catalog: catalog,
		logger:  logger,
		now:     time.Now,

		hookTimeout: DefaultHookTimeout,
	}
}

// SetHookTimeout changes how long each seed hook may run.
func (s *Service) SetHookTimeout(d time.Duration) {
	s.hookTimeout = d
}

// SetClock replaces the time source used for generation and date windows.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// OnSeeded registers a hook run after every successful seed.
func (s *Service) OnSeeded(h SeedHook) {
	s.hooks = append(s.hooks, h)
}

// Seed replaces every stored visit with req.Count freshly generated ones.
// Generation happens fully in memory before the store is touched, so an
// invalid request leaves stored data unchanged. If the insert fails after
// the clear succeeded, the store is left empty.
func (s *Service) Seed(ctx context.Context, req SeedRequest) (*SeedResult, error) {
	start := time.Now()
	if req.Count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive, got %d", ErrInvalidArgument, req.Count)
	}
	if req.WindowDays <= 0 {
		return nil, fmt.Errorf("%w: window must be positive, got %d days", ErrInvalidArgument, req.WindowDays)
	}

	gen, err := NewGenerator(s.catalog, req.Seed)
	if err != nil {
		return nil, err
	}
	gen.SetClock(s.now)
	visits, err := gen.Generate(req.Count, req.WindowDays)
	if err != nil {
		return nil, err
	}

	res := &SeedResult{
		RunID:      uuid.New(),
		Requested:  req.Count,
		WindowDays: req.WindowDays,
	}
	log := s.logger.With().Str("run_id", res.RunID.String()).Logger()

	// Once the clear starts the run finishes even if the caller goes away;
	// otherwise a cancelled request would leave the store empty.
	ctx = context.WithoutCancel(ctx)

	res.Cleared, err = s.store.ClearAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to clear visits")
		return nil, err
	}
	log.Info().Int64("cleared", res.Cleared).Msg("cleared existing patient visit data")

	res.Inserted, err = s.store.BulkInsert(ctx, visits)
	if err != nil {
		log.Error().Err(err).Msg("bulk insert failed, store left empty")
		return nil, err
	}

	sum, err := s.Summary(ctx)
	if err != nil {
		return nil, err
	}
	res.Summary = *sum
	res.Duration = time.Since(start)

	log.Info().
		Int("count", req.Count).
		Int("window_days", req.WindowDays).
		Int64("inserted", res.Inserted).
		Dur("duration", res.Duration).
		Msg("patient visits generated")

	for i, h := range s.hooks {
		if err := s.runHook(ctx, h, res); err != nil {
			log.Warn().Err(err).Int("hook", i).Msg("seed hook failed")
		}
	}
	return res, nil
}

func (s *Service) runHook(ctx context.Context, h SeedHook, res *SeedResult) error {
	ctx, cancel := context.WithTimeout(ctx, s.hookTimeout)
	defer cancel()
	return h(ctx, res)
}

// Summary reports totals and averages over every stored visit.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	var sum Summary
	var err error
	if sum.Total, err = s.store.Count(ctx, Filter{}); err != nil {
		return nil, err
	}
	if sum.MRI, err = s.store.Count(ctx, Filter{Modality: ModalityMRI}); err != nil {
		return nil, err
	}
	if sum.CT, err = s.store.Count(ctx, Filter{Modality: ModalityCT}); err != nil {
		return nil, err
	}
	if sum.XRay, err = s.store.Count(ctx, Filter{Modality: ModalityXRay}); err != nil {
		return nil, err
	}
	emergency := true
	if sum.Emergency, err = s.store.Count(ctx, Filter{Emergency: &emergency}); err != nil {
		return nil, err
	}
	if sum.AvgWait, err = s.store.Average(ctx, FieldWaitTime, Filter{}); err != nil {
		return nil, err
	}
	if sum.AvgSatisfaction, err = s.store.Average(ctx, FieldSatisfaction, Filter{}); err != nil {
		return nil, err
	}
	return &sum, nil
}

// ModalityStat is the per-modality utilization row on the dashboard.
type ModalityStat struct {
	Modality Modality `json:"modality"`
	Display  string   `json:"display"`
	Count    int      `json:"count"`
	AvgWait  float64  `json:"avg_wait"`
}

// Dashboard is the key-metrics view.
type Dashboard struct {
	VisitsThisMonth int            `json:"visits_this_month"`
	AvgWaitTime     float64        `json:"avg_wait_time"`
	AvgSatisfaction float64        `json:"avg_satisfaction"`
	TopExam         *Group         `json:"top_exam,omitempty"`
	ModalityStats   []ModalityStat `json:"modality_stats"`
	RecentVisits    []*Visit       `json:"recent_visits"`
	TotalVisits     int            `json:"total_visits"`
}

const recentVisitLimit = 10

func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	now := s.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	thirtyDaysAgo := now.AddDate(0, 0, -30)

	d := &Dashboard{}
	var err error
	if d.VisitsThisMonth, err = s.store.Count(ctx, Filter{Since: &monthStart}); err != nil {
		return nil, err
	}
	avgWait, err := s.store.Average(ctx, FieldWaitTime, Filter{Since: &thirtyDaysAgo})
	if err != nil {
		return nil, err
	}
	d.AvgWaitTime = round(avgWait, 1)
	avgSat, err := s.store.Average(ctx, FieldSatisfaction, Filter{})
	if err != nil {
		return nil, err
	}
	d.AvgSatisfaction = round(avgSat, 2)

	exams, err := s.store.GroupCount(ctx, GroupExamType, Filter{})
	if err != nil {
		return nil, err
	}
	sortByCountDesc(exams)
	if len(exams) > 0 {
		top := exams[0]
		d.TopExam = &top
	}

	byModality, err := s.store.GroupAverage(ctx, GroupModality, FieldWaitTime, Filter{})
	if err != nil {
		return nil, err
	}
	d.ModalityStats = make([]ModalityStat, 0, len(byModality))
	for _, g := range byModality {
		m := Modality(g.Key)
		d.ModalityStats = append(d.ModalityStats, ModalityStat{
			Modality: m,
			Display:  m.Display(),
			Count:    g.Count,
			AvgWait:  round(g.Average, 1),
		})
	}

	if d.RecentVisits, d.TotalVisits, err = s.store.List(ctx, Filter{}, recentVisitLimit, 0); err != nil {
		return nil, err
	}
	return d, nil
}

// Reports holds the chart series.
type Reports struct {
	WeekdayData           []Group `json:"weekday_data"`
	ExamBreakdown         []Group `json:"exam_breakdown"`
	DailyTrends           []Group `json:"daily_trends"`
	WaitByExam            []Group `json:"wait_by_exam"`
	SatisfactionBreakdown []Group `json:"satisfaction_breakdown"`
}

func (s *Service) Reports(ctx context.Context) (*Reports, error) {
	r := &Reports{}

	weekdays, err := s.store.GroupCount(ctx, GroupWeekday, Filter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(weekdays))
	for _, g := range weekdays {
		counts[g.Key] = g.Count
	}
	r.WeekdayData = make([]Group, len(Weekdays))
	for i, name := range Weekdays {
		r.WeekdayData[i] = Group{Key: name, Count: counts[name]}
	}

	if r.ExamBreakdown, err = s.store.GroupCount(ctx, GroupExamType, Filter{}); err != nil {
		return nil, err
	}
	sortByCountDesc(r.ExamBreakdown)

	thirtyDaysAgo := s.now().AddDate(0, 0, -30)
	if r.DailyTrends, err = s.store.GroupCount(ctx, GroupDate, Filter{Since: &thirtyDaysAgo}); err != nil {
		return nil, err
	}

	if r.WaitByExam, err = s.store.GroupAverage(ctx, GroupExamType, FieldWaitTime, Filter{}); err != nil {
		return nil, err
	}
	sort.SliceStable(r.WaitByExam, func(i, j int) bool {
		return r.WaitByExam[i].Average > r.WaitByExam[j].Average
	})

	if r.SatisfactionBreakdown, err = s.store.GroupCount(ctx, GroupSatisfaction, Filter{}); err != nil {
		return nil, err
	}
	sort.SliceStable(r.SatisfactionBreakdown, func(i, j int) bool {
		return r.SatisfactionBreakdown[i].Key > r.SatisfactionBreakdown[j].Key
	})
	return r, nil
}

// VisitPage is one page of the filtered visit table.
type VisitPage struct {
	Visits     []*Visit `json:"visits"`
	Total      int      `json:"total"`
	Modalities []string `json:"modalities"`
	ExamTypes  []string `json:"exam_types"`
}

func (s *Service) ListVisits(ctx context.Context, f Filter, limit, offset int) (*VisitPage, error) {
	visits, total, err := s.store.List(ctx, f, limit, offset)
	if err != nil {
		return nil, err
	}
	page := &VisitPage{Visits: visits, Total: total}
	if page.Modalities, err = s.store.Distinct(ctx, GroupModality); err != nil {
		return nil, err
	}
	if page.ExamTypes, err = s.store.Distinct(ctx, GroupExamType); err != nil {
		return nil, err
	}
	return page, nil
}

// FormatSummary writes the human-readable report of a seed run.
func FormatSummary(w io.Writer, res *SeedResult) error {
	sum := res.Summary
	_, err := fmt.Fprintf(w, `Cleared %d existing patient visits
Successfully generated %d patient visits

--- Statistics ---
Total visits: %d
MRI visits: %d
CT visits: %d
X-Ray visits: %d
Emergency visits: %d
Average wait time: %.1f minutes
Average satisfaction: %.2f/5.0
`, res.Cleared, res.Inserted, sum.Total, sum.MRI, sum.CT, sum.XRay, sum.Emergency, sum.AvgWait, sum.AvgSatisfaction)
	return err
}

func sortByCountDesc(groups []Group) {
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Count > groups[j].Count
	})
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
