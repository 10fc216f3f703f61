package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/radiology/dashboard/internal/platform/cache"
)

// ErrMeasureNotFound is returned for an unknown measure id.
var ErrMeasureNotFound = errors.New("measure not found")

// MeasureDefinition defines a reporting measure with its SQL query.
// Parameters bind to $1..$n in order; a missing parameter binds as "".
type MeasureDefinition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	SQL         string   `json:"sql"`
	Parameters  []string `json:"parameters"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string                   `json:"measure_id"`
	MeasureName string                   `json:"measure_name"`
	GeneratedAt time.Time                `json:"generated_at"`
	Results     []map[string]interface{} `json:"results"`
	Parameters  map[string]string        `json:"parameters,omitempty"`
}

// PredefinedMeasures is the list of available reporting measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "visits-this-month",
		Name:        "Total Visits This Month",
		Description: "Number of visits since the first day of the current month",
		SQL:         `SELECT COUNT(*) AS total_visits FROM patient_visit WHERE visit_date >= date_trunc('month', now())`,
		Parameters:  []string{},
	},
	{
		ID:          "avg-wait-by-exam",
		Name:        "Average Wait Time by Exam Type",
		Description: "Mean wait in minutes per exam type, longest first, optionally for one modality",
		SQL: `SELECT exam_type, ROUND(AVG(wait_time)::numeric, 1)::float8 AS avg_wait, COUNT(*) AS visits
FROM patient_visit
WHERE ($1 = '' OR modality = $1)
GROUP BY exam_type
ORDER BY avg_wait DESC`,
		Parameters: []string{"modality"},
	},
	{
		ID:          "busiest-weekdays",
		Name:        "Busiest Days of Week",
		Description: "Visit count per day of week, busiest first (0 = Sunday)",
		SQL: `SELECT EXTRACT(DOW FROM visit_date)::int AS day_of_week,
       to_char(visit_date, 'FMDay') AS day_name,
       COUNT(*) AS visit_count
FROM patient_visit
GROUP BY day_of_week, day_name
ORDER BY visit_count DESC`,
		Parameters: []string{},
	},
	{
		ID:          "satisfaction-breakdown",
		Name:        "Patient Satisfaction Breakdown",
		Description: "Visit count per satisfaction score, highest score first",
		SQL:         `SELECT satisfaction_score, COUNT(*) AS count FROM patient_visit GROUP BY satisfaction_score ORDER BY satisfaction_score DESC`,
		Parameters:  []string{},
	},
	{
		ID:          "modality-utilization",
		Name:        "Modality Utilization",
		Description: "Visits, scanner minutes and emergencies per modality",
		SQL: `SELECT modality,
       COUNT(*) AS visits,
       SUM(scan_duration) AS total_scan_minutes,
       ROUND(AVG(scan_duration)::numeric, 1)::float8 AS avg_scan_minutes,
       SUM(CASE WHEN is_emergency THEN 1 ELSE 0 END) AS emergencies
FROM patient_visit
GROUP BY modality
ORDER BY visits DESC`,
		Parameters: []string{},
	},
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

const cachePrefix = "reporting:"

// Reporter evaluates measures and caches their results for ttl. Cache
// failures are logged and never fail an evaluation.
type Reporter struct {
	db     querier
	cache  cache.Cache
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func NewReporter(db querier, c cache.Cache, ttl time.Duration, logger zerolog.Logger) *Reporter {
	if c == nil {
		c = cache.Nop{}
	}
	return &Reporter{db: db, cache: c, ttl: ttl, logger: logger, now: time.Now}
}

// Evaluate runs the measure, or returns the cached report. The bool reports
// a cache hit.
func (r *Reporter) Evaluate(ctx context.Context, id string, params map[string]string) (*MeasureReport, bool, error) {
	measure := FindMeasure(id)
	if measure == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrMeasureNotFound, id)
	}

	bound := make(map[string]string, len(measure.Parameters))
	args := make([]interface{}, len(measure.Parameters))
	for i, p := range measure.Parameters {
		v := params[p]
		if v != "" {
			bound[p] = v
		}
		args[i] = v
	}

	key := cacheKey(measure.ID, bound)
	if data, ok, err := r.cache.Get(ctx, key); err != nil {
		r.logger.Warn().Err(err).Str("measure", measure.ID).Msg("report cache read failed")
	} else if ok {
		var report MeasureReport
		if err := json.Unmarshal(data, &report); err == nil {
			return &report, true, nil
		}
	}

	results, err := r.executeSQL(ctx, measure.SQL, args...)
	if err != nil {
		return nil, false, fmt.Errorf("evaluate %s: %w", measure.ID, err)
	}
	report := &MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: r.now().UTC(),
		Results:     results,
	}
	if len(bound) > 0 {
		report.Parameters = bound
	}

	if data, err := json.Marshal(report); err == nil {
		if err := r.cache.Set(ctx, key, data, r.ttl); err != nil {
			r.logger.Warn().Err(err).Str("measure", measure.ID).Msg("report cache write failed")
		}
	}
	return report, false, nil
}

// Invalidate drops every cached report. It runs after each reseed.
func (r *Reporter) Invalidate(ctx context.Context) error {
	n, err := r.cache.DeleteByPrefix(ctx, cachePrefix)
	if err != nil {
		return fmt.Errorf("invalidate reports: %w", err)
	}
	r.logger.Debug().Int("keys", n).Msg("report cache invalidated")
	return nil
}

// cacheKey is stable for equal parameter sets; url.Values.Encode sorts keys.
func cacheKey(id string, params map[string]string) string {
	if len(params) == 0 {
		return cachePrefix + id
	}
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return cachePrefix + id + "?" + q.Encode()
}

// executeSQL runs a SQL query and returns results as a slice of maps.
func (r *Reporter) executeSQL(ctx context.Context, sql string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	results := []map[string]interface{}{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	reporter *Reporter
}

func NewHandler(reporter *Reporter) *Handler {
	return &Handler{reporter: reporter}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	reportGroup := api.Group("/reports")
	reportGroup.GET("/measures", h.ListMeasures)
	reportGroup.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// EvaluateMeasure executes a measure's SQL and returns the results. The
// X-Cache header is HIT or MISS.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	params := map[string]string{}
	for k, v := range c.QueryParams() {
		if len(v) > 0 {
			params[k] = strings.ToUpper(strings.TrimSpace(v[0]))
		}
	}

	report, hit, err := h.reporter.Evaluate(c.Request().Context(), c.Param("id"), params)
	if errors.Is(err, ErrMeasureNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
	}

	if hit {
		c.Response().Header().Set("X-Cache", "HIT")
	} else {
		c.Response().Header().Set("X-Cache", "MISS")
	}
	return c.JSON(http.StatusOK, report)
}
