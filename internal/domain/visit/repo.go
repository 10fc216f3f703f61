package visit

import (
	"context"
)

// Store persists visits and answers the aggregate queries used by the
// seed report and the dashboard. Implementations wrap their errors with
// ErrStorage.
type Store interface {
	ClearAll(ctx context.Context) (int64, error)
	BulkInsert(ctx context.Context, visits []Visit) (int64, error)
	Count(ctx context.Context, f Filter) (int, error)
	Average(ctx context.Context, field Field, f Filter) (float64, error)
	GroupCount(ctx context.Context, by GroupField, f Filter) ([]Group, error)
	GroupAverage(ctx context.Context, by GroupField, field Field, f Filter) ([]Group, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Visit, int, error)
	Distinct(ctx context.Context, by GroupField) ([]string, error)
}
