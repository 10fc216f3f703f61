package visit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

type visitRepoPG struct{ db queryable }

func NewVisitRepoPG(pool *pgxpool.Pool) Store {
	return &visitRepoPG{db: pool}
}

const visitTable = "patient_visit"

const visitCols = `id, patient_id, visit_date, exam_type, modality, wait_time,
	scan_duration, satisfaction_score, is_emergency, referring_physician, created_at`

var copyCols = []string{
	"patient_id", "visit_date", "exam_type", "modality", "wait_time",
	"scan_duration", "satisfaction_score", "is_emergency", "referring_physician",
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func (r *visitRepoPG) scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	var exam, modality string
	err := row.Scan(&v.ID, &v.PatientID, &v.VisitDate, &exam, &modality, &v.WaitMinutes,
		&v.ScanMinutes, &v.SatisfactionScore, &v.IsEmergency, &v.ReferringPhysician, &v.CreatedAt)
	v.ExamType = ExamType(exam)
	v.Modality = Modality(modality)
	return &v, err
}

func (r *visitRepoPG) ClearAll(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM `+visitTable)
	if err != nil {
		return 0, storageErr("clear visits", err)
	}
	return tag.RowsAffected(), nil
}

// BulkInsert writes all visits with a single COPY.
func (r *visitRepoPG) BulkInsert(ctx context.Context, visits []Visit) (int64, error) {
	n, err := r.db.CopyFrom(ctx, pgx.Identifier{visitTable}, copyCols,
		pgx.CopyFromSlice(len(visits), func(i int) ([]interface{}, error) {
			v := &visits[i]
			return []interface{}{
				v.PatientID, v.VisitDate, string(v.ExamType), string(v.Modality), v.WaitMinutes,
				v.ScanMinutes, v.SatisfactionScore, v.IsEmergency, v.ReferringPhysician,
			}, nil
		}))
	if err != nil {
		return n, storageErr("bulk insert visits", err)
	}
	return n, nil
}

func (r *visitRepoPG) Count(ctx context.Context, f Filter) (int, error) {
	where, args := whereClause(f)
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM `+visitTable+where, args...).Scan(&n); err != nil {
		return 0, storageErr("count visits", err)
	}
	return n, nil
}

func (r *visitRepoPG) Average(ctx context.Context, field Field, f Filter) (float64, error) {
	if !field.Valid() {
		return 0, fmt.Errorf("%w: unknown field %q", ErrInvalidArgument, field)
	}
	where, args := whereClause(f)
	var avg float64
	q := fmt.Sprintf(`SELECT COALESCE(AVG(%s), 0)::float8 FROM %s%s`, field, visitTable, where)
	if err := r.db.QueryRow(ctx, q, args...).Scan(&avg); err != nil {
		return 0, storageErr("average "+string(field), err)
	}
	return avg, nil
}

func (r *visitRepoPG) GroupCount(ctx context.Context, by GroupField, f Filter) ([]Group, error) {
	return r.group(ctx, by, "", f)
}

func (r *visitRepoPG) GroupAverage(ctx context.Context, by GroupField, field Field, f Filter) ([]Group, error) {
	if !field.Valid() {
		return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidArgument, field)
	}
	return r.group(ctx, by, field, f)
}

func (r *visitRepoPG) group(ctx context.Context, by GroupField, field Field, f Filter) ([]Group, error) {
	expr, err := groupExpr(by)
	if err != nil {
		return nil, err
	}
	avg := "0::float8"
	if field != "" {
		avg = fmt.Sprintf("AVG(%s)::float8", field)
	}
	where, args := whereClause(f)
	q := fmt.Sprintf(`SELECT %s AS k, COUNT(*), %s FROM %s%s GROUP BY k ORDER BY k`, expr, avg, visitTable, where)

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, storageErr("group by "+string(by), err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.Key, &g.Count, &g.Average); err != nil {
			return nil, storageErr("scan group", err)
		}
		if by == GroupWeekday {
			g.Key = weekdayName(g.Key)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate groups", err)
	}
	return groups, nil
}

func (r *visitRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Visit, int, error) {
	total, err := r.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}

	where, args := whereClause(f)
	q := `SELECT ` + visitCols + ` FROM ` + visitTable + where + ` ORDER BY visit_date DESC, id DESC`
	if limit > 0 {
		if offset < 0 {
			offset = 0
		}
		args = append(args, limit, offset)
		q += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, storageErr("list visits", err)
	}
	defer rows.Close()

	var items []*Visit
	for rows.Next() {
		v, err := r.scanVisit(rows)
		if err != nil {
			return nil, 0, storageErr("scan visit", err)
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageErr("iterate visits", err)
	}
	return items, total, nil
}

func (r *visitRepoPG) Distinct(ctx context.Context, by GroupField) ([]string, error) {
	groups, err := r.group(ctx, by, "", Filter{})
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(groups))
	for i, g := range groups {
		keys[i] = g.Key
	}
	return keys, nil
}

// groupExpr returns a text-valued SQL expression whose lexical order
// matches the natural order of the group.
func groupExpr(by GroupField) (string, error) {
	switch by {
	case GroupModality:
		return "modality", nil
	case GroupExamType:
		return "exam_type", nil
	case GroupSatisfaction:
		return "satisfaction_score::text", nil
	case GroupWeekday:
		return "EXTRACT(DOW FROM visit_date)::int::text", nil
	case GroupDate:
		return "to_char(visit_date, 'YYYY-MM-DD')", nil
	}
	return "", fmt.Errorf("%w: unknown group field %q", ErrInvalidArgument, by)
}

// weekdayName maps PostgreSQL DOW (0 = Sunday) to a weekday name.
func weekdayName(dow string) string {
	i, err := strconv.Atoi(dow)
	if err != nil || i < 0 || i >= len(Weekdays) {
		return dow
	}
	return Weekdays[i]
}

func whereClause(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Modality != "" {
		add("modality = $%d", string(f.Modality))
	}
	if f.ExamType != "" {
		add("exam_type = $%d", string(f.ExamType))
	}
	if f.Emergency != nil {
		add("is_emergency = $%d", *f.Emergency)
	}
	if f.Since != nil {
		add("visit_date >= $%d", f.Since.UTC().Truncate(time.Microsecond))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
