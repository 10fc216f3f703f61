package visit

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type sqlCall struct {
	sql  string
	args []interface{}
}

// fakeDB records every statement and serves canned results.
type fakeDB struct {
	calls []sqlCall
	err   error

	tag   string
	row   []interface{}
	rows  [][]interface{}
	table pgx.Identifier
	cols  []string
	copy  [][]interface{}
	// copyCalls counts CopyFrom invocations.
	copyCalls int
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	f.calls = append(f.calls, sqlCall{sql, args})
	if f.err != nil {
		return nil, f.err
	}
	return &fakeRows{data: f.rows, pos: -1}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...interface{}) pgx.Row {
	f.calls = append(f.calls, sqlCall{sql, args})
	return fakeRow{vals: f.row, err: f.err}
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, sqlCall{sql, args})
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag(f.tag), nil
}

func (f *fakeDB) CopyFrom(_ context.Context, table pgx.Identifier, cols []string, src pgx.CopyFromSource) (int64, error) {
	f.copyCalls++
	f.table, f.cols = table, cols
	if f.err != nil {
		return 0, f.err
	}
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return 0, err
		}
		f.copy = append(f.copy, vals)
	}
	return int64(len(f.copy)), src.Err()
}

func scanInto(vals []interface{}, dest []interface{}) error {
	if len(vals) != len(dest) {
		return fmt.Errorf("scan: %d values into %d targets", len(vals), len(dest))
	}
	for i := range dest {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(vals[i]))
	}
	return nil
}

type fakeRow struct {
	vals []interface{}
	err  error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(r.vals, dest)
}

type fakeRows struct {
	data [][]interface{}
	pos  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.data)
}

func (r *fakeRows) Scan(dest ...interface{}) error { return scanInto(r.data[r.pos], dest) }

func (r *fakeRows) Values() ([]interface{}, error) { return r.data[r.pos], nil }

func visitRow(v Visit) []interface{} {
	return []interface{}{
		v.ID, v.PatientID, v.VisitDate, string(v.ExamType), string(v.Modality), v.WaitMinutes,
		v.ScanMinutes, v.SatisfactionScore, v.IsEmergency, v.ReferringPhysician, v.CreatedAt,
	}
}

func TestVisitRepoPG_BulkInsertSingleCopy(t *testing.T) {
	db := &fakeDB{}
	repo := &visitRepoPG{db: db}

	visits := sampleVisits()
	n, err := repo.BulkInsert(context.Background(), visits)
	if err != nil {
		t.Fatalf("BulkInsert: %v", err)
	}
	if n != int64(len(visits)) {
		t.Errorf("expected %d rows, got %d", len(visits), n)
	}
	if db.copyCalls != 1 || len(db.calls) != 0 {
		t.Fatalf("expected one COPY and no statements, got %d copies and %d statements", db.copyCalls, len(db.calls))
	}
	if !reflect.DeepEqual(db.table, pgx.Identifier{"patient_visit"}) {
		t.Errorf("unexpected table %v", db.table)
	}
	if !reflect.DeepEqual(db.cols, copyCols) {
		t.Errorf("unexpected columns %v", db.cols)
	}
	if len(db.copy) != len(visits) {
		t.Fatalf("expected %d copied rows, got %d", len(visits), len(db.copy))
	}
	first := db.copy[0]
	if first[0] != "PT1000" || first[2] != "MRI_BRAIN" || first[3] != "MRI" || first[8] != "" {
		t.Errorf("unexpected first row %v", first)
	}
	if len(first) != len(copyCols) {
		t.Errorf("row width %d does not match %d columns", len(first), len(copyCols))
	}
}

func TestWhereClause_PlaceholdersInOrder(t *testing.T) {
	chicago, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Skipf("zone data unavailable: %v", err)
	}
	yes := true
	since := time.Date(2026, time.October, 1, 8, 0, 0, 123456789, chicago)

	where, args := whereClause(Filter{Modality: ModalityCT, ExamType: ExamCTHead, Emergency: &yes, Since: &since})

	want := " WHERE modality = $1 AND exam_type = $2 AND is_emergency = $3 AND visit_date >= $4"
	if where != want {
		t.Errorf("where:\n got %q\nwant %q", where, want)
	}
	if len(args) != 4 {
		t.Fatalf("expected 4 args, got %v", args)
	}
	if args[0] != "CT" || args[1] != "CT_HEAD" || args[2] != true {
		t.Errorf("unexpected args %v", args[:3])
	}
	ts, ok := args[3].(time.Time)
	if !ok || !ts.Equal(since.Truncate(time.Microsecond)) || ts.Location() != time.UTC {
		t.Errorf("expected UTC microsecond timestamp, got %v", args[3])
	}
}

func TestWhereClause_PartialFilterNumbersFromOne(t *testing.T) {
	no := false
	where, args := whereClause(Filter{Emergency: &no})
	if where != " WHERE is_emergency = $1" || len(args) != 1 || args[0] != false {
		t.Errorf("got %q %v", where, args)
	}

	where, args = whereClause(Filter{})
	if where != "" || args != nil {
		t.Errorf("expected no clause, got %q %v", where, args)
	}
}

func TestVisitRepoPG_ListNumbersLimitAfterFilter(t *testing.T) {
	visits := sampleVisits()
	db := &fakeDB{
		row:  []interface{}{2},
		rows: [][]interface{}{visitRow(visits[2]), visitRow(visits[0])},
	}
	repo := &visitRepoPG{db: db}
	no := false

	items, total, err := repo.List(context.Background(), Filter{Modality: ModalityMRI, Emergency: &no}, 10, 20)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 || len(items) != 2 || items[0].PatientID != "PT1002" || items[1].ExamType != ExamMRIBrain {
		t.Fatalf("unexpected page total=%d items=%v", total, items)
	}
	if len(db.calls) != 2 {
		t.Fatalf("expected count and select, got %d calls", len(db.calls))
	}

	count := db.calls[0]
	if !strings.HasSuffix(count.sql, "WHERE modality = $1 AND is_emergency = $2") {
		t.Errorf("unexpected count sql %q", count.sql)
	}

	sel := db.calls[1]
	if !strings.HasSuffix(sel.sql, "ORDER BY visit_date DESC, id DESC LIMIT $3 OFFSET $4") {
		t.Errorf("unexpected list sql %q", sel.sql)
	}
	want := []interface{}{"MRI", false, 10, 20}
	if !reflect.DeepEqual(sel.args, want) {
		t.Errorf("args: got %v want %v", sel.args, want)
	}
}

func TestVisitRepoPG_ListOffsetAndNoLimit(t *testing.T) {
	db := &fakeDB{row: []interface{}{0}}
	repo := &visitRepoPG{db: db}

	if _, _, err := repo.List(context.Background(), Filter{}, 5, -3); err != nil {
		t.Fatalf("List: %v", err)
	}
	sel := db.calls[1]
	if !strings.HasSuffix(sel.sql, "LIMIT $1 OFFSET $2") || !reflect.DeepEqual(sel.args, []interface{}{5, 0}) {
		t.Errorf("negative offset not clamped: %q %v", sel.sql, sel.args)
	}

	db.calls = nil
	if _, _, err := repo.List(context.Background(), Filter{}, 0, 0); err != nil {
		t.Fatalf("List: %v", err)
	}
	if strings.Contains(db.calls[1].sql, "LIMIT") || len(db.calls[1].args) != 0 {
		t.Errorf("unbounded list should not page: %q %v", db.calls[1].sql, db.calls[1].args)
	}
}

func TestWeekdayName(t *testing.T) {
	tests := map[string]string{
		"0": "Sunday",
		"1": "Monday",
		"6": "Saturday",
		"7": "7",
		"x": "x",
	}
	for in, want := range tests {
		if got := weekdayName(in); got != want {
			t.Errorf("weekdayName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestVisitRepoPG_GroupWeekdayKeys(t *testing.T) {
	db := &fakeDB{rows: [][]interface{}{
		{"0", 1, 0.0},
		{"2", 4, 12.5},
	}}
	repo := &visitRepoPG{db: db}

	groups, err := repo.GroupAverage(context.Background(), GroupWeekday, FieldWaitTime, Filter{})
	if err != nil {
		t.Fatalf("GroupAverage: %v", err)
	}
	if len(groups) != 2 || groups[0].Key != "Sunday" || groups[1].Key != "Tuesday" || groups[1].Average != 12.5 {
		t.Errorf("unexpected groups %+v", groups)
	}
	q := db.calls[0].sql
	if !strings.Contains(q, "EXTRACT(DOW FROM visit_date)") || !strings.Contains(q, "AVG(wait_time)") {
		t.Errorf("unexpected sql %q", q)
	}
}

func TestVisitRepoPG_ClearAllReportsRows(t *testing.T) {
	db := &fakeDB{tag: "DELETE 4"}
	repo := &visitRepoPG{db: db}

	n, err := repo.ClearAll(context.Background())
	if err != nil || n != 4 {
		t.Fatalf("ClearAll: n=%d err=%v", n, err)
	}
	if db.calls[0].sql != "DELETE FROM patient_visit" {
		t.Errorf("unexpected sql %q", db.calls[0].sql)
	}
}

func TestVisitRepoPG_ErrorsWrapStorage(t *testing.T) {
	boom := errors.New("connection reset")
	repo := &visitRepoPG{db: &fakeDB{err: boom}}
	ctx := context.Background()

	ops := map[string]func() error{
		"clear": func() error { _, err := repo.ClearAll(ctx); return err },
		"insert": func() error {
			_, err := repo.BulkInsert(ctx, sampleVisits())
			return err
		},
		"count":   func() error { _, err := repo.Count(ctx, Filter{}); return err },
		"average": func() error { _, err := repo.Average(ctx, FieldScanDuration, Filter{}); return err },
		"group":   func() error { _, err := repo.GroupCount(ctx, GroupModality, Filter{}); return err },
		"list":    func() error { _, _, err := repo.List(ctx, Filter{}, 10, 0); return err },
		"distinct": func() error {
			_, err := repo.Distinct(ctx, GroupExamType)
			return err
		},
	}
	for name, op := range ops {
		err := op()
		if !errors.Is(err, ErrStorage) || !errors.Is(err, boom) {
			t.Errorf("%s: expected storage error wrapping cause, got %v", name, err)
		}
	}
}

func TestVisitRepoPG_InvalidFieldsSkipQuery(t *testing.T) {
	db := &fakeDB{}
	repo := &visitRepoPG{db: db}
	ctx := context.Background()

	if _, err := repo.Average(ctx, Field("1; DROP TABLE patient_visit"), Filter{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected invalid argument, got %v", err)
	}
	if _, err := repo.GroupCount(ctx, GroupField("hour"), Filter{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected invalid argument, got %v", err)
	}
	if len(db.calls) != 0 {
		t.Errorf("expected no statements, got %v", db.calls)
	}
}
