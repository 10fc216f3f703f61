package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestFS_ContainsPatientVisitSchema(t *testing.T) {
	data, err := fs.ReadFile(FS, "001_patient_visit.sql")
	if err != nil {
		t.Fatalf("read embedded migration: %v", err)
	}
	sql := string(data)
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS patient_visit",
		"satisfaction_score BETWEEN 1 AND 5",
		"idx_patient_visit_visit_date",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("migration missing %q", want)
		}
	}
}
