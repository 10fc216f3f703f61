package visit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidArgument marks a request rejected before any store access.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStorage marks a failure reported by the storage collaborator.
	ErrStorage = errors.New("storage failure")
)

type Modality string

const (
	ModalityMRI  Modality = "MRI"
	ModalityCT   Modality = "CT"
	ModalityXRay Modality = "XRAY"
)

var modalityDisplay = map[Modality]string{
	ModalityMRI:  "MRI",
	ModalityCT:   "CT",
	ModalityXRay: "X-Ray",
}

// Modalities lists every modality in display order.
func Modalities() []Modality {
	return []Modality{ModalityMRI, ModalityCT, ModalityXRay}
}

func (m Modality) Display() string {
	if d, ok := modalityDisplay[m]; ok {
		return d
	}
	return string(m)
}

func (m Modality) Valid() bool {
	_, ok := modalityDisplay[m]
	return ok
}

// ParseModality accepts the stored code in any case.
func ParseModality(s string) (Modality, error) {
	m := Modality(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown modality %q", ErrInvalidArgument, s)
	}
	return m, nil
}

type ExamType string

const (
	ExamMRIBrain    ExamType = "MRI_BRAIN"
	ExamMRISpine    ExamType = "MRI_SPINE"
	ExamMRIKnee     ExamType = "MRI_KNEE"
	ExamMRIShoulder ExamType = "MRI_SHOULDER"
	ExamMRIAbdomen  ExamType = "MRI_ABDOMEN"
	ExamCTHead      ExamType = "CT_HEAD"
	ExamCTChest     ExamType = "CT_CHEST"
	ExamCTAbdomen   ExamType = "CT_ABDOMEN"
	ExamXRayChest   ExamType = "XRAY_CHEST"
	ExamXRaySpine   ExamType = "XRAY_SPINE"
)

var examDisplay = map[ExamType]string{
	ExamMRIBrain:    "MRI Brain",
	ExamMRISpine:    "MRI Spine",
	ExamMRIKnee:     "MRI Knee",
	ExamMRIShoulder: "MRI Shoulder",
	ExamMRIAbdomen:  "MRI Abdomen",
	ExamCTHead:      "CT Head",
	ExamCTChest:     "CT Chest",
	ExamCTAbdomen:   "CT Abdomen",
	ExamXRayChest:   "X-Ray Chest",
	ExamXRaySpine:   "X-Ray Spine",
}

func (e ExamType) Display() string {
	if d, ok := examDisplay[e]; ok {
		return d
	}
	return string(e)
}

func (e ExamType) Valid() bool {
	_, ok := examDisplay[e]
	return ok
}

func ParseExamType(s string) (ExamType, error) {
	e := ExamType(strings.ToUpper(strings.TrimSpace(s)))
	if !e.Valid() {
		return "", fmt.Errorf("%w: unknown exam type %q", ErrInvalidArgument, s)
	}
	return e, nil
}

// Visit is one simulated patient encounter in the imaging department.
// Visits are written once by a seed run and never updated.
type Visit struct {
	ID                 int64     `db:"id" json:"id,omitempty"`
	PatientID          string    `db:"patient_id" json:"patient_id"`
	VisitDate          time.Time `db:"visit_date" json:"visit_date"`
	ExamType           ExamType  `db:"exam_type" json:"exam_type"`
	Modality           Modality  `db:"modality" json:"modality"`
	WaitMinutes        int       `db:"wait_time" json:"wait_minutes"`
	ScanMinutes        int       `db:"scan_duration" json:"scan_minutes"`
	SatisfactionScore  int       `db:"satisfaction_score" json:"satisfaction_score"`
	IsEmergency        bool      `db:"is_emergency" json:"is_emergency"`
	ReferringPhysician string    `db:"referring_physician" json:"referring_physician"`
	CreatedAt          time.Time `db:"created_at" json:"created_at,omitempty"`
}

// TotalMinutes is the time the patient spent in the department.
func (v *Visit) TotalMinutes() int {
	return v.WaitMinutes + v.ScanMinutes
}

func (v *Visit) String() string {
	return fmt.Sprintf("%s - %s on %s", v.PatientID, v.ExamType.Display(), v.VisitDate.Format("2006-01-02"))
}

// Field is a numeric column that can be averaged.
type Field string

const (
	FieldWaitTime     Field = "wait_time"
	FieldScanDuration Field = "scan_duration"
	FieldSatisfaction Field = "satisfaction_score"
)

func (f Field) Valid() bool {
	switch f {
	case FieldWaitTime, FieldScanDuration, FieldSatisfaction:
		return true
	}
	return false
}

func (f Field) value(v *Visit) int {
	switch f {
	case FieldWaitTime:
		return v.WaitMinutes
	case FieldScanDuration:
		return v.ScanMinutes
	default:
		return v.SatisfactionScore
	}
}

// GroupField is a column visits can be grouped by.
type GroupField string

const (
	GroupModality     GroupField = "modality"
	GroupExamType     GroupField = "exam_type"
	GroupSatisfaction GroupField = "satisfaction_score"
	GroupWeekday      GroupField = "weekday"
	GroupDate         GroupField = "date"
)

func (g GroupField) Valid() bool {
	switch g {
	case GroupModality, GroupExamType, GroupSatisfaction, GroupWeekday, GroupDate:
		return true
	}
	return false
}

func (g GroupField) key(v *Visit) string {
	switch g {
	case GroupModality:
		return string(v.Modality)
	case GroupExamType:
		return string(v.ExamType)
	case GroupSatisfaction:
		return fmt.Sprintf("%d", v.SatisfactionScore)
	case GroupWeekday:
		return v.VisitDate.Weekday().String()
	default:
		return v.VisitDate.Format("2006-01-02")
	}
}

// Group is one row of a group-by aggregate. Average is only set by
// GroupAverage.
type Group struct {
	Key     string  `json:"key"`
	Count   int     `json:"count"`
	Average float64 `json:"average,omitempty"`
}

// Filter narrows an aggregate or listing. The zero Filter matches every
// visit.
type Filter struct {
	Modality  Modality
	ExamType  ExamType
	Emergency *bool
	Since     *time.Time
}

func (f Filter) match(v *Visit) bool {
	if f.Modality != "" && v.Modality != f.Modality {
		return false
	}
	if f.ExamType != "" && v.ExamType != f.ExamType {
		return false
	}
	if f.Emergency != nil && v.IsEmergency != *f.Emergency {
		return false
	}
	if f.Since != nil && v.VisitDate.Before(*f.Since) {
		return false
	}
	return true
}

// Weekdays are the group keys produced for GroupWeekday, Sunday first.
var Weekdays = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}
