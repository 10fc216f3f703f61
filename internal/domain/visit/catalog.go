package visit

import (
	"fmt"
)

// IntRange is an inclusive integer range.
type IntRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

func (r IntRange) valid() bool {
	return r.Min <= r.Max
}

func (r IntRange) Contains(n int) bool {
	return n >= r.Min && n <= r.Max
}

// ExamEntry ties an exam type to its modality and relative frequency.
type ExamEntry struct {
	ExamType ExamType `json:"exam_type"`
	Modality Modality `json:"modality"`
	Weight   int      `json:"weight"`
}

// Catalog holds every table and constant the generator draws from. A
// Catalog is a plain value: the generator copies it on construction, so
// callers may build alternate distributions without affecting running
// generators.
type Catalog struct {
	Exams []ExamEntry `json:"exams"`
	// ScanMinutes gives the scan duration range for each modality.
	ScanMinutes map[Modality]IntRange `json:"scan_minutes"`
	// SatisfactionWeights[i] is the weight of score i+1.
	SatisfactionWeights []int    `json:"satisfaction_weights"`
	Physicians          []string `json:"physicians"`

	EmergencyProbability float64 `json:"emergency_probability"`
	WeekendRerollChance  float64 `json:"weekend_reroll_chance"`
	ShortWaitProbability float64 `json:"short_wait_probability"`

	EmergencyWait IntRange `json:"emergency_wait"`
	ShortWait     IntRange `json:"short_wait"`
	LongWait      IntRange `json:"long_wait"`

	BusinessHours IntRange `json:"business_hours"`
	MinuteSlots   []int    `json:"minute_slots"`

	PatientIDPrefix string `json:"patient_id_prefix"`
	PatientIDBase   int    `json:"patient_id_base"`
}

// DefaultCatalog returns the radiology workload profile. Each call returns
// a fresh copy.
func DefaultCatalog() Catalog {
	return Catalog{
		Exams: []ExamEntry{
			{ExamMRIBrain, ModalityMRI, 20},
			{ExamMRISpine, ModalityMRI, 18},
			{ExamMRIKnee, ModalityMRI, 15},
			{ExamMRIShoulder, ModalityMRI, 10},
			{ExamMRIAbdomen, ModalityMRI, 10},
			{ExamCTHead, ModalityCT, 8},
			{ExamCTChest, ModalityCT, 7},
			{ExamCTAbdomen, ModalityCT, 5},
			{ExamXRayChest, ModalityXRay, 4},
			{ExamXRaySpine, ModalityXRay, 3},
		},
		ScanMinutes: map[Modality]IntRange{
			ModalityMRI:  {20, 60},
			ModalityCT:   {5, 15},
			ModalityXRay: {2, 8},
		},
		SatisfactionWeights: []int{2, 5, 10, 35, 48},
		Physicians: []string{
			"Dr. Smith",
			"Dr. Williams",
			"Dr. Johnson",
			"Dr. Brown",
			"Dr. Miller",
			"Dr. Wilson",
			"Dr. Davis",
			"Dr. Moore",
		},
		EmergencyProbability: 0.05,
		WeekendRerollChance:  0.6,
		ShortWaitProbability: 0.8,
		EmergencyWait:        IntRange{2, 15},
		ShortWait:            IntRange{10, 45},
		LongWait:             IntRange{45, 120},
		BusinessHours:        IntRange{7, 19},
		MinuteSlots:          []int{0, 15, 30, 45},
		PatientIDPrefix:      "PT",
		PatientIDBase:        1000,
	}
}

// Validate reports the first inconsistency in the catalog.
func (c Catalog) Validate() error {
	if len(c.Exams) == 0 {
		return fmt.Errorf("%w: catalog has no exam types", ErrInvalidArgument)
	}
	seen := make(map[ExamType]bool, len(c.Exams))
	for _, e := range c.Exams {
		if seen[e.ExamType] {
			return fmt.Errorf("%w: duplicate exam type %s", ErrInvalidArgument, e.ExamType)
		}
		seen[e.ExamType] = true
		if e.Weight <= 0 {
			return fmt.Errorf("%w: exam type %s has non-positive weight %d", ErrInvalidArgument, e.ExamType, e.Weight)
		}
		r, ok := c.ScanMinutes[e.Modality]
		if !ok {
			return fmt.Errorf("%w: no scan range for modality %s", ErrInvalidArgument, e.Modality)
		}
		if !r.valid() || r.Min < 0 {
			return fmt.Errorf("%w: bad scan range for modality %s", ErrInvalidArgument, e.Modality)
		}
	}
	if len(c.SatisfactionWeights) != 5 {
		return fmt.Errorf("%w: expected 5 satisfaction weights, got %d", ErrInvalidArgument, len(c.SatisfactionWeights))
	}
	for i, w := range c.SatisfactionWeights {
		if w <= 0 {
			return fmt.Errorf("%w: satisfaction score %d has non-positive weight", ErrInvalidArgument, i+1)
		}
	}
	if len(c.Physicians) == 0 {
		return fmt.Errorf("%w: catalog has no physicians", ErrInvalidArgument)
	}
	if len(c.MinuteSlots) == 0 {
		return fmt.Errorf("%w: catalog has no minute slots", ErrInvalidArgument)
	}
	for _, m := range c.MinuteSlots {
		if m < 0 || m > 59 {
			return fmt.Errorf("%w: minute slot %d out of range", ErrInvalidArgument, m)
		}
	}
	if !c.BusinessHours.valid() || c.BusinessHours.Min < 0 || c.BusinessHours.Max > 23 {
		return fmt.Errorf("%w: bad business hours %d-%d", ErrInvalidArgument, c.BusinessHours.Min, c.BusinessHours.Max)
	}
	for name, r := range map[string]IntRange{"emergency": c.EmergencyWait, "short": c.ShortWait, "long": c.LongWait} {
		if !r.valid() || r.Min < 0 {
			return fmt.Errorf("%w: bad %s wait range", ErrInvalidArgument, name)
		}
	}
	for name, p := range map[string]float64{
		"emergency":      c.EmergencyProbability,
		"weekend reroll": c.WeekendRerollChance,
		"short wait":     c.ShortWaitProbability,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%w: %s probability %v outside [0,1]", ErrInvalidArgument, name, p)
		}
	}
	return nil
}

// ModalityOf returns the modality mapped to the exam type.
func (c Catalog) ModalityOf(e ExamType) (Modality, bool) {
	for _, entry := range c.Exams {
		if entry.ExamType == e {
			return entry.Modality, true
		}
	}
	return "", false
}

func (c Catalog) clone() Catalog {
	out := c
	out.Exams = append([]ExamEntry(nil), c.Exams...)
	out.SatisfactionWeights = append([]int(nil), c.SatisfactionWeights...)
	out.Physicians = append([]string(nil), c.Physicians...)
	out.MinuteSlots = append([]int(nil), c.MinuteSlots...)
	out.ScanMinutes = make(map[Modality]IntRange, len(c.ScanMinutes))
	for k, v := range c.ScanMinutes {
		out.ScanMinutes[k] = v
	}
	return out
}
