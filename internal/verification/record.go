// Package verification defines the canonical in-editor model of a concrete
// specimen verification record.
package verification

import "time"

// Document defaults applied to freshly created records
const (
	DefaultDocumentCode = "F-LEM-P-01.12"
	DefaultVersion      = "03"
	DefaultPageLabel    = "1 de 1"
	DocumentDateLayout  = "02/01/2006"
)

// Acceptance is a tri-state compliance value
type Acceptance int

const (
	Unset Acceptance = iota
	Compliant
	NonCompliant
)

func (a Acceptance) String() string {
	switch a {
	case Compliant:
		return "Compliant"
	case NonCompliant:
		return "NonCompliant"
	default:
		return "Unset"
	}
}

// IsSet reports whether the value is Compliant or NonCompliant
func (a Acceptance) IsSet() bool {
	return a == Compliant || a == NonCompliant
}

// WeighAction is the derived weighing decision
type WeighAction int

const (
	WeighUnset WeighAction = iota
	Weigh
	DoNotWeigh
)

func (w WeighAction) String() string {
	switch w {
	case Weigh:
		return "Weigh"
	case DoNotWeigh:
		return "Do not weigh"
	default:
		return ""
	}
}

// Header holds the record's document metadata and context.
// Every field is an opaque string.
type Header struct {
	NumberLabel      string
	DocumentCode     string
	Version          string
	DocumentDate     string
	PageLabel        string
	InspectorCode    string
	InspectionDate   string
	ClientName       string
	EquipmentBernier string
	EquipmentShims1  string
	EquipmentShims2  string
	EquipmentSquare  string
	EquipmentScale   string
	Note             string
}

// Specimen is one measured concrete cylinder. Raw inputs are optional;
// derived outputs are recomputed by the derivation package and never edited.
type Specimen struct {
	ItemNumber   int
	LEMCode      string
	SpecimenType string

	Diameter1 *float64
	Diameter2 *float64

	PerpSup1     *bool
	PerpSup2     *bool
	PerpInf1     *bool
	PerpInf2     *bool
	PerpMeasured *bool

	FlatnessMeasured string
	Superior         Acceptance
	Inferior         Acceptance
	Depressions      Acceptance

	Length1 *float64
	Length2 *float64
	Length3 *float64

	WeighedMassGrams *float64
	Conformity       string

	Derived Derived
}

// Derived holds outputs of the derivation rules
type Derived struct {
	TolerancePercent      *float64
	DiameterAcceptance    Acceptance
	LengthToDiameterRatio *float64
	MassGrams             *float64
	WeighAction           WeighAction
	FlatnessAction        FlatnessAction
}

// FlatnessAction is the corrective action derived from the three flatness
// acceptances. An unset action has Label == "" and Unrecognized == false.
type FlatnessAction struct {
	Label        string
	Unrecognized bool
}

// IsSet reports whether a classification was produced
func (f FlatnessAction) IsSet() bool {
	return f.Label != "" || f.Unrecognized
}

// Record is a verification of several specimens
type Record struct {
	ID        *uint64
	Header    Header
	Specimens []Specimen
}

// HasID reports whether the record has been persisted
func (r Record) HasID() bool {
	return r.ID != nil
}

// New returns an empty record with document defaults filled in
func New(now time.Time) Record {
	return Record{
		Header: Header{
			DocumentCode: DefaultDocumentCode,
			Version:      DefaultVersion,
			DocumentDate: now.Format(DocumentDateLayout),
			PageLabel:    DefaultPageLabel,
		},
		Specimens: []Specimen{},
	}
}

// Clone returns a deep copy sharing no memory with r
func (r Record) Clone() Record {
	out := r
	out.ID = clonePtr(r.ID)
	out.Specimens = make([]Specimen, len(r.Specimens))
	for i := range r.Specimens {
		out.Specimens[i] = r.Specimens[i].Clone()
	}
	return out
}

// Clone returns a deep copy of the specimen
func (s Specimen) Clone() Specimen {
	out := s
	out.Diameter1 = clonePtr(s.Diameter1)
	out.Diameter2 = clonePtr(s.Diameter2)
	out.PerpSup1 = clonePtr(s.PerpSup1)
	out.PerpSup2 = clonePtr(s.PerpSup2)
	out.PerpInf1 = clonePtr(s.PerpInf1)
	out.PerpInf2 = clonePtr(s.PerpInf2)
	out.PerpMeasured = clonePtr(s.PerpMeasured)
	out.Length1 = clonePtr(s.Length1)
	out.Length2 = clonePtr(s.Length2)
	out.Length3 = clonePtr(s.Length3)
	out.WeighedMassGrams = clonePtr(s.WeighedMassGrams)
	out.Derived = s.Derived.clone()
	return out
}

func (d Derived) clone() Derived {
	out := d
	out.TolerancePercent = clonePtr(d.TolerancePercent)
	out.LengthToDiameterRatio = clonePtr(d.LengthToDiameterRatio)
	out.MassGrams = clonePtr(d.MassGrams)
	return out
}

// Renumber sets ItemNumber to 1..N in order
func Renumber(specimens []Specimen) {
	for i := range specimens {
		specimens[i].ItemNumber = i + 1
	}
}

// ItemNumbers returns the item numbers in order
func (r Record) ItemNumbers() []int {
	nums := make([]int, 0, len(r.Specimens))
	for _, s := range r.Specimens {
		nums = append(nums, s.ItemNumber)
	}
	return nums
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
