package recordstore

import "github.com/lemlab/verifier/internal/verification"

// Opt is a patch value. The zero Opt leaves the target field untouched.
type Opt[T any] struct {
	set   bool
	value T
}

// Set returns an Opt that overwrites the target field with v
func Set[T any](v T) Opt[T] {
	return Opt[T]{set: true, value: v}
}

// Clear returns an Opt that resets a nullable field
func Clear[T any]() Opt[*T] {
	return Opt[*T]{set: true}
}

// IsSet reports whether the patch carries a value
func (o Opt[T]) IsSet() bool { return o.set }

func (o Opt[T]) apply(dst *T) {
	if o.set {
		*dst = o.value
	}
}

// HeaderPatch is shallow-merged into the record header
type HeaderPatch struct {
	NumberLabel      Opt[string]
	DocumentCode     Opt[string]
	Version          Opt[string]
	DocumentDate     Opt[string]
	PageLabel        Opt[string]
	InspectorCode    Opt[string]
	InspectionDate   Opt[string]
	ClientName       Opt[string]
	EquipmentBernier Opt[string]
	EquipmentShims1  Opt[string]
	EquipmentShims2  Opt[string]
	EquipmentSquare  Opt[string]
	EquipmentScale   Opt[string]
	Note             Opt[string]
}

func (p HeaderPatch) apply(h *verification.Header) {
	p.NumberLabel.apply(&h.NumberLabel)
	p.DocumentCode.apply(&h.DocumentCode)
	p.Version.apply(&h.Version)
	p.DocumentDate.apply(&h.DocumentDate)
	p.PageLabel.apply(&h.PageLabel)
	p.InspectorCode.apply(&h.InspectorCode)
	p.InspectionDate.apply(&h.InspectionDate)
	p.ClientName.apply(&h.ClientName)
	p.EquipmentBernier.apply(&h.EquipmentBernier)
	p.EquipmentShims1.apply(&h.EquipmentShims1)
	p.EquipmentShims2.apply(&h.EquipmentShims2)
	p.EquipmentSquare.apply(&h.EquipmentSquare)
	p.EquipmentScale.apply(&h.EquipmentScale)
	p.Note.apply(&h.Note)
}

// SpecimenPatch is merged into one specimen's raw inputs. Derived outputs
// are not patchable.
type SpecimenPatch struct {
	LEMCode      Opt[string]
	SpecimenType Opt[string]

	Diameter1 Opt[*float64]
	Diameter2 Opt[*float64]

	PerpSup1     Opt[*bool]
	PerpSup2     Opt[*bool]
	PerpInf1     Opt[*bool]
	PerpInf2     Opt[*bool]
	PerpMeasured Opt[*bool]

	FlatnessMeasured Opt[string]
	Superior         Opt[verification.Acceptance]
	Inferior         Opt[verification.Acceptance]
	Depressions      Opt[verification.Acceptance]

	Length1 Opt[*float64]
	Length2 Opt[*float64]
	Length3 Opt[*float64]

	WeighedMassGrams Opt[*float64]
	Conformity       Opt[string]
}

func (p SpecimenPatch) apply(s *verification.Specimen) {
	p.LEMCode.apply(&s.LEMCode)
	p.SpecimenType.apply(&s.SpecimenType)
	applyPtr(p.Diameter1, &s.Diameter1)
	applyPtr(p.Diameter2, &s.Diameter2)
	applyPtr(p.PerpSup1, &s.PerpSup1)
	applyPtr(p.PerpSup2, &s.PerpSup2)
	applyPtr(p.PerpInf1, &s.PerpInf1)
	applyPtr(p.PerpInf2, &s.PerpInf2)
	applyPtr(p.PerpMeasured, &s.PerpMeasured)
	p.FlatnessMeasured.apply(&s.FlatnessMeasured)
	p.Superior.apply(&s.Superior)
	p.Inferior.apply(&s.Inferior)
	p.Depressions.apply(&s.Depressions)
	applyPtr(p.Length1, &s.Length1)
	applyPtr(p.Length2, &s.Length2)
	applyPtr(p.Length3, &s.Length3)
	applyPtr(p.WeighedMassGrams, &s.WeighedMassGrams)
	p.Conformity.apply(&s.Conformity)
}

// applyPtr copies the pointee so the store never aliases caller memory
func applyPtr[T any](o Opt[*T], dst **T) {
	if !o.set {
		return
	}
	if o.value == nil {
		*dst = nil
		return
	}
	v := *o.value
	*dst = &v
}
