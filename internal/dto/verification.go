// Package dto contains the wire representation of verification records as
// exchanged with the record store.
//
// The store's schema went through a migration and still carries the older
// field names next to the newer ones. Everything written here mirrors both
// so older readers keep working, and everything read here accepts either.
package dto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lemlab/verifier/internal/derivation"
	"github.com/lemlab/verifier/internal/errors"
	"github.com/lemlab/verifier/internal/verification"
)

// Wire values of the store's enumerations
const (
	AcceptanceCompliant    = "Cumple"
	AcceptanceNonCompliant = "No cumple"
	WeighLabel             = "Pesar"
	DoNotWeighLabel        = "No pesar"
	ConformityTest         = "Ensayar"
)

// flatnessLabels maps derived action labels to the store's wording
var flatnessLabels = map[string]string{
	derivation.LabelNeopreneBottom: "NEOPRENO CARA INFERIOR",
	derivation.LabelNeopreneTop:    "NEOPRENO CARA SUPERIOR",
	derivation.LabelNoAction:       "-",
	derivation.LabelNeopreneBoth:   "NEOPRENO CARA INFERIOR E SUPERIOR",
	derivation.LabelCapping:        "CAPEO",
}

// Verification is a record as sent to and returned by /verification.
type Verification struct {
	ID *uint64 `json:"id,omitempty"`

	Number           string `json:"numero_verificacion"`
	DocumentCode     string `json:"codigo_documento"`
	Version          string `json:"version"`
	DocumentDate     string `json:"fecha_documento"`
	Page             string `json:"pagina"`
	InspectedBy      string `json:"verificado_por,omitempty"`
	InspectionDate   string `json:"fecha_verificacion,omitempty"`
	Client           string `json:"cliente,omitempty"`
	EquipmentBernier string `json:"equipo_bernier,omitempty"`
	EquipmentShims1  string `json:"equipo_lainas_1,omitempty"`
	EquipmentShims2  string `json:"equipo_lainas_2,omitempty"`
	EquipmentSquare  string `json:"equipo_escuadra,omitempty"`
	EquipmentScale   string `json:"equipo_balanza,omitempty"`
	Note             string `json:"nota,omitempty"`

	Specimens []Specimen `json:"muestras_verificadas"`

	// Set by the store, ignored on write
	CreatedAt *time.Time `json:"fecha_creacion,omitempty"`
	UpdatedAt *time.Time `json:"fecha_actualizacion,omitempty"`
}

// Specimen is one row of muestras_verificadas
type Specimen struct {
	ItemNumber   int    `json:"item_numero"`
	LEMCode      string `json:"codigo_lem"`
	SpecimenType string `json:"tipo_testigo"`

	Diameter1          *float64 `json:"diametro_1_mm,omitempty"`
	Diameter2          *float64 `json:"diametro_2_mm,omitempty"`
	TolerancePercent   *float64 `json:"tolerancia_porcentaje,omitempty"`
	DiameterAcceptance string   `json:"aceptacion_diametro,omitempty"`

	PerpSup1     *bool `json:"perpendicularidad_sup1,omitempty"`
	PerpSup2     *bool `json:"perpendicularidad_sup2,omitempty"`
	PerpInf1     *bool `json:"perpendicularidad_inf1,omitempty"`
	PerpInf2     *bool `json:"perpendicularidad_inf2,omitempty"`
	PerpMeasured *bool `json:"perpendicularidad_medida,omitempty"`

	FlatnessMeasured    LooseString `json:"planitud_medida,omitempty"`
	SuperiorAcceptance  string      `json:"planitud_superior_aceptacion,omitempty"`
	InferiorAcceptance  string      `json:"planitud_inferior_aceptacion,omitempty"`
	DepressionsAccepted string      `json:"planitud_depresiones_aceptacion,omitempty"`
	Action              string      `json:"accion_realizar,omitempty"`
	Conformity          string      `json:"conformidad,omitempty"`

	Length1 *float64 `json:"longitud_1_mm,omitempty"`
	Length2 *float64 `json:"longitud_2_mm,omitempty"`
	Length3 *float64 `json:"longitud_3_mm,omitempty"`

	WeighedMass    *float64 `json:"masa_muestra_aire_g,omitempty"`
	CalculatedMass *float64 `json:"masa_calculada_g,omitempty"`
	Ratio          *float64 `json:"relacion_longitud_diametro,omitempty"`
	Weigh          string   `json:"pesar,omitempty"`

	// Legacy mirrors
	ClientCode           string `json:"codigo_cliente,omitempty"`
	ToleranceCompliant   *bool  `json:"cumple_tolerancia,omitempty"`
	PerpP1               *bool  `json:"perpendicularidad_p1,omitempty"`
	PerpP2               *bool  `json:"perpendicularidad_p2,omitempty"`
	PerpP3               *bool  `json:"perpendicularidad_p3,omitempty"`
	PerpP4               *bool  `json:"perpendicularidad_p4,omitempty"`
	PerpCompliant        *bool  `json:"perpendicularidad_cumple,omitempty"`
	FlatnessSuperior     *bool  `json:"planitud_superior,omitempty"`
	FlatnessInferior     *bool  `json:"planitud_inferior,omitempty"`
	FlatnessDepressions  *bool  `json:"planitud_depresiones,omitempty"`
	ConformityCorrection *bool  `json:"conformidad_correccion,omitempty"`
}

// LooseString decodes from a JSON string, boolean or number. Older clients
// sent planitud_medida as a checkbox value.
type LooseString string

// UnmarshalJSON implements json.Unmarshaler
func (s *LooseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = LooseString(v)
		return nil
	}
	switch string(data) {
	case "true", "false":
		*s = LooseString(data)
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return fmt.Errorf("unsupported value %s", data)
	}
	*s = LooseString(data)
	return nil
}

// FromRecord renders r in wire form, including derived outputs and legacy
// mirrors.
func FromRecord(r verification.Record) Verification {
	v := Verification{
		Number:           r.Header.NumberLabel,
		DocumentCode:     r.Header.DocumentCode,
		Version:          r.Header.Version,
		DocumentDate:     r.Header.DocumentDate,
		Page:             r.Header.PageLabel,
		InspectedBy:      r.Header.InspectorCode,
		InspectionDate:   r.Header.InspectionDate,
		Client:           r.Header.ClientName,
		EquipmentBernier: r.Header.EquipmentBernier,
		EquipmentShims1:  r.Header.EquipmentShims1,
		EquipmentShims2:  r.Header.EquipmentShims2,
		EquipmentSquare:  r.Header.EquipmentSquare,
		EquipmentScale:   r.Header.EquipmentScale,
		Note:             r.Header.Note,
		Specimens:        make([]Specimen, 0, len(r.Specimens)),
	}
	if r.ID != nil {
		v.ID = verification.Ptr(*r.ID)
	}
	for i := range r.Specimens {
		v.Specimens = append(v.Specimens, fromSpecimen(&r.Specimens[i]))
	}
	return v
}

func fromSpecimen(s *verification.Specimen) Specimen {
	d := &s.Derived
	out := Specimen{
		ItemNumber:          s.ItemNumber,
		LEMCode:             s.LEMCode,
		SpecimenType:        s.SpecimenType,
		Diameter1:           copyPtr(s.Diameter1),
		Diameter2:           copyPtr(s.Diameter2),
		DiameterAcceptance:  acceptanceLabel(d.DiameterAcceptance),
		PerpSup1:            copyPtr(s.PerpSup1),
		PerpSup2:            copyPtr(s.PerpSup2),
		PerpInf1:            copyPtr(s.PerpInf1),
		PerpInf2:            copyPtr(s.PerpInf2),
		PerpMeasured:        copyPtr(s.PerpMeasured),
		FlatnessMeasured:    LooseString(s.FlatnessMeasured),
		SuperiorAcceptance:  acceptanceLabel(s.Superior),
		InferiorAcceptance:  acceptanceLabel(s.Inferior),
		DepressionsAccepted: acceptanceLabel(s.Depressions),
		Action:              actionLabel(s),
		Conformity:          s.Conformity,
		Length1:             copyPtr(s.Length1),
		Length2:             copyPtr(s.Length2),
		Length3:             copyPtr(s.Length3),
		WeighedMass:         copyPtr(s.WeighedMassGrams),
		CalculatedMass:      copyPtr(d.MassGrams),
		Ratio:               copyPtr(d.LengthToDiameterRatio),
		Weigh:               weighLabel(d.WeighAction),

		ClientCode:          s.LEMCode,
		ToleranceCompliant:  acceptanceBool(d.DiameterAcceptance),
		PerpP1:              copyPtr(s.PerpSup1),
		PerpP2:              copyPtr(s.PerpSup2),
		PerpP3:              copyPtr(s.PerpInf1),
		PerpP4:              copyPtr(s.PerpInf2),
		PerpCompliant:       copyPtr(s.PerpMeasured),
		FlatnessSuperior:    acceptanceBool(s.Superior),
		FlatnessInferior:    acceptanceBool(s.Inferior),
		FlatnessDepressions: acceptanceBool(s.Depressions),
	}
	if d.TolerancePercent != nil {
		out.TolerancePercent = verification.Ptr(derivation.RoundTo(*d.TolerancePercent, 2))
	}
	if s.Conformity != "" {
		out.ConformityCorrection = verification.Ptr(strings.EqualFold(strings.TrimSpace(s.Conformity), ConformityTest))
	}
	return out
}

// ToRecord converts a wire record to the canonical model. Derived outputs on
// the wire are ignored; the record store recomputes them on load.
func ToRecord(v Verification) (verification.Record, error) {
	r := verification.Record{
		Header: verification.Header{
			NumberLabel:      v.Number,
			DocumentCode:     v.DocumentCode,
			Version:          v.Version,
			DocumentDate:     v.DocumentDate,
			PageLabel:        v.Page,
			InspectorCode:    v.InspectedBy,
			InspectionDate:   v.InspectionDate,
			ClientName:       v.Client,
			EquipmentBernier: v.EquipmentBernier,
			EquipmentShims1:  v.EquipmentShims1,
			EquipmentShims2:  v.EquipmentShims2,
			EquipmentSquare:  v.EquipmentSquare,
			EquipmentScale:   v.EquipmentScale,
			Note:             v.Note,
		},
		Specimens: make([]verification.Specimen, 0, len(v.Specimens)),
	}
	if v.ID != nil {
		r.ID = verification.Ptr(*v.ID)
	}

	var errs []error
	for i := range v.Specimens {
		s, err := toSpecimen(&v.Specimens[i])
		if err != nil {
			errs = append(errs, errors.New(err).
				Component("dto").
				Category(errors.CategoryFileParsing).
				Context("item_numero", v.Specimens[i].ItemNumber).
				Build())
			continue
		}
		r.Specimens = append(r.Specimens, s)
	}
	if len(errs) > 0 {
		return verification.Record{}, errors.Join(errs...)
	}
	return r, nil
}

func toSpecimen(w *Specimen) (verification.Specimen, error) {
	s := verification.Specimen{
		ItemNumber:       w.ItemNumber,
		LEMCode:          firstNonEmpty(w.LEMCode, w.ClientCode),
		SpecimenType:     w.SpecimenType,
		Diameter1:        copyPtr(w.Diameter1),
		Diameter2:        copyPtr(w.Diameter2),
		PerpSup1:         copyPtr(firstSet(w.PerpSup1, w.PerpP1)),
		PerpSup2:         copyPtr(firstSet(w.PerpSup2, w.PerpP2)),
		PerpInf1:         copyPtr(firstSet(w.PerpInf1, w.PerpP3)),
		PerpInf2:         copyPtr(firstSet(w.PerpInf2, w.PerpP4)),
		PerpMeasured:     copyPtr(firstSet(w.PerpMeasured, w.PerpCompliant)),
		FlatnessMeasured: string(w.FlatnessMeasured),
		Length1:          copyPtr(w.Length1),
		Length2:          copyPtr(w.Length2),
		Length3:          copyPtr(w.Length3),
		WeighedMassGrams: copyPtr(w.WeighedMass),
		Conformity:       w.Conformity,
	}

	var err error
	if s.Superior, err = parseAcceptance("planitud_superior_aceptacion", w.SuperiorAcceptance, w.FlatnessSuperior); err != nil {
		return s, err
	}
	if s.Inferior, err = parseAcceptance("planitud_inferior_aceptacion", w.InferiorAcceptance, w.FlatnessInferior); err != nil {
		return s, err
	}
	if s.Depressions, err = parseAcceptance("planitud_depresiones_aceptacion", w.DepressionsAccepted, w.FlatnessDepressions); err != nil {
		return s, err
	}

	if s.Conformity == "" && w.ConformityCorrection != nil && *w.ConformityCorrection {
		s.Conformity = ConformityTest
	}
	return s, nil
}

// parseAcceptance prefers the text field and falls back to the legacy boolean
func parseAcceptance(field, text string, legacy *bool) (verification.Acceptance, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "":
		if legacy == nil {
			return verification.Unset, nil
		}
		if *legacy {
			return verification.Compliant, nil
		}
		return verification.NonCompliant, nil
	case "cumple", "compliant":
		return verification.Compliant, nil
	case "no cumple", "noncompliant":
		return verification.NonCompliant, nil
	default:
		return verification.Unset, fmt.Errorf("%s: unknown acceptance %q", field, text)
	}
}

func acceptanceLabel(a verification.Acceptance) string {
	switch a {
	case verification.Compliant:
		return AcceptanceCompliant
	case verification.NonCompliant:
		return AcceptanceNonCompliant
	default:
		return ""
	}
}

func acceptanceBool(a verification.Acceptance) *bool {
	if !a.IsSet() {
		return nil
	}
	return verification.Ptr(a == verification.Compliant)
}

func weighLabel(w verification.WeighAction) string {
	switch w {
	case verification.Weigh:
		return WeighLabel
	case verification.DoNotWeigh:
		return DoNotWeighLabel
	default:
		return ""
	}
}

func actionLabel(s *verification.Specimen) string {
	action := s.Derived.FlatnessAction
	if !action.IsSet() {
		return ""
	}
	if action.Unrecognized {
		return fmt.Sprintf("ERROR: Patrón no reconocido (%s%s%s)",
			patternLetter(s.Superior), patternLetter(s.Inferior), patternLetter(s.Depressions))
	}
	if label, ok := flatnessLabels[action.Label]; ok {
		return label
	}
	return action.Label
}

func patternLetter(a verification.Acceptance) string {
	if a == verification.Compliant {
		return "C"
	}
	return "N"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstSet[T any](values ...*T) *T {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
