package datastore

import (
	"time"

	"github.com/lemlab/verifier/internal/dto"
)

// Verification is the verifications table. Header columns are kept
// individually so records can be listed and searched without decoding rows.
type Verification struct {
	ID uint64 `gorm:"primaryKey"`

	Number           string `gorm:"index;size:64"`
	DocumentCode     string `gorm:"size:64"`
	Version          string `gorm:"size:16"`
	DocumentDate     string `gorm:"size:32"`
	Page             string `gorm:"size:32"`
	InspectedBy      string `gorm:"size:128"`
	InspectionDate   string `gorm:"size:32"`
	Client           string `gorm:"size:255"`
	EquipmentBernier string `gorm:"size:128"`
	EquipmentShims1  string `gorm:"size:128"`
	EquipmentShims2  string `gorm:"size:128"`
	EquipmentSquare  string `gorm:"size:128"`
	EquipmentScale   string `gorm:"size:128"`
	Note             string `gorm:"type:text"`

	Specimens []Specimen `gorm:"foreignKey:VerificationID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Specimen is one row of a verification. The wire payload is kept as JSON so
// legacy mirror fields survive a round trip through the store.
type Specimen struct {
	ID             uint64 `gorm:"primaryKey"`
	VerificationID uint64 `gorm:"index;not null"`
	Position       int    `gorm:"not null"`
	ItemNumber     int
	LEMCode        string       `gorm:"index;size:64"`
	Payload        dto.Specimen `gorm:"serializer:json;type:text"`
}

func fromDTO(v dto.Verification) Verification {
	m := Verification{
		Number:           v.Number,
		DocumentCode:     v.DocumentCode,
		Version:          v.Version,
		DocumentDate:     v.DocumentDate,
		Page:             v.Page,
		InspectedBy:      v.InspectedBy,
		InspectionDate:   v.InspectionDate,
		Client:           v.Client,
		EquipmentBernier: v.EquipmentBernier,
		EquipmentShims1:  v.EquipmentShims1,
		EquipmentShims2:  v.EquipmentShims2,
		EquipmentSquare:  v.EquipmentSquare,
		EquipmentScale:   v.EquipmentScale,
		Note:             v.Note,
	}
	if v.ID != nil {
		m.ID = *v.ID
	}
	m.Specimens = specimensFromDTO(m.ID, v.Specimens)
	return m
}

func specimensFromDTO(verificationID uint64, in []dto.Specimen) []Specimen {
	out := make([]Specimen, len(in))
	for i, s := range in {
		out[i] = Specimen{
			VerificationID: verificationID,
			Position:       i,
			ItemNumber:     s.ItemNumber,
			LEMCode:        s.LEMCode,
			Payload:        s,
		}
	}
	return out
}

func (m Verification) toDTO() dto.Verification {
	id := m.ID
	created, updated := m.CreatedAt, m.UpdatedAt
	v := dto.Verification{
		ID:               &id,
		Number:           m.Number,
		DocumentCode:     m.DocumentCode,
		Version:          m.Version,
		DocumentDate:     m.DocumentDate,
		Page:             m.Page,
		InspectedBy:      m.InspectedBy,
		InspectionDate:   m.InspectionDate,
		Client:           m.Client,
		EquipmentBernier: m.EquipmentBernier,
		EquipmentShims1:  m.EquipmentShims1,
		EquipmentShims2:  m.EquipmentShims2,
		EquipmentSquare:  m.EquipmentSquare,
		EquipmentScale:   m.EquipmentScale,
		Note:             m.Note,
		Specimens:        make([]dto.Specimen, len(m.Specimens)),
		CreatedAt:        &created,
		UpdatedAt:        &updated,
	}
	for i, s := range m.Specimens {
		v.Specimens[i] = s.Payload
	}
	return v
}
