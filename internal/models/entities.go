// Package models provides data model definitions for the AccessCase sync core.
package models

import "encoding/json"

// EntityType identifies a domain object type synchronized independently.
type EntityType string

const (
	EntityAssessment  EntityType = "assessment"
	EntityBeneficiary EntityType = "beneficiary"
	EntityPhoto       EntityType = "photo"
	EntityMeasurement EntityType = "measurement"
)

// AllEntityTypes lists every entity type known to the sync core.
var AllEntityTypes = []EntityType{
	EntityAssessment,
	EntityBeneficiary,
	EntityPhoto,
	EntityMeasurement,
}

// DefaultPriority returns the sync priority assigned to new operations for
// an entity type. Higher values drain first. Photos carry large payloads
// and rank below the structured record types.
func (t EntityType) DefaultPriority() int {
	switch t {
	case EntityAssessment:
		return 10
	case EntityBeneficiary:
		return 10
	case EntityMeasurement:
		return 8
	case EntityPhoto:
		return 3
	default:
		return 5
	}
}

// Critical reports whether the entity type must keep syncing even on a
// low-bandwidth connection.
func (t EntityType) Critical() bool {
	return t == EntityAssessment || t == EntityBeneficiary
}

// LargeBinary reports whether the entity type carries bulk binary payloads
// that should be skipped on constrained connections.
func (t EntityType) LargeBinary() bool {
	return t == EntityPhoto
}

// Assessment is a home-accessibility assessment for one beneficiary.
type Assessment struct {
	ID            UUID            `json:"id"`
	BeneficiaryID UUID            `json:"beneficiary_id"`
	Status        string          `json:"status"` // draft, in_progress, completed
	Address       string          `json:"address"`
	Rooms         json.RawMessage `json:"rooms,omitempty"`
	Hazards       json.RawMessage `json:"hazards,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	AssessorID    string          `json:"assessor_id,omitempty"`
	CreatedAt     int64           `json:"created_at"`
	UpdatedAt     int64           `json:"updated_at"`
	Version       int             `json:"version"`
}

// Beneficiary is an aid recipient whose home is being assessed.
type Beneficiary struct {
	ID        UUID   `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone,omitempty"`
	Address   string `json:"address,omitempty"`
	Mobility  string `json:"mobility,omitempty"` // ambulatory, walker, wheelchair
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	Version   int    `json:"version"`
}

// Photo is an image captured during an assessment. Data holds the encoded
// image bytes until the blob upload completes; ObjectKey is set afterwards.
type Photo struct {
	ID           UUID   `json:"id"`
	AssessmentID UUID   `json:"assessment_id"`
	Caption      string `json:"caption,omitempty"`
	MimeType     string `json:"mime_type"`
	Data         []byte `json:"data,omitempty"`
	ObjectKey    string `json:"object_key,omitempty"`
	SizeBytes    int64  `json:"size_bytes"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
	Version      int    `json:"version"`
}

// Measurement is a single measured dimension recorded during an assessment.
type Measurement struct {
	ID           UUID    `json:"id"`
	AssessmentID UUID    `json:"assessment_id"`
	Location     string  `json:"location"` // doorway, ramp, threshold, ...
	Kind         string  `json:"kind"`     // width, height, slope
	Value        float64 `json:"value"`
	Unit         string  `json:"unit"`
	CreatedAt    int64   `json:"created_at"`
	UpdatedAt    int64   `json:"updated_at"`
	Version      int     `json:"version"`
}
