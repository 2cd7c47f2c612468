package models

import (
	"fmt"
	"strings"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Unit is a top-level structural division of a job's output (a chapter).
type Unit struct {
	ID        surrealmodels.RecordID `json:"id"`
	JobID     string                 `json:"job_id"`
	Ordinal   int                    `json:"ordinal"`
	Title     string                 `json:"title"`
	CreatedAt time.Time              `json:"created_at"`
}

// SubUnit is a generation unit inside a Unit (a section).
type SubUnit struct {
	ID          surrealmodels.RecordID `json:"id"`
	JobID       string                 `json:"job_id"`
	UnitOrdinal int                    `json:"unit_ordinal"`
	Ordinal     int                    `json:"ordinal"`
	Title       string                 `json:"title"`
	DraftPath   *string                `json:"draft_path,omitempty"`
	SummaryPath *string                `json:"summary_path,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Position returns the sub-unit's (unit, sub-unit) address.
func (s *SubUnit) Position() Position {
	return Position{Unit: s.UnitOrdinal, SubUnit: s.Ordinal}
}

// UnitKey is the deterministic record key of a unit.
func UnitKey(jobID string, unit int) string {
	return fmt.Sprintf("%s_u%d", jobID, unit)
}

// SubUnitKey is the deterministic record key of a sub-unit.
func SubUnitKey(jobID string, pos Position) string {
	return fmt.Sprintf("%s_u%d_s%d", jobID, pos.Unit, pos.SubUnit)
}

// EntityCategory classifies a named entity mentioned in generated content.
type EntityCategory string

const (
	CategoryPerson       EntityCategory = "person"
	CategoryOrganization EntityCategory = "organization"
	CategoryPlace        EntityCategory = "place"
	CategoryRole         EntityCategory = "role"
	CategoryDomainType   EntityCategory = "domain_type"
)

// ParseEntityCategory maps loose labels onto a category.
func ParseEntityCategory(s string) (EntityCategory, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "person", "people", "character":
		return CategoryPerson, true
	case "organization", "organisation", "org", "company":
		return CategoryOrganization, true
	case "place", "location", "setting":
		return CategoryPlace, true
	case "role", "title", "occupation":
		return CategoryRole, true
	case "domain_type", "domain", "type", "concept":
		return CategoryDomainType, true
	default:
		return "", false
	}
}

// EntityMention records that a sub-unit's content names an entity.
type EntityMention struct {
	ID        surrealmodels.RecordID `json:"id,omitempty"`
	JobID     string                 `json:"job_id"`
	SubUnitID string                 `json:"sub_unit_id"`
	Category  EntityCategory         `json:"category"`
	Value     string                 `json:"value"`
	CreatedAt time.Time              `json:"created_at,omitempty"`
}

// AvoidanceLists holds the distinct proper nouns already used by a job,
// grouped for negative guidance in later generation calls.
type AvoidanceLists struct {
	People        []string `json:"people"`
	Roles         []string `json:"roles"`
	Places        []string `json:"places"`
	Organizations []string `json:"organizations"`
}

// Empty reports whether every list is empty.
func (a AvoidanceLists) Empty() bool {
	return len(a.People) == 0 && len(a.Roles) == 0 && len(a.Places) == 0 && len(a.Organizations) == 0
}
