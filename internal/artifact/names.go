package artifact

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/raphaelgruber/manuscript/internal/models"
)

// Fixed artifact names. Each artifact kind has exactly one name per position;
// nothing in the pipeline probes alternative spellings.
const (
	OutlineName     = "main_outline.md"
	CompiledName    = "content_draft.md"
	FrontMatterName = "front_matter.md"
)

// Kind identifies what an artifact holds.
type Kind string

const (
	KindOutline     Kind = "outline"
	KindDraft       Kind = "draft"
	KindSummary     Kind = "summary"
	KindCompiled    Kind = "compiled"
	KindFrontMatter Kind = "front_matter"
)

// DraftName names the draft artifact of a sub-unit.
func DraftName(pos models.Position) string {
	return fmt.Sprintf("unit_%d_subunit_%d_draft.md", pos.Unit, pos.SubUnit)
}

// SummaryName names the summary artifact of a sub-unit.
func SummaryName(pos models.Position) string {
	return fmt.Sprintf("unit_%d_subunit_%d_summary.md", pos.Unit, pos.SubUnit)
}

// Ref identifies one artifact of a job.
type Ref struct {
	Kind     Kind
	Position models.Position
}

// Name returns the artifact's file name.
func (r Ref) Name() (string, error) {
	switch r.Kind {
	case KindOutline:
		return OutlineName, nil
	case KindDraft:
		return DraftName(r.Position), nil
	case KindSummary:
		return SummaryName(r.Position), nil
	case KindCompiled:
		return CompiledName, nil
	case KindFrontMatter:
		return FrontMatterName, nil
	default:
		return "", fmt.Errorf("unknown artifact kind %q", r.Kind)
	}
}

var subUnitName = regexp.MustCompile(`^unit_([1-9][0-9]*)_subunit_([1-9][0-9]*)_(draft|summary)\.md$`)

// ParseName maps a file name back to the artifact it denotes.
// Files that do not follow the naming convention return false.
func ParseName(name string) (Ref, bool) {
	switch name {
	case OutlineName:
		return Ref{Kind: KindOutline}, true
	case CompiledName:
		return Ref{Kind: KindCompiled}, true
	case FrontMatterName:
		return Ref{Kind: KindFrontMatter}, true
	}

	m := subUnitName.FindStringSubmatch(name)
	if m == nil {
		return Ref{}, false
	}
	unit, _ := strconv.Atoi(m[1])
	sub, _ := strconv.Atoi(m[2])
	kind := KindDraft
	if m[3] == "summary" {
		kind = KindSummary
	}
	return Ref{Kind: kind, Position: models.Position{Unit: unit, SubUnit: sub}}, true
}
