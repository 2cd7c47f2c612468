package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/raphaelgruber/manuscript/internal/models"
)

// Brief is the part of a job every prompt needs.
type Brief struct {
	Title    string
	Premise  string
	Genre    string
	Audience string
}

// BriefFromSpec extracts a Brief from a job spec.
func BriefFromSpec(spec models.JobSpec) Brief {
	return Brief{Title: spec.Title, Premise: spec.Premise, Genre: spec.Genre, Audience: spec.Audience}
}

func (b Brief) render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s\nPremise: %s\n", b.Title, b.Premise)
	if b.Genre != "" {
		fmt.Fprintf(&sb, "Genre: %s\n", b.Genre)
	}
	if b.Audience != "" {
		fmt.Fprintf(&sb, "Audience: %s\n", b.Audience)
	}
	return sb.String()
}

// DraftRequest is everything the model sees when writing one sub-unit.
type DraftRequest struct {
	Brief          Brief
	Outline        string
	Position       models.Position
	UnitTitle      string
	SubUnitTitle   string
	Synopsis       string
	PriorSummaries []string
	Avoid          models.AvoidanceLists
}

// Entity is one named entity found in generated content.
type Entity struct {
	Category models.EntityCategory
	Name     string
}

// Outline writes the structural plan of the whole work.
func (m *Model) Outline(ctx context.Context, brief Brief, layout models.Layout) (string, error) {
	systemPrompt := `You are a structural editor planning a long-form manuscript.
Produce a Markdown outline:
- Start with "# " and the title
- One "## " heading per chapter, followed by a one-paragraph synopsis
- One "### " heading per section inside its chapter, followed by two or three sentences
Use exactly the requested number of chapters and sections. Do not add any other headings.`

	var counts []string
	for i, n := range layout {
		counts = append(counts, fmt.Sprintf("Chapter %d: %d sections", i+1, n))
	}

	userPrompt := fmt.Sprintf(`%s
Structure:
%s

Outline:`, brief.render(), strings.Join(counts, "\n"))

	return m.GenerateWithSystem(ctx, systemPrompt, userPrompt, llms.WithTemperature(0.7))
}

// Draft writes the content of one sub-unit.
func (m *Model) Draft(ctx context.Context, req DraftRequest) (string, error) {
	systemPrompt := `You are a novelist writing one section of a manuscript.
Write continuous prose for the requested section only. Stay consistent with the outline and with everything summarised so far.
Do not repeat events that already happened. Do not include headings, notes or commentary.`

	var sb strings.Builder
	sb.WriteString(req.Brief.render())
	fmt.Fprintf(&sb, "\nOutline:\n%s\n", strings.TrimSpace(req.Outline))

	if len(req.PriorSummaries) > 0 {
		sb.WriteString("\nStory so far, section by section:\n")
		for i, s := range req.PriorSummaries {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, strings.TrimSpace(s))
		}
	}

	if !req.Avoid.Empty() {
		sb.WriteString("\nThese names are already taken. Do not introduce new characters, roles, places or organizations that reuse them; refer to existing ones only when the outline requires it:\n")
		writeList(&sb, "People", req.Avoid.People)
		writeList(&sb, "Roles", req.Avoid.Roles)
		writeList(&sb, "Places", req.Avoid.Places)
		writeList(&sb, "Organizations", req.Avoid.Organizations)
	}

	fmt.Fprintf(&sb, "\nWrite chapter %d (%s), section %d (%s).\n", req.Position.Unit, req.UnitTitle, req.Position.SubUnit, req.SubUnitTitle)
	if req.Synopsis != "" {
		fmt.Fprintf(&sb, "Section plan: %s\n", req.Synopsis)
	}
	sb.WriteString("\nSection text:")

	return m.GenerateWithSystem(ctx, systemPrompt, sb.String(), llms.WithTemperature(0.8))
}

// Summarize condenses a draft into a short summary used as context later.
func (m *Model) Summarize(ctx context.Context, brief Brief, pos models.Position, title, draft string) (string, error) {
	systemPrompt := `You summarise manuscript sections for continuity tracking.
Write one paragraph of at most 120 words covering events, decisions and any named people, places and organizations. Plain prose only.`

	userPrompt := fmt.Sprintf(`Manuscript: %s
Section %s: %s

Text:
%s

Summary:`, brief.Title, pos, title, draft)

	return m.GenerateWithSystem(ctx, systemPrompt, userPrompt, llms.WithTemperature(0.2))
}

// ExtractEntities lists the named entities in content.
func (m *Model) ExtractEntities(ctx context.Context, content string) ([]Entity, error) {
	systemPrompt := `You extract named entities from fiction.

Categories: person, organization, place, role, domain_type

Output format (one per line):
ENTITY|category|name

Guidelines:
- Only proper nouns and distinctive titles that appear in the text
- Use the name exactly as written
- Output nothing else`

	userPrompt := fmt.Sprintf(`Text:
%s

Extracted entities:`, content)

	out, err := m.GenerateWithSystem(ctx, systemPrompt, userPrompt, llms.WithTemperature(0))
	if err != nil {
		return nil, err
	}
	return ParseEntities(out), nil
}

// FrontMatter writes the preface material from the outline and all summaries.
func (m *Model) FrontMatter(ctx context.Context, brief Brief, outline string, summaries []string) (string, error) {
	systemPrompt := `You write front matter for a finished manuscript.
Produce Markdown with a title page line, a one-paragraph back-cover blurb under "## About this book" and a table of contents under "## Contents" that follows the outline.`

	var sb strings.Builder
	sb.WriteString(brief.render())
	fmt.Fprintf(&sb, "\nOutline:\n%s\n\nSection summaries:\n", strings.TrimSpace(outline))
	for i, s := range summaries {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, strings.TrimSpace(s))
	}
	sb.WriteString("\nFront matter:")

	return m.GenerateWithSystem(ctx, systemPrompt, sb.String(), llms.WithTemperature(0.5))
}

// ParseEntities reads ENTITY|category|name lines. Malformed lines and
// unknown categories are skipped; duplicates are dropped case-insensitively.
func ParseEntities(text string) []Entity {
	seen := make(map[string]bool)
	var out []Entity
	for _, line := range strings.Split(text, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "|")
		if len(parts) != 3 || !strings.EqualFold(strings.TrimSpace(parts[0]), "ENTITY") {
			continue
		}
		category, ok := models.ParseEntityCategory(parts[1])
		if !ok {
			continue
		}
		name := strings.Trim(strings.TrimSpace(parts[2]), `"'`)
		if name == "" {
			continue
		}
		key := string(category) + "|" + strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Entity{Category: category, Name: name})
	}
	return out
}

func writeList(sb *strings.Builder, label string, values []string) {
	if len(values) == 0 {
		return
	}
	fmt.Fprintf(sb, "- %s: %s\n", label, strings.Join(values, ", "))
}
