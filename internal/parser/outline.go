package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/raphaelgruber/manuscript/internal/models"
)

// ordinalPrefix strips labels such as "Chapter 3:" or "1.2 -" from headings.
var ordinalPrefix = regexp.MustCompile(`(?i)^(?:(?:chapter|part|unit|section|scene)\s+)?[0-9ivxlc]+(?:\.[0-9]+)*\s*[:.\-)]\s*`)

// Outline is the structure read back from main_outline.md.
type Outline struct {
	Title string
	Units []OutlineUnit
}

// OutlineUnit is one top-level entry of an outline.
type OutlineUnit struct {
	Ordinal  int
	Title    string
	Synopsis string
	SubUnits []OutlineSubUnit
}

// OutlineSubUnit is one entry below a unit.
type OutlineSubUnit struct {
	Position models.Position
	Title    string
	Synopsis string
}

// ParseOutline maps the headings of an outline onto layout. Level-2
// headings become units and level-3 headings nested directly under them
// become sub-units, in document order. Headings beyond the layout are ignored; slots the
// document does not fill get placeholder titles.
func ParseOutline(content string, layout models.Layout) (*Outline, error) {
	if len(layout) == 0 {
		return nil, fmt.Errorf("parse outline: empty layout")
	}
	doc := ParseMarkdown(content)

	type parsedUnit struct {
		section  Section
		children []Section
	}
	var parsed []parsedUnit
	for i, s := range doc.Sections {
		if s.Level != 2 {
			continue
		}
		u := parsedUnit{section: s}
		for _, c := range doc.Children(i) {
			if c.Level == 3 {
				u.children = append(u.children, c)
			}
		}
		parsed = append(parsed, u)
	}

	out := &Outline{Title: doc.Title, Units: make([]OutlineUnit, 0, len(layout))}
	for i, count := range layout {
		unit := OutlineUnit{
			Ordinal:  i + 1,
			Title:    fmt.Sprintf("Chapter %d", i+1),
			SubUnits: make([]OutlineSubUnit, 0, count),
		}
		var children []Section
		if i < len(parsed) {
			if t := cleanHeading(parsed[i].section.Heading); t != "" {
				unit.Title = t
			}
			unit.Synopsis = parsed[i].section.Text
			children = parsed[i].children
		}
		for s := 1; s <= count; s++ {
			sub := OutlineSubUnit{
				Position: models.Position{Unit: i + 1, SubUnit: s},
				Title:    fmt.Sprintf("Section %d.%d", i+1, s),
			}
			if s-1 < len(children) {
				if t := cleanHeading(children[s-1].Heading); t != "" {
					sub.Title = t
				}
				sub.Synopsis = children[s-1].Text
			}
			unit.SubUnits = append(unit.SubUnits, sub)
		}
		out.Units = append(out.Units, unit)
	}
	return out, nil
}

// SubUnit returns the outline entry at pos.
func (o *Outline) SubUnit(pos models.Position) (OutlineSubUnit, bool) {
	if pos.Unit < 1 || pos.Unit > len(o.Units) {
		return OutlineSubUnit{}, false
	}
	subs := o.Units[pos.Unit-1].SubUnits
	if pos.SubUnit < 1 || pos.SubUnit > len(subs) {
		return OutlineSubUnit{}, false
	}
	return subs[pos.SubUnit-1], true
}

func cleanHeading(h string) string {
	h = strings.Trim(strings.TrimSpace(h), "*_")
	h = ordinalPrefix.ReplaceAllString(h, "")
	return strings.TrimSpace(h)
}
