// Package parser reads and writes the Markdown documents the pipeline produces.
package parser

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const fence = "---"

var headingLine = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)

// Document is a Markdown file split into its frontmatter and heading tree.
type Document struct {
	// Front is the raw YAML between the leading fences, nil when absent.
	Front []byte
	Title string
	Body  string
	// Sections in document order. Parent indexes into Sections, -1 at top level.
	Sections []Section
}

// Section is one heading and the text up to the next heading.
type Section struct {
	Level   int
	Heading string
	Text    string
	Parent  int
}

// DecodeFront unmarshals the frontmatter into v. A document without
// frontmatter leaves v untouched.
func (d *Document) DecodeFront(v any) error {
	if len(d.Front) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(d.Front, v); err != nil {
		return fmt.Errorf("decode frontmatter: %w", err)
	}
	return nil
}

// Children returns the sections directly below Sections[i].
func (d *Document) Children(i int) []Section {
	var out []Section
	for _, s := range d.Sections {
		if s.Parent == i {
			out = append(out, s)
		}
	}
	return out
}

// ParseMarkdown splits content into frontmatter, title and sections. The
// title is the frontmatter's title key when set, else the first h1.
func ParseMarkdown(content string) *Document {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	front, body := splitFront(content)
	doc := &Document{Front: front, Body: body, Sections: sections(body)}

	var meta struct {
		Title string `yaml:"title"`
	}
	if doc.DecodeFront(&meta) == nil && meta.Title != "" {
		doc.Title = meta.Title
	} else {
		for _, s := range doc.Sections {
			if s.Level == 1 {
				doc.Title = s.Heading
				break
			}
		}
	}
	return doc
}

// splitFront separates a leading "---" fenced YAML block from the body.
// An unterminated block is treated as body text.
func splitFront(content string) ([]byte, string) {
	if !strings.HasPrefix(content, fence+"\n") {
		return nil, content
	}
	rest := content[len(fence)+1:]
	end := strings.Index(rest, "\n"+fence)
	if end < 0 {
		return nil, content
	}
	body := rest[end+len(fence)+1:]
	return []byte(rest[:end]), strings.TrimPrefix(body, "\n")
}

func sections(body string) []Section {
	var (
		out   []Section
		text  strings.Builder
		stack []int // open section indexes, outermost first
		code  bool
	)
	flush := func() {
		if len(out) > 0 {
			out[len(out)-1].Text = strings.TrimSpace(text.String())
		}
		text.Reset()
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			code = !code
		}
		m := headingLine.FindStringSubmatch(line)
		if code || m == nil {
			text.WriteString(line)
			text.WriteByte('\n')
			continue
		}

		flush()
		level := len(m[1])
		for len(stack) > 0 && out[stack[len(stack)-1]].Level >= level {
			stack = stack[:len(stack)-1]
		}
		parent := -1
		if len(stack) > 0 {
			parent = stack[len(stack)-1]
		}
		out = append(out, Section{Level: level, Heading: m[2], Parent: parent})
		stack = append(stack, len(out)-1)
	}
	flush()
	return out
}
