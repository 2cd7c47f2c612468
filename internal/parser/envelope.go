package parser

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Envelope is the YAML header written at the top of every artifact.
type Envelope struct {
	Job         string    `yaml:"job"`
	Kind        string    `yaml:"kind"`
	Title       string    `yaml:"title,omitempty"`
	Unit        int       `yaml:"unit,omitempty"`
	SubUnit     int       `yaml:"sub_unit,omitempty"`
	GeneratedAt time.Time `yaml:"generated_at"`
}

// RenderArtifact prefixes body with env as a frontmatter block.
func RenderArtifact(env Envelope, body string) ([]byte, error) {
	header, err := yaml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(header)
	buf.WriteString("---\n\n")
	buf.WriteString(strings.TrimSpace(body))
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// ParseArtifact splits an artifact into its envelope and body. Content
// without an envelope is returned whole with a zero Envelope.
func ParseArtifact(content []byte) (Envelope, string, error) {
	doc := ParseMarkdown(string(content))
	var env Envelope
	if err := doc.DecodeFront(&env); err != nil {
		return Envelope{}, "", err
	}
	return env, strings.TrimSpace(doc.Body), nil
}
