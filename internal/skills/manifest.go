// Package skills parses skill manifests and owns the versioned registry
// with its lifecycle states. Frontmatter parsing is adapted from the
// teacher's internal/skills/parser.go (YAML frontmatter delimited by "---"
// lines, body as trimmed markdown) generalized from a single SKILL.md
// discovery pass into a per-version manifest record.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterDelimiter = "---"

// Manifest is one skill version's parsed SKILL.md.
type Manifest struct {
	Name        string    `yaml:"name" json:"name"`
	Version     string    `yaml:"version" json:"version"`
	Description string    `yaml:"description" json:"description"`
	Homepage    string    `yaml:"homepage,omitempty" json:"homepage,omitempty"`
	Gating      Gating    `yaml:"requires,omitempty" json:"requires,omitempty"`
	Tools       []string  `yaml:"tools,omitempty" json:"tools,omitempty"`
	Content     string    `yaml:"-" json:"-"`
}

// Gating is a skill's activation precondition; all listed requirements
// must hold for a skill to be eligible for inclusion in a request.
type Gating struct {
	Models      []string `yaml:"models,omitempty" json:"models,omitempty"`
	Tenants     []string `yaml:"tenants,omitempty" json:"tenants,omitempty"`
	EnvVars     []string `yaml:"envVars,omitempty" json:"envVars,omitempty"`
	Always      bool     `yaml:"always,omitempty" json:"always,omitempty"`
}

// ParseManifest splits YAML frontmatter from the markdown body and
// unmarshals the frontmatter into a Manifest, mirroring the teacher's
// splitFrontmatter/ParseSkill two-step.
func ParseManifest(data []byte) (*Manifest, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(frontmatter, &m); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if err := validateManifest(&m); err != nil {
		return nil, err
	}
	m.Content = strings.TrimSpace(string(body))
	return &m, nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanner error: %w", err)
	}
	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

func validateManifest(m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	for _, r := range m.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("name must be lowercase alphanumeric with hyphens: got %q", m.Name)
		}
	}
	if m.Version == "" {
		return fmt.Errorf("skill version is required")
	}
	if m.Description == "" {
		return fmt.Errorf("skill description is required")
	}
	return nil
}

// Eligible reports whether the skill's gating conditions are satisfied
// for the given model and tenant, and whether every required env var is
// present in env.
func (g Gating) Eligible(model, tenantID string, env map[string]string) bool {
	if g.Always {
		return true
	}
	if len(g.Models) > 0 && !contains(g.Models, model) {
		return false
	}
	if len(g.Tenants) > 0 && !contains(g.Tenants, tenantID) {
		return false
	}
	for _, key := range g.EnvVars {
		if env[key] == "" {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
