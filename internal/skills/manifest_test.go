package skills

import "testing"

const validSkill = `---
name: web-search
version: 1.0.0
description: Searches the web for current information.
tools:
  - search
requires:
  models:
    - gpt-4o
  always: false
---

Use the search tool to answer questions about current events.
`

func TestParseManifestValid(t *testing.T) {
	m, err := ParseManifest([]byte(validSkill))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Name != "web-search" || m.Version != "1.0.0" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if len(m.Tools) != 1 || m.Tools[0] != "search" {
		t.Fatalf("unexpected tools: %v", m.Tools)
	}
	if m.Content == "" {
		t.Fatal("expected non-empty body content")
	}
}

func TestParseManifestRejectsMissingFrontmatter(t *testing.T) {
	if _, err := ParseManifest([]byte("no frontmatter here")); err == nil {
		t.Fatal("expected error for missing frontmatter delimiter")
	}
}

func TestParseManifestRejectsUnclosedFrontmatter(t *testing.T) {
	in := "---\nname: x\nversion: 1.0.0\ndescription: d\n"
	if _, err := ParseManifest([]byte(in)); err == nil {
		t.Fatal("expected error for unclosed frontmatter")
	}
}

func TestParseManifestRejectsInvalidName(t *testing.T) {
	in := "---\nname: Web_Search\nversion: 1.0.0\ndescription: d\n---\nbody\n"
	if _, err := ParseManifest([]byte(in)); err == nil {
		t.Fatal("expected error for name with uppercase/underscore")
	}
}

func TestParseManifestRequiresFields(t *testing.T) {
	cases := []string{
		"---\nversion: 1.0.0\ndescription: d\n---\nbody\n",
		"---\nname: x\ndescription: d\n---\nbody\n",
		"---\nname: x\nversion: 1.0.0\n---\nbody\n",
	}
	for _, in := range cases {
		if _, err := ParseManifest([]byte(in)); err == nil {
			t.Fatalf("expected validation error for %q", in)
		}
	}
}

func TestGatingEligible(t *testing.T) {
	cases := []struct {
		name   string
		gating Gating
		model  string
		tenant string
		env    map[string]string
		want   bool
	}{
		{"always wins", Gating{Always: true}, "", "", nil, true},
		{"model allow-list matches", Gating{Models: []string{"gpt-4o"}}, "gpt-4o", "", nil, true},
		{"model allow-list rejects", Gating{Models: []string{"gpt-4o"}}, "gpt-4o-mini", "", nil, false},
		{"tenant allow-list matches", Gating{Tenants: []string{"tenant-a"}}, "", "tenant-a", nil, true},
		{"tenant allow-list rejects", Gating{Tenants: []string{"tenant-a"}}, "", "tenant-b", nil, false},
		{"missing env var rejects", Gating{EnvVars: []string{"FEATURE_X"}}, "", "", map[string]string{}, false},
		{"present env var accepts", Gating{EnvVars: []string{"FEATURE_X"}}, "", "", map[string]string{"FEATURE_X": "1"}, true},
		{"no conditions defaults true", Gating{}, "", "", nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.gating.Eligible(tc.model, tc.tenant, tc.env); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}
