package redact

import "testing"

func TestRedactDefaultPatterns(t *testing.T) {
	r := New("pepper")
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"email", "contact me at jane.doe@example.com please", "contact me at [EMAIL] please"},
		{"ssn", "ssn is 123-45-6789 on file", "ssn is [SSN] on file"},
		{"jwt", "token eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxMjM0NTY3ODkwIn0.abc123", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, matches := r.Redact(tc.in)
			if len(matches) == 0 {
				t.Fatalf("expected at least one match for %q", tc.in)
			}
			if tc.want != "" && got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestRedactStable(t *testing.T) {
	r := New("pepper")
	in := "email a@b.com and a@b.com again"
	out1, _ := r.Redact(in)
	out2, _ := r.Redact(in)
	if out1 != out2 {
		t.Fatalf("redaction is not stable: %q vs %q", out1, out2)
	}
}

func TestNoDefaultPatternSurvivesRedaction(t *testing.T) {
	r := New("pepper")
	in := "ssn 123-45-6789 email a@b.com phone 415-555-1234 ip 10.0.0.1"
	out, _ := r.Redact(in)
	for _, p := range DefaultPatterns() {
		if p.Matcher.MatchString(out) {
			t.Fatalf("pattern %s still matches redacted output %q", p.Name, out)
		}
	}
}

func TestRedactObjectRecursion(t *testing.T) {
	r := New("pepper")
	in := map[string]any{
		"user": "a@b.com",
		"tags": []any{"x@y.com", "clean"},
	}
	out := r.RedactObject(in).(map[string]any)
	if out["user"] == "a@b.com" {
		t.Fatalf("expected user field to be redacted")
	}
	tags := out["tags"].([]any)
	if tags[0] == "x@y.com" {
		t.Fatalf("expected nested slice element to be redacted")
	}
}
