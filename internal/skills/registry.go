package skills

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/governedrun/runtime/internal/audit"
	"github.com/governedrun/runtime/internal/errs"
	"github.com/governedrun/runtime/internal/store"
	"gopkg.in/yaml.v3"
)

// State is a skill version's lifecycle stage. Every state may transition
// to Deprecated; forward progression is otherwise linear.
type State string

const (
	Draft      State = "draft"
	Tested     State = "tested"
	Approved   State = "approved"
	Active     State = "active"
	Deprecated State = "deprecated"
)

var forwardTransitions = map[State]State{
	Draft:    Tested,
	Tested:   Approved,
	Approved: Active,
}

// CanTransition reports whether moving from one state to another is a
// legal lifecycle step: the single forward edge, or deprecation from any
// non-deprecated state.
func CanTransition(from, to State) bool {
	if to == Deprecated {
		return from != Deprecated
	}
	return forwardTransitions[from] == to
}

// Registered is one (name, version) row with its lifecycle state.
type Registered struct {
	Manifest  Manifest
	State     State
	CreatedAt time.Time
}

// Registry is the store-backed versioned skill catalog.
type Registry struct {
	db    *store.Store
	audit *audit.Log
}

func NewRegistry(db *store.Store, auditLog *audit.Log) *Registry {
	return &Registry{db: db, audit: auditLog}
}

// Publish inserts a new skill version in draft state. Re-publishing an
// existing (name, version) is rejected; skill content is immutable once
// a version exists, matching the workspace snapshot's content-addressed
// immutability.
func (r *Registry) Publish(ctx context.Context, m Manifest) error {
	payload, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	_, err = r.db.DB.ExecContext(ctx, `INSERT INTO skill_registry (name, version, state, manifest) VALUES (?,?,?,?)`,
		m.Name, m.Version, string(Draft), string(payload))
	if err != nil {
		return errs.Wrap(errs.IdempotencyConflict, "skill version already published", err)
	}
	return r.audit.Append(ctx, audit.Entry{EventType: audit.SkillPublished,
		Payload: map[string]any{"name": m.Name, "version": m.Version}})
}

func (r *Registry) get(ctx context.Context, name, version string) (*Registered, error) {
	var reg Registered
	var state, manifest string
	var createdAt string
	err := r.db.DB.QueryRowContext(ctx, `SELECT state, manifest, created_at FROM skill_registry WHERE name = ? AND version = ?`,
		name, version).Scan(&state, &manifest, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "skill version not found")
	}
	if err != nil {
		return nil, err
	}
	reg.State = State(state)
	reg.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
	if err := yaml.Unmarshal([]byte(manifest), &reg.Manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return &reg, nil
}

// Transition moves a skill version forward in its lifecycle, or to
// deprecated from any state, auditing the change.
func (r *Registry) Transition(ctx context.Context, tenantID, name, version string, to State) error {
	reg, err := r.get(ctx, name, version)
	if err != nil {
		return err
	}
	if !CanTransition(reg.State, to) {
		return errs.New(errs.Validation, fmt.Sprintf("cannot transition skill from %s to %s", reg.State, to))
	}
	_, err = r.db.DB.ExecContext(ctx, `UPDATE skill_registry SET state = ? WHERE name = ? AND version = ?`, string(to), name, version)
	if err != nil {
		return err
	}
	return r.audit.Append(ctx, audit.Entry{TenantID: tenantID, EventType: audit.SkillStateChanged,
		Payload: map[string]any{"name": name, "version": version, "from": reg.State, "to": to}})
}

// ActiveVersions returns every (name, active-version) pair, the default
// resolution set for requests that don't pin a specific skill version.
func (r *Registry) ActiveVersions(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.DB.QueryContext(ctx, `SELECT name, version FROM skill_registry WHERE state = ?`, string(Active))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var name, version string
		if err := rows.Scan(&name, &version); err != nil {
			return nil, err
		}
		out[name] = version
	}
	return out, nil
}

// Resolve loads the manifest for a specific (name, version), or the
// active version when version is empty.
func (r *Registry) Resolve(ctx context.Context, name, version string) (*Manifest, error) {
	if version == "" {
		active, err := r.ActiveVersions(ctx)
		if err != nil {
			return nil, err
		}
		v, ok := active[name]
		if !ok {
			return nil, errs.New(errs.NotFound, fmt.Sprintf("no active version for skill %q", name))
		}
		version = v
	}
	reg, err := r.get(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if reg.State == Deprecated {
		_ = r.audit.Append(ctx, audit.Entry{EventType: audit.SkillDeprecatedUsed,
			Payload: map[string]any{"name": name, "version": version}})
	}
	return &reg.Manifest, nil
}

// List returns every registered version of a skill, newest first.
func (r *Registry) List(ctx context.Context, name string) ([]Registered, error) {
	rows, err := r.db.DB.QueryContext(ctx, `SELECT state, manifest, created_at FROM skill_registry WHERE name = ? ORDER BY created_at DESC`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Registered
	for rows.Next() {
		var reg Registered
		var state, manifest, createdAt string
		if err := rows.Scan(&state, &manifest, &createdAt); err != nil {
			return nil, err
		}
		reg.State = State(state)
		reg.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
		if err := yaml.Unmarshal([]byte(manifest), &reg.Manifest); err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, nil
}

// EligibleSkills filters active skills to those whose gating conditions
// hold for the given model, tenant, and environment.
func (r *Registry) EligibleSkills(ctx context.Context, model, tenantID string, env map[string]string) ([]Manifest, error) {
	active, err := r.ActiveVersions(ctx)
	if err != nil {
		return nil, err
	}
	var out []Manifest
	for name, version := range active {
		reg, err := r.get(ctx, name, version)
		if err != nil {
			continue
		}
		if reg.Manifest.Gating.Eligible(model, tenantID, env) {
			out = append(out, reg.Manifest)
		}
	}
	return out, nil
}

// Evaluator runs one cheap-tier completion for a skill test case; the
// registry's test runner depends only on this narrow interface so it
// never imports the provider package directly and stays usable without a
// live provider wired up in unit tests.
type Evaluator interface {
	CompleteCheap(ctx context.Context, systemPrompt, userInput string) (string, error)
}

// EvalCase is one skill test expectation: the input prompt and a
// substring the cheap-tier completion must contain to pass.
type EvalCase struct {
	Name          string
	Input         string
	ExpectContains string
}

// RunEvals executes each case against the evaluator's cheap tier and
// records pass/fail in eval_results; it does not itself transition
// lifecycle state, leaving that decision to the caller (e.g. an ops
// console workflow that requires all cases green before calling
// Transition to Tested).
func (r *Registry) RunEvals(ctx context.Context, name, version string, cases []EvalCase, eval Evaluator) (passed, total int, err error) {
	m, err := r.get(ctx, name, version)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range cases {
		start := time.Now()
		out, runErr := eval.CompleteCheap(ctx, m.Manifest.Content, c.Input)
		ok := runErr == nil && (c.ExpectContains == "" || containsFold(out, c.ExpectContains))
		if ok {
			passed++
		}
		id := fmt.Sprintf("%s:%s:%s:%d", name, version, c.Name, start.UnixNano())
		_, execErr := r.db.DB.ExecContext(ctx, `INSERT INTO eval_results (id, skill_name, skill_version, case_name, passed, duration_ms)
			VALUES (?,?,?,?,?,?)`, id, name, version, c.Name, boolInt(ok), time.Since(start).Milliseconds())
		if execErr != nil {
			return passed, len(cases), execErr
		}
	}
	total = len(cases)
	_ = r.audit.Append(ctx, audit.Entry{EventType: audit.SkillTested,
		Payload: map[string]any{"name": name, "version": version, "passed": passed, "total": total}})
	return passed, total, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func containsFold(haystack, needle string) bool {
	hl, nl := []rune(haystack), []rune(needle)
	toLower := func(rs []rune) []rune {
		out := make([]rune, len(rs))
		for i, r := range rs {
			if r >= 'A' && r <= 'Z' {
				r += 'a' - 'A'
			}
			out[i] = r
		}
		return out
	}
	hl, nl = toLower(hl), toLower(nl)
	if len(nl) == 0 {
		return true
	}
	for i := 0; i+len(nl) <= len(hl); i++ {
		match := true
		for j := range nl {
			if hl[i+j] != nl[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
