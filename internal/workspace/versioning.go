package workspace

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/governedrun/runtime/internal/audit"
	"github.com/governedrun/runtime/internal/errs"
	"github.com/governedrun/runtime/internal/store"
)

// FileHash is one file's path, content hash, and size within a snapshot.
type FileHash struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int    `json:"size"`
}

// Snapshot is an immutable, content-hashed frozen copy of a workspace.
type Snapshot struct {
	Hash      string     `json:"hash"`
	Workspace string     `json:"workspace"`
	Message   string     `json:"message"`
	Files     []FileHash `json:"files"`
}

// Versioning owns workspace snapshots, environments, and pins.
type Versioning struct {
	db   *store.Store
	root string
}

func NewVersioning(db *store.Store, root string) *Versioning {
	return &Versioning{db: db, root: root}
}

// Snapshot reads every file under root, computes a per-file hash and a
// roll-up snapshot hash, and persists the descriptor. Identical on-disk
// contents always yield identical snapshot hashes (the round-trip
// property), because the roll-up hash is computed over the sorted,
// canonical (path,hash) list rather than over directory-walk order.
func (v *Versioning) Snapshot(ctx context.Context, workspaceName, message string) (*Snapshot, error) {
	var files []FileHash
	err := filepath.Walk(v.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(v.root, path)
		sum := sha256.Sum256(data)
		files = append(files, FileHash{Path: filepath.ToSlash(rel), Hash: hex.EncodeToString(sum[:]), Size: len(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	rollup := sha256.New()
	for _, f := range files {
		rollup.Write([]byte(f.Path + ":" + f.Hash + "\n"))
	}
	snap := &Snapshot{Hash: hex.EncodeToString(rollup.Sum(nil)), Workspace: workspaceName, Message: message, Files: files}

	tx, err := v.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	defer tx.Rollback()
	// Blobs are content-addressed by per-file hash, so files unchanged
	// across snapshots are stored once regardless of how many snapshots
	// reference them.
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(v.root, filepath.FromSlash(f.Path)))
		if err != nil {
			return nil, fmt.Errorf("read %s for blob storage: %w", f.Path, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO workspace_blobs (hash, content) VALUES (?,?)`, f.Hash, data); err != nil {
			return nil, fmt.Errorf("save blob for %s: %w", f.Path, err)
		}
	}
	payload, _ := json.Marshal(snap.Files)
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO workspace_versions (hash, workspace, message, files) VALUES (?,?,?,?)`,
		snap.Hash, workspaceName, message, string(payload)); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	return snap, nil
}

// blob fetches one file's content by its per-file hash.
func (v *Versioning) blob(ctx context.Context, hash string) ([]byte, error) {
	var content []byte
	err := v.db.DB.QueryRowContext(ctx, `SELECT content FROM workspace_blobs WHERE hash = ?`, hash).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "blob content not found for hash "+hash)
	}
	if err != nil {
		return nil, err
	}
	return content, nil
}

func (v *Versioning) load(ctx context.Context, hash string) (*Snapshot, error) {
	var snap Snapshot
	var files string
	err := v.db.DB.QueryRowContext(ctx, `SELECT hash, workspace, message, files FROM workspace_versions WHERE hash = ?`, hash).
		Scan(&snap.Hash, &snap.Workspace, &snap.Message, &files)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "snapshot not found")
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(files), &snap.Files)
	return &snap, nil
}

// FileStatus is a per-file diff classification.
type FileStatus string

const (
	Added     FileStatus = "added"
	Modified  FileStatus = "modified"
	Deleted   FileStatus = "deleted"
	Unchanged FileStatus = "unchanged"
)

// FileDiff is one file's status with old/new sizes.
type FileDiff struct {
	Path    string     `json:"path"`
	Status  FileStatus `json:"status"`
	OldSize int        `json:"old_size"`
	NewSize int        `json:"new_size"`
}

// Diff returns per-file status between two snapshot hashes.
func (v *Versioning) Diff(ctx context.Context, oldHash, newHash string) ([]FileDiff, error) {
	oldSnap, err := v.load(ctx, oldHash)
	if err != nil {
		return nil, err
	}
	newSnap, err := v.load(ctx, newHash)
	if err != nil {
		return nil, err
	}
	oldByPath := map[string]FileHash{}
	for _, f := range oldSnap.Files {
		oldByPath[f.Path] = f
	}
	newByPath := map[string]FileHash{}
	for _, f := range newSnap.Files {
		newByPath[f.Path] = f
	}
	var out []FileDiff
	for path, nf := range newByPath {
		if of, ok := oldByPath[path]; !ok {
			out = append(out, FileDiff{Path: path, Status: Added, NewSize: nf.Size})
		} else if of.Hash != nf.Hash {
			out = append(out, FileDiff{Path: path, Status: Modified, OldSize: of.Size, NewSize: nf.Size})
		} else {
			out = append(out, FileDiff{Path: path, Status: Unchanged, OldSize: of.Size, NewSize: nf.Size})
		}
	}
	for path, of := range oldByPath {
		if _, ok := newByPath[path]; !ok {
			out = append(out, FileDiff{Path: path, Status: Deleted, OldSize: of.Size})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Rollback overwrites current files from the snapshot: every file it lists
// is restored from its content-addressed blob, and any file currently on
// disk that the snapshot doesn't list is removed, so the workspace ends up
// byte-for-byte what it was at snapshot time. Emits a workspace_change
// audit entry on success.
func (v *Versioning) Rollback(ctx context.Context, tenantID, workspaceName, hash string, auditLog *audit.Log) error {
	snap, err := v.load(ctx, hash)
	if err != nil {
		return err
	}
	if len(snap.Files) == 0 {
		return errs.New(errs.NotFound, "snapshot has no recorded files")
	}

	keep := make(map[string]bool, len(snap.Files))
	for _, f := range snap.Files {
		content, err := v.blob(ctx, f.Hash)
		if err != nil {
			return fmt.Errorf("restore %s: %w", f.Path, err)
		}
		dest := filepath.Join(v.root, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("restore %s: %w", f.Path, err)
		}
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			return fmt.Errorf("restore %s: %w", f.Path, err)
		}
		keep[f.Path] = true
	}

	err = filepath.Walk(v.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(v.root, path)
		if !keep[filepath.ToSlash(rel)] {
			return os.Remove(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("prune files outside snapshot: %w", err)
	}

	return auditLog.Append(ctx, audit.Entry{
		TenantID: tenantID, Workspace: workspaceName, EventType: audit.WorkspaceChange,
		Payload: map[string]any{"action": "rollback", "hash": hash},
	})
}

// Environment is a named binding from environment name to snapshot hash.
type Environment struct {
	Workspace   string `json:"workspace"`
	Name        string `json:"name"`
	Description string `json:"description"`
	VersionHash string `json:"version_hash"`
	IsDefault   bool   `json:"is_default"`
	Locked      bool   `json:"locked"`
}

// UpsertEnvironment creates or updates an environment; setting default
// clears any prior default in one transaction.
func (v *Versioning) UpsertEnvironment(ctx context.Context, e Environment) error {
	tx, err := v.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if e.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE workspace_environments SET is_default = 0 WHERE workspace = ?`, e.Workspace); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workspace_environments (workspace, name, description, version_hash, is_default, locked)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(workspace, name) DO UPDATE SET description=excluded.description, version_hash=excluded.version_hash,
			is_default=excluded.is_default, locked=excluded.locked`,
		e.Workspace, e.Name, e.Description, e.VersionHash, boolInt(e.IsDefault), boolInt(e.Locked))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (v *Versioning) getEnvironment(ctx context.Context, workspaceName, name string) (*Environment, error) {
	var e Environment
	var isDefault, locked int
	err := v.db.DB.QueryRowContext(ctx, `SELECT workspace, name, description, version_hash, is_default, locked
		FROM workspace_environments WHERE workspace = ? AND name = ?`, workspaceName, name).
		Scan(&e.Workspace, &e.Name, &e.Description, &e.VersionHash, &isDefault, &locked)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "environment not found")
	}
	if err != nil {
		return nil, err
	}
	e.IsDefault, e.Locked = isDefault == 1, locked == 1
	return &e, nil
}

// Pin is the per-(workspace,environment) resolver's final source of truth.
type Pin struct {
	Workspace   string            `json:"workspace"`
	Environment string            `json:"environment"`
	VersionHash string            `json:"version_hash"`
	SkillPins   map[string]string `json:"skill_pins"`
	Model       string            `json:"model"`
	Provider    string            `json:"provider"`
}

func (v *Versioning) GetPin(ctx context.Context, workspaceName, env string) (*Pin, error) {
	var p Pin
	var skillPins string
	err := v.db.DB.QueryRowContext(ctx, `SELECT workspace, environment, version_hash, skill_pins, model, provider
		FROM workspace_pins WHERE workspace = ? AND environment = ?`, workspaceName, env).
		Scan(&p.Workspace, &p.Environment, &p.VersionHash, &skillPins, &p.Model, &p.Provider)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "pin not found")
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(skillPins), &p.SkillPins)
	return &p, nil
}

func (v *Versioning) upsertPin(ctx context.Context, tx *sql.Tx, p Pin) error {
	skillPins, _ := json.Marshal(p.SkillPins)
	_, err := tx.ExecContext(ctx, `INSERT INTO workspace_pins (workspace, environment, version_hash, skill_pins, model, provider)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(workspace, environment) DO UPDATE SET version_hash=excluded.version_hash, skill_pins=excluded.skill_pins,
			model=excluded.model, provider=excluded.provider`,
		p.Workspace, p.Environment, p.VersionHash, string(skillPins), p.Model, p.Provider)
	return err
}

func (v *Versioning) SetPin(ctx context.Context, p Pin) error {
	tx, err := v.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := v.upsertPin(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

// promotionChain enforces dev -> staging -> prod; promoting from prod is
// refused.
var promotionChain = map[string]string{"dev": "staging", "staging": "prod"}

// Promote reads the source environment's snapshot hash, refuses if the
// source has no hash or the target is locked, and otherwise writes the
// target environment's hash and the target pin's hash in one transaction.
func (v *Versioning) Promote(ctx context.Context, tenantID, workspaceName, source, target string, auditLog *audit.Log) error {
	if expected, ok := promotionChain[source]; ok && expected != target {
		return errs.New(errs.Validation, fmt.Sprintf("standard promotion chain requires %s -> %s", source, expected))
	}
	if source == "prod" {
		return errs.New(errs.Validation, "promoting from prod is refused")
	}
	srcEnv, err := v.getEnvironment(ctx, workspaceName, source)
	if err != nil {
		return err
	}
	if srcEnv.VersionHash == "" {
		return errs.New(errs.Validation, "source environment has no snapshot hash")
	}
	tgtEnv, err := v.getEnvironment(ctx, workspaceName, target)
	if err != nil && errs.KindOf(err) != errs.NotFound {
		return err
	}
	if tgtEnv != nil && tgtEnv.Locked {
		return errs.New(errs.PermissionDenied, "target environment is locked")
	}

	tx, err := v.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO workspace_environments (workspace, name, version_hash) VALUES (?,?,?)
		ON CONFLICT(workspace, name) DO UPDATE SET version_hash = excluded.version_hash`, workspaceName, target, srcEnv.VersionHash)
	if err != nil {
		return err
	}
	if err := v.upsertPin(ctx, tx, Pin{Workspace: workspaceName, Environment: target, VersionHash: srcEnv.VersionHash}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return auditLog.Append(ctx, audit.Entry{TenantID: tenantID, Workspace: workspaceName, EventType: audit.WorkspaceChange,
		Payload: map[string]any{"action": "promote", "source": source, "target": target, "hash": srcEnv.VersionHash}})
}

// InitializeStandardEnvironments creates dev/staging/prod and locks prod.
func (v *Versioning) InitializeStandardEnvironments(ctx context.Context, workspaceName, defaultEnv string) error {
	if defaultEnv == "" {
		defaultEnv = "dev"
	}
	for _, name := range []string{"dev", "staging", "prod"} {
		if err := v.UpsertEnvironment(ctx, Environment{
			Workspace: workspaceName, Name: name, IsDefault: name == defaultEnv, Locked: name == "prod",
		}); err != nil {
			return err
		}
	}
	return nil
}

// ImpactReport is the structured output of impact analysis.
type ImpactReport struct {
	Added              []string `json:"added"`
	Modified           []string `json:"modified"`
	Deleted            []string `json:"deleted"`
	AffectedSkills     []string `json:"affected_skills"`
	PromptSizeDeltaPct float64  `json:"prompt_size_delta_pct"`
	RiskScore          int      `json:"risk_score"`
	RiskLevel          string   `json:"risk_level"`
	Recommendations    []string `json:"recommendations"`
}

// dependencyFiles are files whose change is treated as "dependency
// changed" for every registered skill.
var dependencyFiles = map[string]bool{"AGENTS.md": true, "SOUL.md": true, "IDENTITY.md": true, "MEMORY.md": true}

// AnalyzeImpact buckets a diff, identifies affected skills, estimates
// prompt-size delta, and scores risk per a bounded rubric.
func AnalyzeImpact(diffs []FileDiff, registeredSkills []string, draftSkillsAffected, permissionChanges int) ImpactReport {
	report := ImpactReport{}
	var oldTotal, newTotal int
	dependencyChanged := false
	for _, d := range diffs {
		oldTotal += d.OldSize
		newTotal += d.NewSize
		switch d.Status {
		case Added:
			report.Added = append(report.Added, d.Path)
		case Modified:
			report.Modified = append(report.Modified, d.Path)
		case Deleted:
			report.Deleted = append(report.Deleted, d.Path)
		}
		if strings.HasPrefix(d.Path, "skills/") && d.Status != Unchanged {
			name := skillNameFromPath(d.Path)
			if name != "" {
				report.AffectedSkills = append(report.AffectedSkills, name)
			}
		}
		if dependencyFiles[d.Path] && d.Status != Unchanged {
			dependencyChanged = true
		}
	}
	if dependencyChanged {
		report.AffectedSkills = append(report.AffectedSkills, registeredSkills...)
	}
	report.AffectedSkills = dedupe(report.AffectedSkills)

	if oldTotal > 0 {
		report.PromptSizeDeltaPct = float64(newTotal-oldTotal) / float64(oldTotal) * 100
	}

	score := len(report.AffectedSkills) + permissionChanges + len(report.Deleted) + draftSkillsAffected
	if report.PromptSizeDeltaPct > 20 || report.PromptSizeDeltaPct < -20 {
		score++
	}
	report.RiskScore = score
	switch {
	case score >= 5:
		report.RiskLevel = "high"
	case score >= 2:
		report.RiskLevel = "medium"
	default:
		report.RiskLevel = "low"
	}
	if report.RiskLevel == "high" {
		report.Recommendations = append(report.Recommendations, "review affected skills and re-run tests before promoting")
	}
	if len(report.Deleted) > 0 {
		report.Recommendations = append(report.Recommendations, "confirm deleted files are not referenced by any active skill")
	}
	return report
}

func skillNameFromPath(path string) string {
	rest := strings.TrimPrefix(path, "skills/")
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		idx = strings.IndexByte(rest, '.')
	}
	if idx < 0 {
		return rest
	}
	return rest[:idx]
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
