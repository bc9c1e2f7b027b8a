// Package workspace owns the on-disk workspace tree: reading and caching
// bootstrap files, composing system prompts, and the versioning/
// environment/pin/impact machinery layered on top of the store. The file-
// reading and persona-composition logic is adapted from the teacher's
// internal/workspace/loader.go (per-instance cache, truncation marker,
// full vs minimal prompt modes).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config configures a Loader instance.
type Config struct {
	Path          string
	TruncateChars int
	DefaultTZ     string
	TimeEnabled   bool
}

// Loader reads workspace files, caching each file's content for the
// lifetime of the instance. Caches are invalidated by Invalidate (called on
// workspace rollback/snapshot) or automatically via an fsnotify watch when
// Watch is started — the teacher's loader never watched for external
// edits; fsnotify is a pack dependency the spec's "invalidated on
// rollback" requirement gives a natural home to.
type Loader struct {
	cfg  Config
	mu   sync.RWMutex
	cache map[string]fileEntry
	watcher *fsnotify.Watcher
}

type fileEntry struct {
	content   string
	truncated bool
}

func NewLoader(cfg Config) *Loader {
	if cfg.TruncateChars <= 0 {
		cfg.TruncateChars = 20000
	}
	return &Loader{cfg: cfg, cache: map[string]fileEntry{}}
}

// Invalidate clears the per-instance cache; callers must invoke this after
// a workspace rollback or snapshot write.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = map[string]fileEntry{}
}

// Watch starts an fsnotify watch on the workspace root and invalidates the
// cache on any write/remove/rename event. Best-effort: watch failures are
// non-fatal, matching the spec's "the runtime never self-modifies" posture
// (external edits are someone else's action, not a failure of this
// runtime).
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start workspace watcher: %w", err)
	}
	if err := w.Add(l.cfg.Path); err != nil {
		w.Close()
		return fmt.Errorf("watch workspace path: %w", err)
	}
	l.watcher = w
	go func() {
		for range w.Events {
			l.Invalidate()
		}
	}()
	return nil
}

func (l *Loader) Close() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// ReadFile reads once per loader instance, truncating at the configured
// limit with a visible marker. Returns ("", false, nil) for a missing file
// (null, not an error).
func (l *Loader) ReadFile(relPath string) (content string, truncated bool, err error) {
	l.mu.RLock()
	if e, ok := l.cache[relPath]; ok {
		l.mu.RUnlock()
		return e.content, e.truncated, nil
	}
	l.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(l.cfg.Path, relPath))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read workspace file %s: %w", relPath, err)
	}
	content = string(data)
	if len(content) > l.cfg.TruncateChars {
		content = content[:l.cfg.TruncateChars] + "\n\n[... truncated ...]"
		truncated = true
	}
	l.mu.Lock()
	l.cache[relPath] = fileEntry{content: content, truncated: truncated}
	l.mu.Unlock()
	return content, truncated, nil
}

// LoadPersona tries souls/<role> then AGENTS.md-adjacent default SOUL.md.
func (l *Loader) LoadPersona(role string) (string, error) {
	if role != "" {
		content, _, err := l.ReadFile(filepath.Join("souls", role+".md"))
		if err != nil {
			return "", err
		}
		if content != "" {
			return content, nil
		}
	}
	content, _, err := l.ReadFile("SOUL.md")
	return content, err
}

// PromptMode selects the full or minimal composition.
type PromptMode string

const (
	Full    PromptMode = "full"
	Minimal PromptMode = "minimal"
)

// TimeContext renders date/time/timezone with request override taking
// priority over the configured default, which takes priority over the
// system zone.
func (l *Loader) TimeContext(override string) string {
	if !l.cfg.TimeEnabled {
		return ""
	}
	tzName := override
	if tzName == "" {
		tzName = l.cfg.DefaultTZ
	}
	loc := time.Local
	if tzName != "" {
		if parsed, err := time.LoadLocation(tzName); err == nil {
			loc = parsed
		}
	}
	now := time.Now().In(loc)
	return fmt.Sprintf("Current date: %s\nCurrent time: %s\nTimezone: %s",
		now.Format("2006-01-02"), now.Format("3:04 PM"), loc.String())
}

// MemoryContext concatenates the curated long-term file, yesterday's dated
// file, and today's dated file, each labeled, skipping any that are absent.
func (l *Loader) MemoryContext() (string, error) {
	var parts []string
	longTerm, _, err := l.ReadFile("MEMORY.md")
	if err != nil {
		return "", err
	}
	if longTerm != "" {
		parts = append(parts, "## Long-term memory\n"+longTerm)
	}
	now := time.Now()
	for _, d := range []struct {
		label string
		day   time.Time
	}{{"Yesterday", now.AddDate(0, 0, -1)}, {"Today", now}} {
		content, _, err := l.ReadFile(filepath.Join("memory", d.day.Format("2006-01-02")+".md"))
		if err != nil {
			return "", err
		}
		if content != "" {
			parts = append(parts, fmt.Sprintf("## %s (%s)\n%s", d.label, d.day.Format("2006-01-02"), content))
		}
	}
	return joinNonEmpty(parts), nil
}

// SystemPrompt composes the prompt in full or minimal mode.
func (l *Loader) SystemPrompt(mode PromptMode, role string, skillInstructions string, timezoneOverride string) (string, error) {
	rules, _, err := l.ReadFile("AGENTS.md")
	if err != nil {
		return "", err
	}
	if mode == Minimal {
		tools, _, err := l.ReadFile("TOOLS.md")
		if err != nil {
			return "", err
		}
		return joinNonEmpty([]string{rules, tools}), nil
	}

	persona, err := l.LoadPersona(role)
	if err != nil {
		return "", err
	}
	memory, err := l.MemoryContext()
	if err != nil {
		return "", err
	}
	parts := []string{persona, rules, skillInstructions, memory}
	if tc := l.TimeContext(timezoneOverride); tc != "" {
		parts = append(parts, tc)
	}
	return joinNonEmpty(parts), nil
}

func joinNonEmpty(parts []string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += p
	}
	return out
}
