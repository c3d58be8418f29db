package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// VersionFile is the single-line schema version tag inside the data dir.
const VersionFile = ".version"

// Migration is one reversible schema step. Up and Down transform the JSON
// files inside the data directory in place (using WriteFileAtomic).
type Migration struct {
	Version int
	Name    string
	Up      func(dir string) error
	Down    func(dir string) error
}

// Migrator applies a linear migration sequence against a data directory.
// Before every step the *.json files are snapshotted to backups/<timestamp>/.
type Migrator struct {
	dir   string
	log   *slog.Logger
	steps []Migration
	now   func() time.Time
}

// MigratorOption configures a Migrator.
type MigratorOption func(*Migrator)

// WithMigratorLogger sets the logger.
func WithMigratorLogger(log *slog.Logger) MigratorOption {
	return func(g *Migrator) {
		if log != nil {
			g.log = log
		}
	}
}

// NewMigrator builds a Migrator over the given steps, sorted by version.
func NewMigrator(dir string, steps []Migration, opts ...MigratorOption) *Migrator {
	sorted := append([]Migration(nil), steps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	g := &Migrator{dir: dir, log: slog.Default(), steps: sorted, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Current reads the schema version; a missing version file means 0.
func (g *Migrator) Current() (int, error) {
	raw, err := os.ReadFile(filepath.Join(g.dir, VersionFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("migrate: read version: %w", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("migrate: parse version %q: %w", strings.TrimSpace(string(raw)), err)
	}
	return v, nil
}

// Latest returns the highest known migration version.
func (g *Migrator) Latest() int {
	if len(g.steps) == 0 {
		return 0
	}
	return g.steps[len(g.steps)-1].Version
}

// Apply runs every pending Up step, newest last.
func (g *Migrator) Apply() error {
	return g.ApplyTo(g.Latest())
}

// ApplyTo runs Up steps until the schema reaches target.
func (g *Migrator) ApplyTo(target int) error {
	cur, err := g.Current()
	if err != nil {
		return err
	}
	if target < cur {
		return fmt.Errorf("migrate: target v%d below current v%d, use Rollback", target, cur)
	}

	for _, step := range g.steps {
		if step.Version <= cur || step.Version > target {
			continue
		}
		if err := g.runStep(step, true); err != nil {
			return err
		}
	}
	return nil
}

// Rollback applies Down steps in reverse until the schema reaches target.
// Rolling "back" to a version above the current one is rejected.
func (g *Migrator) Rollback(target int) error {
	cur, err := g.Current()
	if err != nil {
		return err
	}
	if target > cur {
		return fmt.Errorf("migrate: cannot roll back to future version v%d (current v%d)", target, cur)
	}
	if target < 0 {
		return fmt.Errorf("migrate: negative target version v%d", target)
	}

	for i := len(g.steps) - 1; i >= 0; i-- {
		step := g.steps[i]
		if step.Version > cur || step.Version <= target {
			continue
		}
		if err := g.runStep(step, false); err != nil {
			return err
		}
	}
	return nil
}

func (g *Migrator) runStep(step Migration, up bool) error {
	dir, err := g.backup(step.Version)
	if err != nil {
		return err
	}

	direction := "up"
	nextVersion := step.Version
	fn := step.Up
	if !up {
		direction = "down"
		nextVersion = step.Version - 1
		fn = step.Down
	}

	if fn != nil {
		if err := fn(g.dir); err != nil {
			return fmt.Errorf("migrate: v%d (%s) %s: %w", step.Version, step.Name, direction, err)
		}
	}
	if err := g.writeVersion(nextVersion); err != nil {
		return err
	}

	g.log.Info("migration_applied",
		slog.Int("version", step.Version),
		slog.String("name", step.Name),
		slog.String("direction", direction),
		slog.String("backup", dir),
	)
	return nil
}

// backup snapshots every top-level *.json file to backups/<timestamp>-v<n>/.
func (g *Migrator) backup(version int) (string, error) {
	stamp := g.now().UTC().Format("20060102T150405")
	dst := filepath.Join(g.dir, "backups", fmt.Sprintf("%s-v%d", stamp, version))
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", fmt.Errorf("migrate: create backup dir: %w", err)
	}

	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return "", fmt.Errorf("migrate: read data dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(g.dir, e.Name()))
		if err != nil {
			return "", fmt.Errorf("migrate: backup %s: %w", e.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dst, e.Name()), raw, 0o600); err != nil {
			return "", fmt.Errorf("migrate: backup %s: %w", e.Name(), err)
		}
	}
	return dst, nil
}

func (g *Migrator) writeVersion(v int) error {
	path := filepath.Join(g.dir, VersionFile)
	if err := WriteFileAtomic(path, []byte(strconv.Itoa(v)+"\n")); err != nil {
		return fmt.Errorf("migrate: write version: %w", err)
	}
	return nil
}
