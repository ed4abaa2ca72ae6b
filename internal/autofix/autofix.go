// Package autofix applies rule replacements to a project's sources. Every
// file is backed up before it is first overwritten, so any edit can be
// rolled back individually or the whole run reverted.
package autofix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/joestump/upgrade-ops/internal/project"
	"github.com/joestump/upgrade-ops/internal/rules"
)

// Attempt is one file mutation awaiting rollback or confirmation.
type Attempt struct {
	File      string `json:"file"`
	RuleID    string `json:"ruleId"`
	BackupRef string `json:"backupRef"`
}

// Checker validates the project after a single mutation. A false result
// rolls the mutation back.
type Checker interface {
	Check(ctx context.Context, projectDir string) bool
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, projectDir string) bool

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context, projectDir string) bool { return f(ctx, projectDir) }

// dependency maps a family of legacy APIs to the package that replaces
// them.
type dependency struct {
	keywords []string
	pkg      string
	version  string
}

var dependencies = []dependency{
	{keywords: []string{"SqlConnection", "System.Data.SqlClient"}, pkg: "Microsoft.Data.SqlClient", version: "5.2.0"},
	{keywords: []string{"ConfigurationManager"}, pkg: "Microsoft.Extensions.Configuration", version: "9.0.0"},
}

func dependencyFor(pattern string) (dependency, bool) {
	for _, d := range dependencies {
		for _, k := range d.keywords {
			if strings.Contains(pattern, k) {
				return d, true
			}
		}
	}
	return dependency{}, false
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

// WithChecker enables an incremental check after each mutation.
func WithChecker(c Checker) Option {
	return func(e *Executor) { e.checker = c }
}

// Executor applies autofix rules and tracks their backups. An Executor
// serves one project and is not safe for concurrent use.
type Executor struct {
	backupDir string
	log       *zap.Logger
	checker   Checker

	seq      int
	attempts []Attempt
	// originals maps a file to the backup holding its pre-run content.
	originals map[string]string
}

// NewExecutor returns an Executor that keeps backups under backupDir,
// creating it if needed. backupDir must be outside the project tree.
func NewExecutor(backupDir string, opts ...Option) (*Executor, error) {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	e := &Executor{
		backupDir: backupDir,
		log:       zap.NewNop(),
		originals: make(map[string]string),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Apply runs every Autofix rule, in order, over the *.cs files under
// projectDir and returns the IDs of rules that changed at least one file.
// Per-file failures are logged and the file skipped.
func (e *Executor) Apply(ctx context.Context, projectDir string, rs []rules.Rule) []string {
	files, err := project.SourceFiles(projectDir)
	if err != nil {
		e.log.Warn("list sources failed", zap.String("dir", projectDir), zap.Error(err))
		return nil
	}

	var applied []string
	seen := make(map[string]bool)
	for _, r := range rs {
		if !r.Autofix || r.Pattern == "" || r.Pattern == r.Recommendation {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		mutated := 0
		for _, f := range files {
			if e.applyToFile(ctx, projectDir, f, r) {
				mutated++
			}
		}
		if mutated == 0 {
			continue
		}
		e.log.Info("autofix applied",
			zap.String("rule_id", r.ID),
			zap.String("pattern", r.Pattern),
			zap.Int("files", mutated),
		)
		if !seen[r.ID] {
			seen[r.ID] = true
			applied = append(applied, r.ID)
		}
		if dep, ok := dependencyFor(r.Pattern); ok {
			e.ensureDependency(projectDir, dep)
		}
	}
	return applied
}

func (e *Executor) applyToFile(ctx context.Context, projectDir, file string, r rules.Rule) bool {
	data, err := os.ReadFile(file)
	if err != nil {
		e.log.Warn("read source failed", zap.String("file", file), zap.Error(err))
		return false
	}
	text := string(data)
	if !strings.Contains(text, r.Pattern) {
		return false
	}

	backup, err := e.backup(projectDir, file)
	if err != nil {
		e.log.Warn("backup failed, file skipped", zap.String("file", file), zap.Error(err))
		return false
	}
	attempt := Attempt{File: file, RuleID: r.ID, BackupRef: backup}

	if err := writeKeepingMode(file, []byte(strings.ReplaceAll(text, r.Pattern, r.Recommendation))); err != nil {
		e.log.Warn("write source failed, file skipped", zap.String("file", file), zap.Error(err))
		_ = e.restore(attempt)
		return false
	}
	e.attempts = append(e.attempts, attempt)

	if e.checker != nil && !e.checker.Check(ctx, projectDir) {
		e.log.Info("incremental check failed, rolling back",
			zap.String("file", file),
			zap.String("rule_id", r.ID),
		)
		if err := e.Rollback(attempt); err != nil {
			e.log.Warn("rollback failed", zap.String("file", file), zap.Error(err))
		}
		return false
	}
	return true
}

func (e *Executor) ensureDependency(projectDir string, dep dependency) {
	manifest, err := project.FindManifest(projectDir)
	if err != nil {
		e.log.Warn("no manifest for dependency", zap.String("package", dep.pkg), zap.Error(err))
		return
	}
	if _, err := e.snapshot(projectDir, manifest); err != nil {
		e.log.Warn("manifest backup failed, dependency skipped", zap.String("package", dep.pkg), zap.Error(err))
		return
	}
	changed, err := project.EnsurePackage(manifest, dep.pkg, dep.version)
	if err != nil {
		e.log.Warn("ensure package failed", zap.String("package", dep.pkg), zap.Error(err))
		return
	}
	if changed {
		e.log.Info("package ensured", zap.String("package", dep.pkg), zap.String("version", dep.version))
	}
}

// Snapshot records file's current content as its pre-run original unless
// one is already held. Callers that edit files outside Apply use it so
// RevertAll covers their edits too.
func (e *Executor) Snapshot(projectDir, file string) error {
	_, err := e.snapshot(projectDir, file)
	return err
}

func (e *Executor) snapshot(projectDir, file string) (string, error) {
	if ref, ok := e.originals[file]; ok {
		return ref, nil
	}
	return e.backup(projectDir, file)
}

// backup copies file into the backup directory. The first backup of a
// file is remembered as its original.
func (e *Executor) backup(projectDir, file string) (string, error) {
	rel, err := filepath.Rel(projectDir, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(file)
	}
	e.seq++
	name := fmt.Sprintf("%04d-%s.bak", e.seq, strings.ReplaceAll(filepath.ToSlash(rel), "/", "_"))
	ref := filepath.Join(e.backupDir, name)
	if err := project.CopyFile(file, ref); err != nil {
		return "", err
	}
	if _, ok := e.originals[file]; !ok {
		e.originals[file] = ref
	}
	return ref, nil
}

// Attempts returns the unresolved mutations in the order they were made.
func (e *Executor) Attempts() []Attempt {
	return append([]Attempt(nil), e.attempts...)
}

// Rollback restores the file of a from its backup and resolves a.
func (e *Executor) Rollback(a Attempt) error {
	if err := e.restore(a); err != nil {
		return err
	}
	for i := range e.attempts {
		if e.attempts[i] == a {
			e.attempts = append(e.attempts[:i], e.attempts[i+1:]...)
			break
		}
	}
	if e.originals[a.File] != a.BackupRef {
		_ = os.Remove(a.BackupRef)
	}
	return nil
}

func (e *Executor) restore(a Attempt) error {
	if err := project.CopyFile(a.BackupRef, a.File); err != nil {
		return fmt.Errorf("restore %s: %w", a.File, err)
	}
	return nil
}

// RevertAll restores every file touched during the run to its pre-run
// content and resolves all attempts.
func (e *Executor) RevertAll() error {
	var errs []error
	for file, ref := range e.originals {
		if err := project.CopyFile(ref, file); err != nil {
			errs = append(errs, fmt.Errorf("revert %s: %w", file, err))
		}
	}
	e.attempts = nil
	e.clearBackups()
	return errors.Join(errs...)
}

// Confirm accepts every pending mutation and discards the backups.
func (e *Executor) Confirm() {
	e.attempts = nil
	e.clearBackups()
}

func (e *Executor) clearBackups() {
	entries, err := os.ReadDir(e.backupDir)
	if err == nil {
		for _, ent := range entries {
			_ = os.Remove(filepath.Join(e.backupDir, ent.Name()))
		}
	}
	e.originals = make(map[string]string)
}

func writeKeepingMode(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	return os.WriteFile(path, data, mode)
}
