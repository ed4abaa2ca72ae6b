package project

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Workspace is a disposable copy of a source tree in which one project is
// retargeted, patched and built. The original tree is never written.
type Workspace struct {
	// Root is the temporary directory owning the copy.
	Root string
	// Dir is the project directory inside the copy.
	Dir string
	// Manifest is the project manifest inside the copy.
	Manifest string
}

// NewWorkspace copies srcRoot (build output excluded) into a fresh
// temporary directory and locates manifest inside the copy. manifest must
// live under srcRoot so that relative project references keep resolving.
// The caller must Close the workspace.
func NewWorkspace(srcRoot, manifest string) (*Workspace, error) {
	srcRoot, err := filepath.Abs(srcRoot)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(srcRoot); err == nil && !info.IsDir() {
		srcRoot = filepath.Dir(srcRoot)
	}
	manifest, err = filepath.Abs(manifest)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(srcRoot, manifest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("manifest %s is outside %s", manifest, srcRoot)
	}

	tmp, err := os.MkdirTemp("", "upgradeops-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	w := &Workspace{Root: tmp}
	copyRoot := filepath.Join(tmp, "src")
	if err := CopyTree(srcRoot, copyRoot); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("copy sources: %w", err)
	}
	w.Manifest = filepath.Join(copyRoot, rel)
	w.Dir = filepath.Dir(w.Manifest)
	return w, nil
}

// Close removes the workspace and everything in it.
func (w *Workspace) Close() error {
	if w == nil || w.Root == "" {
		return nil
	}
	return os.RemoveAll(w.Root)
}

// CopyTree copies the regular files under src into dst, skipping build
// output directories and preserving file permissions.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if path != src && SkipDir(d.Name()) {
				return fs.SkipDir
			}
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return CopyFile(path, target)
	})
}

// CopyFile copies src to dst, preserving the source file's permissions.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}
