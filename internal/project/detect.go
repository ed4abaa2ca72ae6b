package project

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Project types reported by DetectType.
const (
	TypeWebAPI     = "aspnet-webapi"
	TypeBlazor     = "blazor"
	TypeMVC        = "mvc"
	TypeWorker     = "worker-service"
	TypeMinimalAPI = "minimal-api"
	TypeConsoleLib = "console-or-library"
	TypeUnknown    = "unknown"
)

// DetectType classifies the project by its SDK and a light look at the
// sources next to the manifest.
func DetectType(m *Manifest) string {
	dir := filepath.Dir(m.Path)
	switch {
	case strings.HasPrefix(m.Sdk, "Microsoft.NET.Sdk.Web"):
		if anyFile(dir, func(name string) bool { return strings.Contains(name, "Blazor") }) {
			return TypeBlazor
		}
		return TypeWebAPI
	case strings.HasPrefix(m.Sdk, "Microsoft.NET.Sdk.Razor"):
		return TypeMVC
	case strings.HasPrefix(m.Sdk, "Microsoft.NET.Sdk.Worker"):
		return TypeWorker
	case strings.HasPrefix(m.Sdk, "Microsoft.NET.Sdk"):
		if program := findFile(dir, "Program.cs"); program != "" {
			if data, err := os.ReadFile(program); err == nil && strings.Contains(string(data), "WebApplication") {
				return TypeMinimalAPI
			}
		}
		return TypeConsoleLib
	}
	return TypeUnknown
}

// IsNonWebType reports whether typ never hosts HTTP request handling.
func IsNonWebType(typ string) bool {
	return typ == TypeWorker || typ == TypeConsoleLib
}

func anyFile(dir string, match func(name string) bool) bool {
	found := false
	_ = walkSources(dir, func(path string, d fs.DirEntry) error {
		if match(d.Name()) {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found
}

func findFile(dir, name string) string {
	var hit string
	_ = walkSources(dir, func(path string, d fs.DirEntry) error {
		if !d.IsDir() && d.Name() == name {
			hit = path
			return fs.SkipAll
		}
		return nil
	})
	return hit
}

// skipDirs are build output and VCS directories never treated as source.
var skipDirs = map[string]bool{"bin": true, "obj": true, ".git": true, ".vs": true}

// SkipDir reports whether a directory name is excluded from source walks.
func SkipDir(name string) bool { return skipDirs[name] }

// walkSources walks dir, skipping build output, calling fn for every entry
// except the root.
func walkSources(dir string, fn func(path string, d fs.DirEntry) error) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == dir {
			return nil
		}
		if d.IsDir() && SkipDir(d.Name()) {
			return fs.SkipDir
		}
		return fn(path, d)
	})
}

// SourceFiles returns every *.cs file under dir, skipping build output, in
// lexical order.
func SourceFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && SkipDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".cs") {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}
