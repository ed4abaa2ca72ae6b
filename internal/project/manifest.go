// Package project models a .NET project on disk: its manifest (.csproj),
// its detected application type, its place in the project reference graph
// and the disposable workspace a run mutates.
package project

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrNoManifest is returned when a directory holds no project manifest.
var ErrNoManifest = errors.New("no project manifest found")

// PackageRef is one <PackageReference> entry.
type PackageRef struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Manifest is the subset of a .csproj the pipeline reads.
type Manifest struct {
	Path            string       `json:"path"`
	Name            string       `json:"name"`
	Sdk             string       `json:"sdk,omitempty"`
	TargetFramework string       `json:"targetFramework,omitempty"`
	Packages        []PackageRef `json:"packages"`
	// ProjectRefs holds cleaned absolute paths of referenced manifests.
	ProjectRefs []string `json:"projectReferences,omitempty"`
}

// PackageNames returns the names of all package references.
func (m *Manifest) PackageNames() []string {
	out := make([]string, 0, len(m.Packages))
	for _, p := range m.Packages {
		out = append(out, p.Name)
	}
	return out
}

type xmlProject struct {
	Sdk            string `xml:"Sdk,attr"`
	PropertyGroups []struct {
		TargetFramework        string `xml:"TargetFramework"`
		TargetFrameworks       string `xml:"TargetFrameworks"`
		TargetFrameworkVersion string `xml:"TargetFrameworkVersion"`
	} `xml:"PropertyGroup"`
	ItemGroups []struct {
		Packages []struct {
			Include     string `xml:"Include,attr"`
			Version     string `xml:"Version,attr"`
			VersionElem string `xml:"Version"`
		} `xml:"PackageReference"`
		Projects []struct {
			Include string `xml:"Include,attr"`
		} `xml:"ProjectReference"`
	} `xml:"ItemGroup"`
}

// ParseManifest reads and parses the manifest at path.
func ParseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var x xmlProject
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	m := &Manifest{
		Path:     abs,
		Name:     strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Sdk:      x.Sdk,
		Packages: []PackageRef{},
	}
	for _, pg := range x.PropertyGroups {
		switch {
		case m.TargetFramework != "":
		case pg.TargetFramework != "":
			m.TargetFramework = strings.TrimSpace(pg.TargetFramework)
		case pg.TargetFrameworks != "":
			m.TargetFramework = strings.TrimSpace(strings.Split(pg.TargetFrameworks, ";")[0])
		case pg.TargetFrameworkVersion != "":
			m.TargetFramework = strings.TrimSpace(pg.TargetFrameworkVersion)
		}
	}
	dir := filepath.Dir(abs)
	for _, ig := range x.ItemGroups {
		for _, p := range ig.Packages {
			if p.Include == "" {
				continue
			}
			v := p.Version
			if v == "" {
				v = strings.TrimSpace(p.VersionElem)
			}
			m.Packages = append(m.Packages, PackageRef{Name: p.Include, Version: v})
		}
		for _, p := range ig.Projects {
			if p.Include == "" {
				continue
			}
			rel := strings.ReplaceAll(p.Include, `\`, "/")
			m.ProjectRefs = append(m.ProjectRefs, filepath.Clean(filepath.Join(dir, filepath.FromSlash(rel))))
		}
	}
	return m, nil
}

// FindManifest returns the first *.csproj directly inside dir.
func FindManifest(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csproj"))
	if err != nil {
		return "", fmt.Errorf("glob manifests: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%s: %w", dir, ErrNoManifest)
	}
	return matches[0], nil
}

func packageRefRe(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)<PackageReference\s[^>]*Include\s*=\s*"` + regexp.QuoteMeta(name) + `"`)
}

// EnsurePackage declares package name at version in the manifest at path
// unless a reference with that name already exists. The file is left
// byte-identical when the package is present; changed reports whether a
// write happened.
func EnsurePackage(path, name, version string) (changed bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read manifest: %w", err)
	}
	text := string(data)
	if packageRefRe(name).MatchString(text) {
		return false, nil
	}

	line := fmt.Sprintf(`  <PackageReference Include="%s" Version="%s" />`, name, version)
	var out string
	if i := strings.Index(text, "</ItemGroup>"); i >= 0 {
		out = text[:i] + line + "\n  " + text[i:]
	} else if i := strings.LastIndex(text, "</Project>"); i >= 0 {
		out = text[:i] + "  <ItemGroup>\n  " + line + "\n  </ItemGroup>\n" + text[i:]
	} else {
		return false, fmt.Errorf("manifest %s has no </Project> element", path)
	}

	if err := writeKeepingMode(path, []byte(out)); err != nil {
		return false, err
	}
	return true, nil
}

var (
	tfmRe  = regexp.MustCompile(`<TargetFramework>[^<]*</TargetFramework>`)
	tfmsRe = regexp.MustCompile(`<TargetFrameworks>[^<]*</TargetFrameworks>`)
)

// Retarget rewrites the manifest's target framework element(s) to tfm.
// It reports whether the file changed.
func Retarget(path, tfm string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read manifest: %w", err)
	}
	text := tfmRe.ReplaceAllString(string(data), "<TargetFramework>"+tfm+"</TargetFramework>")
	text = tfmsRe.ReplaceAllString(text, "<TargetFramework>"+tfm+"</TargetFramework>")
	if text == string(data) {
		return false, nil
	}
	if err := writeKeepingMode(path, []byte(text)); err != nil {
		return false, err
	}
	return true, nil
}

func writeKeepingMode(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
