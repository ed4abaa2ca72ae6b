package project

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// Discover returns the absolute paths of every manifest under root, in
// lexical order, skipping build output. root may itself be a manifest.
func Discover(root string) ([]string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(abs), ".csproj") {
		return []string{abs}, nil
	}
	var out []string
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != abs && SkipDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".csproj") {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoManifest
	}
	sort.Strings(out)
	return out, nil
}

// Order sorts manifests so that every project comes after the projects it
// references. refs maps a manifest path to the manifest paths it
// references; edges to paths outside the set are ignored. Projects caught
// in a reference cycle cannot be ordered: they are returned separately, in
// path order, and also appended to ordered.
func Order(paths []string, refs map[string][]string) (ordered, cyclic []string) {
	in := make(map[string]bool, len(paths))
	for _, p := range paths {
		in[p] = true
	}
	indegree := make(map[string]int, len(paths))
	dependents := make(map[string][]string)
	for _, p := range paths {
		seen := map[string]bool{}
		for _, dep := range refs[p] {
			if !in[dep] || seen[dep] {
				continue
			}
			seen[dep] = true
			indegree[p]++
			dependents[dep] = append(dependents[dep], p)
		}
	}

	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	var queue []string
	for _, p := range sorted {
		if indegree[p] == 0 {
			queue = append(queue, p)
		}
	}
	done := make(map[string]bool, len(paths))
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		ordered = append(ordered, p)
		done[p] = true
		next := dependents[p]
		sort.Strings(next)
		for _, d := range next {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	for _, p := range sorted {
		if !done[p] {
			cyclic = append(cyclic, p)
		}
	}
	ordered = append(ordered, cyclic...)
	return ordered, cyclic
}
