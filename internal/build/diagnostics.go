package build

import (
	"regexp"
	"strconv"
	"strings"
)

// Diagnostic is one compiler error reported in a build log.
type Diagnostic struct {
	File    string
	Line    int
	Col     int
	Code    string
	Message string
}

// HasLocation reports whether the diagnostic names a source position.
func (d Diagnostic) HasLocation() bool {
	return d.File != "" && d.Line > 0
}

func (d Diagnostic) String() string {
	if d.HasLocation() {
		return d.File + "(" + strconv.Itoa(d.Line) + "," + strconv.Itoa(d.Col) + "): error " + d.Code + ": " + d.Message
	}
	return "error " + d.Code + ": " + d.Message
}

var (
	locatedErrRe = regexp.MustCompile(`^\s*(.+?)\((\d+),(\d+)\):\s*error\s+([A-Z]{2,}\d{3,5}):\s*(.*)$`)
	bareErrRe    = regexp.MustCompile(`error\s+([A-Z]{2,}\d{3,5}):\s*(.*)$`)
	projSuffixRe = regexp.MustCompile(`\s*\[[^\[\]]+\]\s*$`)
)

// ParseDiagnostics extracts compiler errors from a build log, in order of
// first appearance, dropping duplicates (dotnet repeats every error in its
// closing summary).
func ParseDiagnostics(log string) []Diagnostic {
	var out []Diagnostic
	seen := make(map[Diagnostic]bool)
	for _, line := range strings.Split(log, "\n") {
		line = strings.TrimRight(line, "\r")
		var d Diagnostic
		if m := locatedErrRe.FindStringSubmatch(line); m != nil {
			d.File = strings.TrimSpace(m[1])
			d.Line, _ = strconv.Atoi(m[2])
			d.Col, _ = strconv.Atoi(m[3])
			d.Code = m[4]
			d.Message = m[5]
		} else if m := bareErrRe.FindStringSubmatch(line); m != nil {
			d.Code = m[1]
			d.Message = m[2]
		} else {
			continue
		}
		d.Message = strings.TrimSpace(projSuffixRe.ReplaceAllString(d.Message, ""))
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// ExtractErrorCodes returns the distinct error codes in log, in order of
// first appearance.
func ExtractErrorCodes(log string) []string {
	var codes []string
	seen := make(map[string]bool)
	for _, d := range ParseDiagnostics(log) {
		if !seen[d.Code] {
			seen[d.Code] = true
			codes = append(codes, d.Code)
		}
	}
	return codes
}

// LogIndicatesSuccess scans a build log for the toolchain's success banner.
// It is only consulted when no exit status is available.
func LogIndicatesSuccess(log string) bool {
	if len(ParseDiagnostics(log)) > 0 {
		return false
	}
	return strings.Contains(log, "Build succeeded") || strings.Contains(log, "0 Error(s)")
}
