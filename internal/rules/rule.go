// Package rules builds the migration rules a run applies: curated static
// rules from a file, learned rules recalled from memory and rules proposed
// by the generative oracle, merged and filtered for safe auto-application.
package rules

import "strings"

// Provenance records where a rule came from.
type Provenance string

const (
	Static    Provenance = "static"
	Learned   Provenance = "learned"
	Generated Provenance = "generated"
)

// PackageRulePrefix marks structured package rules, the only rules safe
// mode re-applies.
const PackageRulePrefix = "PKG-"

// Rule is a textual remedy: every occurrence of Pattern is replaced by
// Recommendation when Autofix is set. Rules are values and are not
// modified after construction.
type Rule struct {
	ID             string     `json:"id"`
	Pattern        string     `json:"pattern"`
	Issue          string     `json:"issue"`
	Recommendation string     `json:"recommendation"`
	Confidence     float64    `json:"confidence"`
	Autofix        bool       `json:"autofix"`
	Provenance     Provenance `json:"provenance"`
}

// IsPackageRule reports whether r is a structured package rule.
func (r Rule) IsPackageRule() bool {
	return strings.HasPrefix(r.ID, PackageRulePrefix)
}

// safeAutofixKeywords name library families whose textual replacements are
// known to be mechanical enough to apply unattended.
var safeAutofixKeywords = []string{
	"Newtonsoft.Json",
	"Swashbuckle",
	"SqlConnection",
	"ConfigurationManager",
	"HttpContext",
	"System.Data.SqlClient",
}

// webOnlyFamilies only make sense inside a web host.
var webOnlyFamilies = []string{"HttpContext", "Swashbuckle", "System.Web"}

func containsFold(s string, keywords []string) bool {
	ls := strings.ToLower(s)
	for _, k := range keywords {
		if strings.Contains(ls, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// IsSafeAutofixPattern reports whether pattern names a known-safe family.
func IsSafeAutofixPattern(pattern string) bool {
	return containsFold(pattern, safeAutofixKeywords)
}

// IsWebOnlyPattern reports whether pattern belongs to a web-only family.
func IsWebOnlyPattern(pattern string) bool {
	return containsFold(pattern, webOnlyFamilies)
}
