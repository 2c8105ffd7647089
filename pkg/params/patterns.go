// Package params materializes request parameters from every source into an
// ordered bundle of (source pattern, data model) groups. SQL text references
// parameters through stable marker namespaces; the bundle decides what value
// each marker binds to.
package params

import (
	"fmt"
	"regexp"

	"github.com/declarest/declarest/pkg/config"
)

// Source identifies the namespace a parameter group belongs to.
type Source int

// Sources, in the order their markers are documented.
const (
	SourceJSON Source = iota
	SourceHeader
	SourceQueryString
	SourceRoute
	SourceForm
	SourceAuth
	SourceSettings

	// SourceChain carries the materialized output of an earlier chain query.
	// It has no request-side pattern of its own; chain groups are appended
	// with the generic pattern at execution time.
	SourceChain
)

// String returns the namespace name of the source.
func (s Source) String() string {
	switch s {
	case SourceJSON:
		return "json"
	case SourceHeader:
		return "header"
	case SourceQueryString:
		return "query_string"
	case SourceRoute:
		return "route"
	case SourceForm:
		return "form"
	case SourceAuth:
		return "auth"
	case SourceSettings:
		return "settings"
	case SourceChain:
		return "chain"
	default:
		return "unknown"
	}
}

// Built-in source patterns. The generic `{{…}}` opener is shared by the
// request-derived namespaces; `{auth{…}}` and `{s{…}}` bind only to their
// own groups.
var defaultPatterns = map[Source]string{
	SourceJSON:        `(?P<open>\{\{|\{j\{)(?P<param>.*?)(?P<close>\}\})`,
	SourceHeader:      `(?P<open>\{\{|\{h\{)(?P<param>.*?)(?P<close>\}\})`,
	SourceQueryString: `(?P<open>\{\{|\{qs\{)(?P<param>.*?)(?P<close>\}\})`,
	SourceRoute:       `(?P<open>\{\{|\{r\{)(?P<param>.*?)(?P<close>\}\})`,
	SourceForm:        `(?P<open>\{\{|\{f\{)(?P<param>.*?)(?P<close>\}\})`,
	SourceAuth:        `(?P<open>\{auth\{)(?P<param>.*?)(?P<close>\}\})`,
	SourceSettings:    `(?P<open>\{s\{|\{settings\{)(?P<param>.*?)(?P<close>\}\})`,
}

// PatternSet holds the compiled pattern for every source after override
// resolution.
type PatternSet struct {
	patterns map[Source]*regexp.Regexp
}

// Pattern returns the compiled pattern for a source.
func (ps *PatternSet) Pattern(s Source) *regexp.Regexp {
	return ps.patterns[s]
}

// ResolvePatterns compiles the pattern for each source, consulting the
// per-section override, then the global override, then the built-in default.
func ResolvePatterns(section *config.RegexOverrides, global config.RegexOverrides) (*PatternSet, error) {
	pick := func(s Source) string {
		var sectionVal, globalVal string
		if section != nil {
			sectionVal = overrideFor(section, s)
		}
		globalVal = overrideFor(&global, s)

		if sectionVal != "" {
			return sectionVal
		}
		if globalVal != "" {
			return globalVal
		}
		return defaultPatterns[s]
	}

	ps := &PatternSet{patterns: make(map[Source]*regexp.Regexp, len(defaultPatterns))}
	for s := range defaultPatterns {
		expr := pick(s)
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", s, expr, err)
		}
		ps.patterns[s] = re
	}
	return ps, nil
}

func overrideFor(o *config.RegexOverrides, s Source) string {
	switch s {
	case SourceJSON:
		return o.JSON
	case SourceHeader:
		return o.Header
	case SourceQueryString:
		return o.QueryString
	case SourceRoute:
		return o.Route
	case SourceForm:
		return o.Form
	case SourceAuth:
		return o.Auth
	case SourceSettings:
		return o.Settings
	default:
		return ""
	}
}
