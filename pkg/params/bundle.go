package params

import (
	"regexp"
	"sort"
	"strings"
)

// Group is one (source pattern, data model) pair of the bundle. A nil model
// still contributes the pattern so that unresolved markers of its namespace
// lower to SQL null instead of surviving as literal text.
type Group struct {
	Source  Source
	Pattern *regexp.Regexp
	Model   map[string]any
}

// Bundle is the ordered sequence of parameter groups for one request.
// Later-appended groups take priority when a marker's opener is shared
// between namespaces.
type Bundle struct {
	groups []Group
}

// Append adds a group to the end of the bundle.
func (b *Bundle) Append(source Source, pattern *regexp.Regexp, model map[string]any) {
	b.groups = append(b.groups, Group{Source: source, Pattern: pattern, Model: model})
}

// Groups returns the groups in append order.
func (b *Bundle) Groups() []Group {
	return b.groups
}

// Marker is one occurrence of a parameter reference inside a text, with the
// bundle groups whose pattern matched it.
type Marker struct {
	Start      int
	End        int
	Name       string
	candidates []int
}

// Text returns the literal marker text within the scanned input.
func (m Marker) Text(input string) string {
	return input[m.Start:m.End]
}

// Scan locates every marker occurrence in text across all groups. Spans
// matched by more than one group (the generic opener) are merged into one
// marker carrying all candidate groups. Results are ordered by position.
func (b *Bundle) Scan(text string) []Marker {
	type span struct{ start, end int }
	found := map[span]*Marker{}

	for gi, g := range b.groups {
		if g.Pattern == nil {
			continue
		}
		paramIdx := g.Pattern.SubexpIndex("param")
		if paramIdx < 0 {
			continue
		}
		for _, loc := range g.Pattern.FindAllStringSubmatchIndex(text, -1) {
			s := span{loc[0], loc[1]}
			m, ok := found[s]
			if !ok {
				name := ""
				if loc[2*paramIdx] >= 0 {
					name = text[loc[2*paramIdx]:loc[2*paramIdx+1]]
				}
				m = &Marker{Start: s.start, End: s.end, Name: name}
				found[s] = m
			}
			m.candidates = append(m.candidates, gi)
		}
	}

	markers := make([]Marker, 0, len(found))
	for _, m := range found {
		markers = append(markers, *m)
	}
	sort.Slice(markers, func(i, j int) bool { return markers[i].Start < markers[j].Start })
	return markers
}

// ValueFor resolves a marker against the bundle: among the groups whose
// pattern matched it, the latest-appended group whose model contains the
// name wins. Markers no group can supply resolve to (nil, false) and bind
// to SQL null.
func (b *Bundle) ValueFor(m Marker) (any, bool) {
	for i := len(m.candidates) - 1; i >= 0; i-- {
		g := b.groups[m.candidates[i]]
		if g.Model == nil {
			continue
		}
		if v, ok := lookup(g.Model, m.Name); ok {
			return v, true
		}
	}
	return nil, false
}

// Resolve looks a name up across all groups, latest-appended first. It is
// the name-only counterpart of ValueFor, for callers that hold a parameter
// name rather than a scanned marker.
func (b *Bundle) Resolve(name string) (any, bool) {
	for i := len(b.groups) - 1; i >= 0; i-- {
		if b.groups[i].Model == nil {
			continue
		}
		if v, ok := lookup(b.groups[i].Model, name); ok {
			return v, true
		}
	}
	return nil, false
}

// lookup finds a key in a model, falling back to a case-insensitive match
// so header-sourced keys resolve regardless of canonicalization.
func lookup(model map[string]any, name string) (any, bool) {
	if v, ok := model[name]; ok {
		return v, true
	}
	for k, v := range model {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}
