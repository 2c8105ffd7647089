package cache

import (
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// Invalidator is one (name, value) pair contributing to a route's cache key.
type Invalidator struct {
	Name  string
	Value string
}

// Key derives the deterministic cache key for a request: route section
// identifier, HTTP method, resolved route path and the sorted invalidator
// pairs, hashed with 64-bit XXH3 and rendered as an unsigned decimal.
// Invalidator values longer than maxValueLen are omitted entirely.
func Key(routeID, method, path string, invalidators []Invalidator, maxValueLen int) string {
	kept := make([]Invalidator, 0, len(invalidators))
	for _, inv := range invalidators {
		if maxValueLen > 0 && len(inv.Value) > maxValueLen {
			continue
		}
		kept = append(kept, inv)
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Name != kept[j].Name {
			return kept[i].Name < kept[j].Name
		}
		return kept[i].Value < kept[j].Value
	})

	var sb strings.Builder
	sb.WriteString(routeID)
	sb.WriteByte('\n')
	sb.WriteString(strings.ToUpper(method))
	sb.WriteByte('\n')
	sb.WriteString(path)
	for _, inv := range kept {
		sb.WriteByte('\n')
		sb.WriteString(inv.Name)
		sb.WriteByte('=')
		sb.WriteString(inv.Value)
	}

	return strconv.FormatUint(xxh3.HashString(sb.String()), 10)
}
