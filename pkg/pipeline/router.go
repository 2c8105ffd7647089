// Package pipeline assembles the request pipeline: route resolution,
// CORS, authorization, parameter building, and dispatch to the query chain
// or the proxy stage.
package pipeline

import (
	"net/http"
	"sort"
	"strings"

	"github.com/declarest/declarest/pkg/config"
)

// Match is the outcome of route resolution.
type Match struct {
	Route         *config.Route
	RemainingPath string
	RouteParams   map[string]any
}

// Router indexes the configured routes: exact paths, templated paths with
// {param} segments, and wildcard-suffix paths keyed by static prefix. One
// exact path may carry several routes with disjoint method sets.
type Router struct {
	exact     map[string][]*config.Route
	templated []*config.Route
	wildcards []wildcardRoute
}

type wildcardRoute struct {
	prefix string
	route  *config.Route
}

// NewRouter builds the route indexes. Ambiguity is rejected at config load,
// not here.
func NewRouter(routes map[string]*config.Route) *Router {
	r := &Router{exact: map[string][]*config.Route{}}

	for _, route := range routes {
		switch {
		case route.IsWildcard():
			r.wildcards = append(r.wildcards, wildcardRoute{
				prefix: route.StaticPrefix(),
				route:  route,
			})
		case strings.Contains(route.Path, "{"):
			r.templated = append(r.templated, route)
		default:
			r.exact[route.Path] = append(r.exact[route.Path], route)
		}
	}

	// Longest prefix wins.
	sort.Slice(r.wildcards, func(i, j int) bool {
		return len(r.wildcards[i].prefix) > len(r.wildcards[j].prefix)
	})

	return r
}

// Resolve matches (method, path) against the indexes: exact first, then
// templated, then the longest wildcard prefix. A miss returns nil.
// OPTIONS requests match by path alone: the CORS stage needs the route to
// synthesize the preflight answer even when OPTIONS is not in its method
// set.
func (r *Router) Resolve(method, path string) *Match {
	allows := func(route *config.Route) bool {
		return method == http.MethodOptions || route.AllowsMethod(method)
	}

	for _, route := range r.exact[path] {
		if allows(route) {
			return &Match{Route: route, RouteParams: map[string]any{}}
		}
	}

	for _, route := range r.templated {
		if !allows(route) {
			continue
		}
		if bindings, ok := matchTemplate(route.Path, path); ok {
			return &Match{Route: route, RouteParams: bindings}
		}
	}

	for _, w := range r.wildcards {
		if !strings.HasPrefix(path, w.prefix) || !allows(w.route) {
			continue
		}
		remaining := strings.TrimPrefix(path, w.prefix)
		if remaining != "" && !strings.HasPrefix(remaining, "/") {
			remaining = "/" + remaining
		}
		return &Match{
			Route:         w.route,
			RemainingPath: remaining,
			RouteParams:   map[string]any{},
		}
	}

	return nil
}

// matchTemplate compares a templated path segment-wise with a request path,
// binding {name} segments.
func matchTemplate(template, path string) (map[string]any, bool) {
	tsegs := strings.Split(strings.Trim(template, "/"), "/")
	psegs := strings.Split(strings.Trim(path, "/"), "/")
	if len(tsegs) != len(psegs) {
		return nil, false
	}

	bindings := map[string]any{}
	for i, t := range tsegs {
		if strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}") {
			bindings[strings.Trim(t, "{}")] = psegs[i]
			continue
		}
		if !strings.EqualFold(t, psegs[i]) {
			return nil, false
		}
	}
	return bindings, true
}
