package pipeline

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/logger"
)

// defaultPreflightMethods answers preflights for routes accepting any
// method.
const defaultPreflightMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"

// applyCORS writes the cross-origin headers for the matched route and, for
// OPTIONS preflights, synthesizes the full response. It reports whether the
// request was terminated here.
func applyCORS(w http.ResponseWriter, r *http.Request, route *config.Route, global config.CORSPolicy) bool {
	policy := route.CORS
	if policy == nil {
		policy = &global
	}

	origin := r.Header.Get("Origin")
	if origin == "" && r.Method != http.MethodOptions {
		return false
	}

	allowed := resolveOrigin(origin, policy)

	// Credentialed responses must name an origin the policy accepted, never
	// the wildcard. When the pattern rejected the caller and the fallback is
	// the wildcard, the header is omitted entirely.
	credentials := policy.AllowCredentials || route.Auth != nil
	if credentials && allowed == "*" {
		allowed = ""
	}

	header := w.Header()
	if allowed != "" {
		header.Set("Access-Control-Allow-Origin", allowed)
		header.Add("Vary", "Origin")
	}
	if credentials {
		header.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(policy.AllowedHeaders) > 0 {
		header.Set("Access-Control-Allow-Headers", strings.Join(policy.AllowedHeaders, ", "))
	}

	if r.Method != http.MethodOptions {
		return false
	}

	methods := defaultPreflightMethods
	if len(route.Methods) > 0 {
		upper := make([]string, len(route.Methods))
		for i, m := range route.Methods {
			upper[i] = strings.ToUpper(m)
		}
		methods = strings.Join(upper, ", ")
	}
	header.Set("Access-Control-Allow-Methods", methods)
	if policy.MaxAgeSeconds > 0 {
		header.Set("Access-Control-Max-Age", strconv.Itoa(policy.MaxAgeSeconds))
	}
	w.WriteHeader(http.StatusNoContent)
	return true
}

// resolveOrigin echoes the caller's origin when it matches the policy
// pattern, falling back to the configured origin otherwise. An empty policy
// is permissive.
func resolveOrigin(origin string, policy *config.CORSPolicy) string {
	if policy.OriginPattern == "" {
		if origin != "" {
			return origin
		}
		return "*"
	}

	re, err := regexp.Compile(policy.OriginPattern)
	if err != nil {
		logger.Warnw("invalid cors origin pattern", "pattern", policy.OriginPattern, "error", err)
		return policy.FallbackOrigin
	}
	if origin != "" && re.MatchString(origin) {
		return origin
	}
	return policy.FallbackOrigin
}
