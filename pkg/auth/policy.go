// Package auth implements the JWT authorizer: bearer token validation
// against a cached OIDC discovery document, optional UserInfo claim
// enrichment and scope/role enforcement.
package auth

import (
	"time"

	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/errors"
)

// Policy is the effective JWT policy for one route after resolution.
type Policy struct {
	Authority        string
	Audience         string
	Issuer           string
	ValidateIssuer   bool
	ValidateAudience bool
	ValidateLifetime bool
	ClockSkew        time.Duration

	UserInfoFallbackClaims []string

	// UserInfoCacheDuration zero means "bounded by token expiry only".
	UserInfoCacheDuration time.Duration
	UserInfoTimeout       time.Duration

	RequiredScopes []string
	RequiredRoles  []string
}

const defaultUserInfoTimeout = 10 * time.Second

// ResolvePolicy computes the effective policy for a route. Each setting is
// consulted route-first, then the named provider, then the process default.
// A policy without an authority is a configuration error.
func ResolvePolicy(route *config.AuthPolicy, authorize config.Authorize) (*Policy, error) {
	if route == nil {
		return nil, nil
	}

	chain := []*config.AuthPolicy{route}
	if route.Provider != "" {
		if provider, ok := authorize.Providers[route.Provider]; ok {
			chain = append(chain, &provider)
		} else {
			return nil, errors.NewConfigError("unknown authorization provider "+route.Provider, nil)
		}
	}
	def := authorize.Default
	chain = append(chain, &def)

	pickString := func(get func(*config.AuthPolicy) string) string {
		for _, p := range chain {
			if v := get(p); v != "" {
				return v
			}
		}
		return ""
	}
	pickBool := func(get func(*config.AuthPolicy) *bool, fallback bool) bool {
		for _, p := range chain {
			if v := get(p); v != nil {
				return *v
			}
		}
		return fallback
	}
	pickInt := func(get func(*config.AuthPolicy) *int, fallback int) int {
		for _, p := range chain {
			if v := get(p); v != nil {
				return *v
			}
		}
		return fallback
	}
	pickList := func(get func(*config.AuthPolicy) []string) []string {
		for _, p := range chain {
			if v := get(p); len(v) > 0 {
				return v
			}
		}
		return nil
	}

	pol := &Policy{
		Authority:        pickString(func(p *config.AuthPolicy) string { return p.Authority }),
		Audience:         pickString(func(p *config.AuthPolicy) string { return p.Audience }),
		Issuer:           pickString(func(p *config.AuthPolicy) string { return p.Issuer }),
		ValidateIssuer:   pickBool(func(p *config.AuthPolicy) *bool { return p.ValidateIssuer }, true),
		ValidateAudience: pickBool(func(p *config.AuthPolicy) *bool { return p.ValidateAudience }, true),
		ValidateLifetime: pickBool(func(p *config.AuthPolicy) *bool { return p.ValidateLifetime }, true),
		ClockSkew: time.Duration(pickInt(
			func(p *config.AuthPolicy) *int { return p.ClockSkewSeconds }, 0)) * time.Second,
		UserInfoFallbackClaims: pickList(func(p *config.AuthPolicy) []string { return p.UserInfoFallbackClaims }),
		UserInfoCacheDuration: time.Duration(pickInt(
			func(p *config.AuthPolicy) *int { return p.UserInfoCacheDurationSeconds }, 0)) * time.Second,
		UserInfoTimeout: time.Duration(pickInt(
			func(p *config.AuthPolicy) *int { return p.UserInfoTimeoutSeconds }, 0)) * time.Second,
		RequiredScopes: pickList(func(p *config.AuthPolicy) []string { return p.RequiredScopes }),
		RequiredRoles:  pickList(func(p *config.AuthPolicy) []string { return p.RequiredRoles }),
	}

	if pol.UserInfoTimeout <= 0 {
		pol.UserInfoTimeout = defaultUserInfoTimeout
	}
	if pol.Authority == "" {
		return nil, errors.NewConfigError("authorization authority is not configured", nil)
	}
	if pol.Issuer == "" {
		pol.Issuer = pol.Authority
	}

	return pol, nil
}
