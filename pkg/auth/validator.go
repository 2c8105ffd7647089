package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/declarest/declarest/pkg/cache"
	"github.com/declarest/declarest/pkg/errors"
	"github.com/declarest/declarest/pkg/networking"
)

// Stable authentication failure messages.
const (
	MsgAuthorizationRequired = "Authorization header is required"
	MsgInvalidAuthFormat     = "Invalid Authorization header format"
	MsgTokenExpired          = "Token has expired"
	MsgInvalidSignature      = "Invalid token signature"
	MsgInvalidToken          = "Invalid token"
)

// Authorizer validates bearer tokens for routes that declare an auth policy.
type Authorizer struct {
	cache  *cache.Cache
	client *http.Client
	now    func() time.Time
}

// New creates an Authorizer backed by the shared cache plane.
func New(c *cache.Cache) (*Authorizer, error) {
	client, err := networking.NewHTTPClientBuilder().Build()
	if err != nil {
		return nil, err
	}
	return &Authorizer{cache: c, client: client, now: time.Now}, nil
}

// Authenticate validates the request's bearer token against the policy and
// returns the flattened claims mapping for the parameter builder.
func (a *Authorizer) Authenticate(ctx context.Context, r *http.Request, pol *Policy) (map[string]any, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, errors.NewAuthenticationError(MsgAuthorizationRequired, nil)
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, errors.NewAuthenticationError(MsgInvalidAuthFormat, nil)
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	doc, err := a.discover(ctx, pol.Authority)
	if err != nil {
		return nil, errors.NewInternalError("OIDC discovery failed", err)
	}

	keySet, err := doc.Keys()
	if err != nil {
		return nil, errors.NewInternalError("failed to reconstitute signing keys", err)
	}
	if keySet.Len() == 0 {
		return nil, errors.NewInternalError("authorization provider returned no signing keys", nil)
	}

	// Claims validation is done by hand below so the clock skew applies
	// symmetrically and each failure maps to its own message.
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, err := parser.Parse(tokenString, keyFunc(keySet))
	if err != nil {
		return nil, classifyTokenError(err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.NewAuthenticationError(MsgInvalidToken, nil)
	}

	if err := a.validateClaims(claims, pol); err != nil {
		return nil, err
	}

	identity := ExtractIdentity(claims)

	enriched := a.enrichFromUserInfo(ctx, doc, pol, tokenString, claims)

	if err := enforceScopes(enriched, pol.RequiredScopes); err != nil {
		return nil, err
	}
	if err := enforceRoles(enriched, pol.RequiredRoles); err != nil {
		return nil, err
	}

	return flattenClaims(enriched, identity), nil
}

func classifyTokenError(err error) error {
	switch {
	case stderrors.Is(err, jwt.ErrTokenExpired):
		return errors.NewAuthenticationError(MsgTokenExpired, err)
	case stderrors.Is(err, jwt.ErrTokenSignatureInvalid):
		return errors.NewAuthenticationError(MsgInvalidSignature, err)
	case stderrors.Is(err, jwt.ErrTokenMalformed),
		stderrors.Is(err, jwt.ErrTokenUnverifiable),
		stderrors.Is(err, jwt.ErrTokenInvalidClaims):
		return errors.NewAuthenticationError(MsgInvalidToken, err)
	default:
		return errors.NewInternalError("token validation failed", err)
	}
}

func keyFunc(keySet jwk.Set) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS, *jwt.SigningMethodECDSA:
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("token header missing kid")
		}

		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("%w: key ID %s not found in JWKS", jwt.ErrTokenSignatureInvalid, kid)
		}

		var rawKey any
		if err := key.Raw(&rawKey); err != nil {
			return nil, fmt.Errorf("failed to get raw key: %w", err)
		}
		return rawKey, nil
	}
}

// validateClaims enforces lifetime, issuer and audience per the policy
// flags. The clock skew applies symmetrically to both lifetime boundaries.
func (a *Authorizer) validateClaims(claims jwt.MapClaims, pol *Policy) error {
	now := a.now()

	if pol.ValidateLifetime {
		exp, err := claims.GetExpirationTime()
		if err != nil || exp == nil {
			return errors.NewAuthenticationError(MsgInvalidToken, err)
		}
		if now.After(exp.Time.Add(pol.ClockSkew)) {
			return errors.NewAuthenticationError(MsgTokenExpired, nil)
		}
		if nbf, err := claims.GetNotBefore(); err == nil && nbf != nil {
			if now.Before(nbf.Time.Add(-pol.ClockSkew)) {
				return errors.NewAuthenticationError(MsgInvalidToken, nil)
			}
		}
	}

	if pol.ValidateIssuer && pol.Issuer != "" {
		issuer, err := claims.GetIssuer()
		if err != nil || issuer != pol.Issuer {
			return errors.NewAuthenticationError(MsgInvalidToken, err)
		}
	}

	if pol.ValidateAudience && pol.Audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return errors.NewAuthenticationError(MsgInvalidToken, err)
		}
		found := false
		for _, aud := range audiences {
			if aud == pol.Audience {
				found = true
				break
			}
		}
		if !found {
			return errors.NewAuthenticationError(MsgInvalidToken, nil)
		}
	}

	return nil
}

// enforceScopes requires every declared scope to be present in the union of
// the token's scp and scope claims, space-split.
func enforceScopes(claims jwt.MapClaims, required []string) error {
	if len(required) == 0 {
		return nil
	}

	granted := map[string]bool{}
	for _, claim := range []string{"scp", "scope"} {
		switch v := claims[claim].(type) {
		case string:
			for _, s := range strings.Fields(v) {
				granted[s] = true
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					granted[s] = true
				}
			}
		}
	}

	for _, scope := range required {
		if !granted[scope] {
			return errors.NewForbiddenError("missing required scope "+scope, nil)
		}
	}
	return nil
}

// enforceRoles requires every declared role, compared case-insensitively.
func enforceRoles(claims jwt.MapClaims, required []string) error {
	if len(required) == 0 {
		return nil
	}

	granted := rolesFromClaims(claims)
	for _, role := range required {
		found := false
		for _, g := range granted {
			if strings.EqualFold(g, role) {
				found = true
				break
			}
		}
		if !found {
			return errors.NewForbiddenError("missing required role "+role, nil)
		}
	}
	return nil
}

func rolesFromClaims(claims jwt.MapClaims) []string {
	var roles []string
	for _, claim := range []string{"roles", "role"} {
		switch v := claims[claim].(type) {
		case string:
			if v != "" {
				roles = append(roles, v)
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					roles = append(roles, s)
				}
			}
		}
	}
	return roles
}

// flattenClaims lowers the claims mapping to scalar values for the
// parameter builder; list claims are pipe-joined.
func flattenClaims(claims jwt.MapClaims, identity Identity) map[string]any {
	flat := make(map[string]any, len(claims)+4)
	for name, value := range claims {
		switch v := value.(type) {
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			flat[name] = strings.Join(parts, "|")
		case map[string]any:
			// Nested claim objects are not addressable from SQL markers.
			continue
		default:
			flat[name] = v
		}
	}

	if identity.UserID != "" {
		flat["user_id"] = identity.UserID
	}
	if identity.Email != "" {
		flat["email"] = identity.Email
	}
	if identity.Name != "" {
		flat["name"] = identity.Name
	}

	// Long-standing behavior: the roles key is only written when the
	// computed role list is empty.
	roles := rolesFromClaims(claims)
	if len(roles) == 0 {
		flat["roles"] = strings.Join(roles, "|")
	}

	return flat
}
