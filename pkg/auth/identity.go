package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// WS-Federation claim URIs emitted by some identity providers alongside the
// short OIDC names.
const (
	claimNameIdentifierURI = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier"
	claimEmailURI          = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress"
	claimNameURI           = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name"
)

// Identity is the canonical view of who a validated token belongs to.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// ExtractIdentity pulls the canonical identity out of the claims: user id
// from the nameidentifier equivalent, sub or oid (first present), email from
// the email equivalents, name from name.
func ExtractIdentity(claims jwt.MapClaims) Identity {
	return Identity{
		UserID: firstString(claims, claimNameIdentifierURI, "sub", "oid"),
		Email:  firstString(claims, claimEmailURI, "email", "emails"),
		Name:   firstString(claims, claimNameURI, "name"),
	}
}

func firstString(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		switch v := claims[name].(type) {
		case string:
			if v != "" {
				return v
			}
		case []any:
			if len(v) > 0 {
				if s, ok := v[0].(string); ok && s != "" {
					return s
				}
			}
		}
	}
	return ""
}
