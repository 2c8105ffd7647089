package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/declarest/declarest/pkg/logger"
)

// userInfoEntry is the serializable UserInfo cache record.
type userInfoEntry struct {
	Claims map[string]any `json:"claims"`
}

func userInfoCacheKey(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return "userinfo_claims:" + base64.StdEncoding.EncodeToString(sum[:])
}

// enrichFromUserInfo calls the provider's UserInfo endpoint when the token
// is missing any of the policy's fallback claims. UserInfo failures are
// non-fatal: the request proceeds with the token's own claims.
func (a *Authorizer) enrichFromUserInfo(
	ctx context.Context,
	doc *DiscoveryDocument,
	pol *Policy,
	accessToken string,
	claims jwt.MapClaims,
) jwt.MapClaims {
	if len(pol.UserInfoFallbackClaims) == 0 || doc.UserInfoEndpoint == "" {
		return claims
	}

	missing := false
	for _, name := range pol.UserInfoFallbackClaims {
		if _, ok := claims[name]; !ok {
			missing = true
			break
		}
	}
	if !missing {
		return claims
	}

	// Never call out for a token that is already past its expiry.
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || !exp.Time.After(a.now()) {
		return claims
	}
	remaining := exp.Time.Sub(a.now())

	ttl := remaining
	if pol.UserInfoCacheDuration > 0 && pol.UserInfoCacheDuration < remaining {
		ttl = pol.UserInfoCacheDuration
	}

	raw, _, err := a.cache.GetOrProduce(userInfoCacheKey(accessToken), ttl, func() ([]byte, error) {
		fetched, err := a.fetchUserInfo(ctx, doc.UserInfoEndpoint, pol.UserInfoTimeout, accessToken)
		if err != nil {
			return nil, err
		}
		return json.Marshal(userInfoEntry{Claims: fetched})
	})
	if err != nil {
		logger.Warnw("UserInfo fetch failed, continuing without enrichment",
			"endpoint", doc.UserInfoEndpoint, "error", err)
		return claims
	}

	var entry userInfoEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		logger.Warnw("corrupt UserInfo cache entry", "error", err)
		return claims
	}

	// Merge without overwriting token-derived claims.
	merged := make(jwt.MapClaims, len(claims)+len(entry.Claims))
	for k, v := range claims {
		merged[k] = v
	}
	for k, v := range entry.Claims {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return merged
}

func (a *Authorizer) fetchUserInfo(
	ctx context.Context,
	endpoint string,
	timeout time.Duration,
	accessToken string,
) (map[string]any, error) {
	// Linked to both the request cancellation and an independent timeout.
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &userInfoStatusError{status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoverySize))
	if err != nil {
		return nil, err
	}

	var fetched map[string]any
	if err := json.Unmarshal(body, &fetched); err != nil {
		return nil, err
	}
	return fetched, nil
}

type userInfoStatusError struct {
	status int
}

func (e *userInfoStatusError) Error() string {
	return fmt.Sprintf("userinfo endpoint returned HTTP %d", e.status)
}
