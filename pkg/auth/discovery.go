package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// discoveryTTL bounds how long a provider's discovery document is reused.
const discoveryTTL = 24 * time.Hour

// maxDiscoverySize limits discovery and JWKS response bodies.
const maxDiscoverySize = 1024 * 1024

// DiscoveryDocument is the serializable shadow of an OIDC provider's
// discovery payload. Signing keys are stored as the raw JWKS JSON and
// re-parsed after every cache read: parsed key objects do not round-trip
// through the cache serializer.
type DiscoveryDocument struct {
	Issuer           string          `json:"issuer"`
	JWKSURI          string          `json:"jwks_uri"`
	UserInfoEndpoint string          `json:"userinfo_endpoint"`
	RawJWKS          json.RawMessage `json:"raw_jwks_json"`
}

// Keys reconstitutes the signing key set from the stored JWKS JSON.
func (d *DiscoveryDocument) Keys() (jwk.Set, error) {
	set, err := jwk.Parse(d.RawJWKS)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	return set, nil
}

func discoveryCacheKey(authority string) string {
	return "oidc_discovery:" + strings.TrimRight(strings.TrimSpace(authority), "/")
}

// discover returns the provider's discovery document, fetching and caching
// it on a miss. A failed fetch leaves the cache empty so the next request
// retries.
func (a *Authorizer) discover(ctx context.Context, authority string) (*DiscoveryDocument, error) {
	raw, _, err := a.cache.GetOrProduce(discoveryCacheKey(authority), discoveryTTL, func() ([]byte, error) {
		doc, err := a.fetchDiscovery(ctx, authority)
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	})
	if err != nil {
		return nil, err
	}

	var doc DiscoveryDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("corrupt discovery cache entry: %w", err)
	}
	return &doc, nil
}

func (a *Authorizer) fetchDiscovery(ctx context.Context, authority string) (*DiscoveryDocument, error) {
	wellKnown := strings.TrimRight(authority, "/") + "/.well-known/openid-configuration"

	var doc DiscoveryDocument
	if err := a.getJSON(ctx, wellKnown, &doc); err != nil {
		return nil, fmt.Errorf("OIDC discovery failed: %w", err)
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("discovery document from %s has no jwks_uri", wellKnown)
	}

	// The JWKS content is fetched explicitly and stored raw so that keys can
	// be re-parsed after a cache read.
	rawJWKS, err := a.getRaw(ctx, doc.JWKSURI)
	if err != nil {
		return nil, fmt.Errorf("JWKS fetch failed: %w", err)
	}
	doc.RawJWKS = rawJWKS

	return &doc, nil
}

func (a *Authorizer) getJSON(ctx context.Context, url string, out any) error {
	raw, err := a.getRaw(ctx, url)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (a *Authorizer) getRaw(ctx context.Context, url string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoverySize))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}
	return body, nil
}
