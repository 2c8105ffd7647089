package pipeline

import (
	"crypto/subtle"
	"net/http"

	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/errors"
)

// apiKeyHeader carries the caller's key.
const apiKeyHeader = "x-api-key"

// checkAPIKey enforces the route's key collections: the presented key must
// appear in the union of the named collections. Independent of JWT; when
// both are configured both must pass.
func checkAPIKey(r *http.Request, route *config.Route, collections map[string][]string) error {
	if len(route.APIKeyCollections) == 0 {
		return nil
	}

	presented := r.Header.Get(apiKeyHeader)
	if presented == "" {
		return errors.NewAuthenticationError("API key is required", nil)
	}

	for _, name := range route.APIKeyCollections {
		for _, key := range collections[name] {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
				return nil
			}
		}
	}

	return errors.NewAuthenticationError("Invalid API key", nil)
}
