package pipeline

import (
	"mime"
	"strings"

	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/errors"
	"github.com/declarest/declarest/pkg/params"
)

// normalizeContentType reduces the Content-Type header to one of the
// recognized body formats; anything else passes through untouched.
func normalizeContentType(header string) string {
	if header == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(header, ";", 2)[0]))
	}
	return mediaType
}

// isBodyFormat reports whether the normalized content type is one the
// parameter builder parses.
func isBodyFormat(contentType string) bool {
	switch contentType {
	case params.ContentTypeJSON, params.ContentTypeForm, params.ContentTypeMultipart:
		return true
	default:
		return false
	}
}

// classifyService validates the matched route's declared terminal action.
func classifyService(route *config.Route) error {
	switch route.ServiceType {
	case config.ServiceDBQuery, config.ServiceAPIGateway:
		return nil
	default:
		return errors.NewInternalError("route "+route.ID+" declares no valid service type", nil)
	}
}
