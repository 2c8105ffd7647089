package pipeline

import (
	"strings"

	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/errors"
	"github.com/declarest/declarest/pkg/params"
)

// checkMandatory verifies that every declared mandatory parameter resolves
// to a value in the bundle.
func checkMandatory(route *config.Route, bundle *params.Bundle) error {
	var missing []string
	for _, name := range route.MandatoryParameterNames {
		if _, ok := bundle.Resolve(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.NewValidationError(
			"missing mandatory parameters: "+strings.Join(missing, ", "), nil)
	}
	return nil
}
