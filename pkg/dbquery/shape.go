package dbquery

import (
	"encoding/json"

	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/errors"
)

// countedResult is the envelope used when a count_query is configured.
type countedResult struct {
	Count any   `json:"count"`
	Data  []Row `json:"data"`
}

// Shape serializes the final rows per the route's response_structure. With
// a count_query the result is always the {count, data} envelope and the
// declared structure is ignored.
func Shape(route *config.Route, rows []Row, count any, counted bool) (json.RawMessage, error) {
	var payload any

	switch {
	case counted:
		payload = countedResult{Count: count, Data: rowsOrEmpty(rows)}
	case route.ResponseStructure == config.ResponseSingle:
		if len(rows) == 0 {
			payload = nil
		} else {
			payload = rows[0]
		}
	case route.ResponseStructure == config.ResponseArray:
		payload = rowsOrEmpty(rows)
	default:
		// auto: one row collapses to an object.
		if len(rows) == 1 {
			payload = rows[0]
		} else {
			payload = rowsOrEmpty(rows)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewInternalError("failed to serialize query result", err)
	}
	return body, nil
}
