package dbquery

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/params"
)

// Lower rewrites every parameter marker in the SQL text to the provider's
// placeholder form and returns the driver arguments in marker order.
// Markers no bundle group can supply bind to null. Values never reach the
// SQL text itself.
func Lower(text, provider string, bundle *params.Bundle) (string, []any) {
	markers := bundle.Scan(text)
	if len(markers) == 0 {
		return text, nil
	}

	var sb strings.Builder
	sb.Grow(len(text))
	args := make([]any, 0, len(markers))

	last := 0
	for i, m := range markers {
		n := i + 1
		sb.WriteString(text[last:m.Start])
		sb.WriteString(placeholder(provider, n))
		last = m.End

		value, ok := bundle.ValueFor(m)
		if !ok {
			value = nil
		}
		args = append(args, bindArg(provider, n, value))
	}
	sb.WriteString(text[last:])

	return sb.String(), args
}

// placeholder returns the provider's parameter syntax for position n.
// Operators author against the stable marker surface and never see these.
func placeholder(provider string, n int) string {
	switch provider {
	case config.ProviderSQLServer:
		return fmt.Sprintf("@p%d", n)
	case config.ProviderPostgres:
		return fmt.Sprintf("$%d", n)
	case config.ProviderOracle:
		return fmt.Sprintf(":p%d", n)
	default:
		return "?"
	}
}

// bindArg normalizes a resolved value for the driver. Named drivers get
// sql.Named arguments matching their placeholder.
func bindArg(provider string, n int, value any) any {
	v := normalize(value)
	switch provider {
	case config.ProviderSQLServer, config.ProviderOracle:
		return sql.Named(fmt.Sprintf("p%d", n), v)
	default:
		return v
	}
}

// normalize lowers non-scalar values to their JSON text so every driver can
// bind them.
func normalize(value any) any {
	switch v := value.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, []byte, time.Time:
		return v
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
