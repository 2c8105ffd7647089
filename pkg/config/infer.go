package config

import (
	"fmt"
	"strings"
)

// Database provider names. Each maps to a registered driver in pkg/dbquery.
const (
	ProviderSQLServer = "sqlserver"
	ProviderPostgres  = "postgres"
	ProviderMySQL     = "mysql"
	ProviderSQLite    = "sqlite"
	ProviderOracle    = "oracle"
	ProviderDB2       = "db2"
)

// ResolveProvider returns the provider for a connection string, inferring it
// from well-known connection-string patterns when not set explicitly.
func ResolveProvider(cs ConnectionString) (string, error) {
	if cs.Provider != "" {
		switch cs.Provider {
		case ProviderSQLServer, ProviderPostgres, ProviderMySQL, ProviderSQLite, ProviderOracle, ProviderDB2:
			return cs.Provider, nil
		}
		return "", fmt.Errorf("unknown database provider %q", cs.Provider)
	}
	return inferProvider(cs.Value)
}

func inferProvider(value string) (string, error) {
	v := strings.ToLower(value)

	switch {
	case strings.HasPrefix(v, "postgres://"), strings.HasPrefix(v, "postgresql://"):
		return ProviderPostgres, nil
	case strings.Contains(v, "host=") && strings.Contains(v, "dbname="):
		return ProviderPostgres, nil
	case strings.HasPrefix(v, "oracle://"):
		return ProviderOracle, nil
	case strings.HasPrefix(v, "sqlserver://"):
		return ProviderSQLServer, nil
	case strings.Contains(v, "database=") && strings.Contains(v, "hostname="):
		return ProviderDB2, nil
	case strings.Contains(v, "data source=") || (strings.Contains(v, "server=") && strings.Contains(v, "database=")):
		return ProviderSQLServer, nil
	case strings.Contains(v, "@tcp(") || strings.Contains(v, "@unix("):
		return ProviderMySQL, nil
	case v == ":memory:",
		strings.HasPrefix(v, "file:"),
		strings.HasSuffix(v, ".db"),
		strings.HasSuffix(v, ".sqlite"),
		strings.HasSuffix(v, ".sqlite3"):
		return ProviderSQLite, nil
	}

	return "", fmt.Errorf("unable to infer database provider from connection string")
}
