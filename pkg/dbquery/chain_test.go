package dbquery

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/params"
)

// newTestDB creates a file-backed sqlite database seeded with an orders
// table, and a factory whose "default" connection points at it.
func newTestDB(t *testing.T) *Factory {
	t.Helper()

	path := filepath.Join(t.TempDir(), "chain.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE orders (id INTEGER PRIMARY KEY, owner TEXT, status TEXT, total REAL);
		INSERT INTO orders (id, owner, status, total) VALUES
			(1, 'u-1', 'open', 10.5),
			(2, 'u-1', 'closed', 20.0),
			(3, 'u-2', 'open', 30.0);
	`)
	require.NoError(t, err)

	return NewFactory(map[string]config.ConnectionString{
		"default": {Provider: config.ProviderSQLite, Value: path},
	})
}

func defaultPatterns(t *testing.T) *params.PatternSet {
	t.Helper()
	ps, err := params.ResolvePatterns(nil, config.RegexOverrides{})
	require.NoError(t, err)
	return ps
}

func TestChainSingleQuery(t *testing.T) {
	t.Parallel()

	chain := NewChain(newTestDB(t))
	ps := defaultPatterns(t)

	bundle := &params.Bundle{}
	bundle.Append(params.SourceQueryString, ps.Pattern(params.SourceQueryString), map[string]any{"status": "open"})

	route := &config.Route{
		ConnectionStringName: "default",
		Queries: []config.QueryDefinition{
			{Index: 1, SQL: "SELECT id, owner FROM orders WHERE status = {qs{status}} ORDER BY id"},
		},
	}

	rows, err := chain.Execute(t.Context(), route, bundle, ps)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, "u-1", rows[0]["owner"])
	assert.Equal(t, int64(3), rows[1]["id"])
}

func TestChainThreadsSingleRowColumns(t *testing.T) {
	t.Parallel()

	chain := NewChain(newTestDB(t))
	ps := defaultPatterns(t)

	bundle := &params.Bundle{}
	bundle.Append(params.SourceRoute, ps.Pattern(params.SourceRoute), map[string]any{"id": "1"})

	route := &config.Route{
		ConnectionStringName: "default",
		Queries: []config.QueryDefinition{
			{Index: 1, SQL: "SELECT owner FROM orders WHERE id = {r{id}}"},
			{Index: 2, SQL: "SELECT id, status FROM orders WHERE owner = {{owner}} ORDER BY id", JSONVariableName: "json"},
		},
	}

	rows, err := chain.Execute(t.Context(), route, bundle, ps)
	require.NoError(t, err)
	require.Len(t, rows, 2, "both of u-1's orders")
	assert.Equal(t, "open", rows[0]["status"])
}

func TestChainThreadsMultiRowAsJSON(t *testing.T) {
	t.Parallel()

	chain := NewChain(newTestDB(t))
	ps := defaultPatterns(t)

	route := &config.Route{
		ConnectionStringName: "default",
		Queries: []config.QueryDefinition{
			{Index: 1, SQL: "SELECT id FROM orders WHERE status = 'open' ORDER BY id"},
			{Index: 2, SQL: "SELECT {{json}} AS payload", JSONVariableName: "json"},
		},
	}

	rows, err := chain.Execute(t.Context(), route, &params.Bundle{}, ps)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `[{"id":1},{"id":3}]`, rows[0]["payload"].(string))
}

func TestChainExecutesInIndexOrder(t *testing.T) {
	t.Parallel()

	chain := NewChain(newTestDB(t))
	ps := defaultPatterns(t)

	route := &config.Route{
		ConnectionStringName: "default",
		Queries: []config.QueryDefinition{
			{Index: 2, SQL: "SELECT {{marker}} AS marker", JSONVariableName: "json"},
			{Index: 1, SQL: "SELECT 'first' AS marker"},
		},
	}

	rows, err := chain.Execute(t.Context(), route, &params.Bundle{}, ps)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "first", rows[0]["marker"])
}

func TestChainEarlierNamesNotOverwritten(t *testing.T) {
	t.Parallel()

	chain := NewChain(newTestDB(t))
	ps := defaultPatterns(t)

	route := &config.Route{
		ConnectionStringName: "default",
		Queries: []config.QueryDefinition{
			{Index: 1, SQL: "SELECT 'original' AS label"},
			{Index: 2, SQL: "SELECT 'shadow' AS label", JSONVariableName: "json"},
			{Index: 3, SQL: "SELECT {{label}} AS label", JSONVariableName: "json"},
		},
	}

	rows, err := chain.Execute(t.Context(), route, &params.Bundle{}, ps)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "original", rows[0]["label"])
}

func TestChainQueryError(t *testing.T) {
	t.Parallel()

	chain := NewChain(newTestDB(t))
	ps := defaultPatterns(t)

	route := &config.Route{
		ConnectionStringName: "default",
		Queries: []config.QueryDefinition{
			{Index: 1, SQL: "SELECT * FROM missing_table"},
		},
	}

	_, err := chain.Execute(t.Context(), route, &params.Bundle{}, ps)
	require.Error(t, err)
}

func TestChainRunCount(t *testing.T) {
	t.Parallel()

	chain := NewChain(newTestDB(t))

	route := &config.Route{
		ConnectionStringName: "default",
		CountQuery:           "SELECT COUNT(*) AS total FROM orders",
	}

	count, err := chain.RunCount(t.Context(), route, &params.Bundle{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestConnectionsClosedAfterExecution(t *testing.T) {
	t.Parallel()

	chain := NewChain(newTestDB(t))
	ps := defaultPatterns(t)

	before := OpenConnections()
	route := &config.Route{
		ConnectionStringName: "default",
		Queries: []config.QueryDefinition{
			{Index: 1, SQL: "SELECT 1 AS one"},
			{Index: 2, SQL: "SELECT 2 AS two", JSONVariableName: "json"},
		},
	}

	_, err := chain.Execute(t.Context(), route, &params.Bundle{}, ps)
	require.NoError(t, err)
	assert.Equal(t, before, OpenConnections())
}

func TestFactoryUnknownConnection(t *testing.T) {
	t.Parallel()

	f := NewFactory(nil)
	_, err := f.Open("missing")
	require.Error(t, err)
}

func TestFactoryUnsupportedProvider(t *testing.T) {
	t.Parallel()

	f := NewFactory(map[string]config.ConnectionString{
		"warehouse": {Provider: config.ProviderDB2, Value: "DATABASE=dw;HOSTNAME=db2;PORT=50000"},
	})
	_, err := f.Open("warehouse")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database provider")
}

func TestFactoryMemoizesProvider(t *testing.T) {
	t.Parallel()

	f := NewFactory(map[string]config.ConnectionString{
		"default": {Value: "file:whatever.db"},
	})

	p1, err := f.Provider("default")
	require.NoError(t, err)
	p2, err := f.Provider("default")
	require.NoError(t, err)
	assert.Equal(t, config.ProviderSQLite, p1)
	assert.Equal(t, p1, p2)
}
