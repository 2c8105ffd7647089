// Package dbquery executes a route's ordered SQL chain: markers are lowered
// to driver placeholders, each query's row set feeds the next one's
// parameter space, and the final rows are shaped per the route's response
// structure.
package dbquery

import (
	"database/sql"
	"sync"
	"sync/atomic"

	_ "github.com/go-sql-driver/mysql"    // mysql
	_ "github.com/jackc/pgx/v5/stdlib"    // pgx
	_ "github.com/microsoft/go-mssqldb"   // sqlserver
	_ "github.com/sijms/go-ora/v2"        // oracle
	_ "modernc.org/sqlite"                // sqlite

	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/errors"
)

// driver name per provider, as registered by the blank imports above.
var driverNames = map[string]string{
	config.ProviderSQLServer: "sqlserver",
	config.ProviderPostgres:  "pgx",
	config.ProviderMySQL:     "mysql",
	config.ProviderSQLite:    "sqlite",
	config.ProviderOracle:    "oracle",
}

// openConnections counts live database connections process-wide, for
// diagnostics. Incremented on open, decremented on close.
var openConnections atomic.Int64

// OpenConnections returns the current open-connection count.
func OpenConnections() int64 {
	return openConnections.Load()
}

// Factory opens connections for named connection strings, memoizing the
// resolved provider per name.
type Factory struct {
	connections map[string]config.ConnectionString
	providers   sync.Map // name -> provider
}

// NewFactory creates a factory over the configured connection strings.
func NewFactory(connections map[string]config.ConnectionString) *Factory {
	return &Factory{connections: connections}
}

// Provider resolves (and memoizes) the provider of a named connection
// string.
func (f *Factory) Provider(name string) (string, error) {
	if cached, ok := f.providers.Load(name); ok {
		return cached.(string), nil
	}

	cs, ok := f.connections[name]
	if !ok {
		return "", errors.NewConfigError("unknown connection string "+name, nil)
	}
	provider, err := config.ResolveProvider(cs)
	if err != nil {
		return "", err
	}
	f.providers.Store(name, provider)
	return provider, nil
}

// Open creates a connection for the named connection string. The returned
// connection is scoped to one query execution; callers must close it on
// every exit path.
func (f *Factory) Open(name string) (*Conn, error) {
	provider, err := f.Provider(name)
	if err != nil {
		return nil, err
	}

	driver, ok := driverNames[provider]
	if !ok {
		// db2 is recognized by inference but has no registered driver.
		return nil, errors.NewConfigError("unsupported database provider "+provider, nil)
	}

	db, err := sql.Open(driver, f.connections[name].Value)
	if err != nil {
		return nil, errors.NewConfigError("failed to open connection "+name, err)
	}

	openConnections.Add(1)
	return &Conn{DB: db, Provider: provider}, nil
}

// Conn wraps a database handle with the diagnostics counter.
type Conn struct {
	*sql.DB
	Provider string

	closeOnce sync.Once
}

// Close releases the connection and decrements the open-connection count
// exactly once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.DB.Close()
		openConnections.Add(-1)
	})
	return err
}
