package dbquery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/errors"
	"github.com/declarest/declarest/pkg/logger"
	"github.com/declarest/declarest/pkg/params"
)

// Row is one materialized result row, column name to value.
type Row = map[string]any

// Chain runs a route's ordered query list.
type Chain struct {
	factory *Factory
}

// NewChain returns a chain executor over the connection factory.
func NewChain(factory *Factory) *Chain {
	return &Chain{factory: factory}
}

// Execute runs every query in declaration order. The row set of query n
// feeds query n+1's parameter space: a single row exposes its columns as
// named parameters, zero or many rows serialize to a JSON array under the
// receiving query's json_variable_name. Names contributed by earlier
// queries are never overwritten. The caller receives only the final query's
// rows.
func (c *Chain) Execute(ctx context.Context, route *config.Route, bundle *params.Bundle, patterns *params.PatternSet) ([]Row, error) {
	queries := make([]config.QueryDefinition, len(route.Queries))
	copy(queries, route.Queries)
	sort.SliceStable(queries, func(i, j int) bool { return queries[i].Index < queries[j].Index })

	chainPattern := patterns.Pattern(params.SourceJSON)
	contributed := map[string]bool{}

	var rows []Row
	for i, q := range queries {
		connName := q.ConnectionStringName
		if connName == "" {
			connName = route.ConnectionStringName
		}
		if connName == "" {
			connName = config.DefaultConnectionName
		}

		var err error
		rows, err = c.runQuery(ctx, connName, q.SQL, bundle)
		if err != nil {
			return nil, err
		}

		if i == len(queries)-1 {
			break
		}

		next := queries[i+1]
		model, err := chainModel(rows, next.JSONVariableName, contributed)
		if err != nil {
			return nil, err
		}
		bundle.Append(params.SourceChain, chainPattern, model)
	}

	return rows, nil
}

// RunCount executes the route's count query against the same bundle and
// returns the first column of its first row.
func (c *Chain) RunCount(ctx context.Context, route *config.Route, bundle *params.Bundle) (any, error) {
	connName := route.ConnectionStringName
	if connName == "" {
		connName = config.DefaultConnectionName
	}

	rows, err := c.runQuery(ctx, connName, route.CountQuery, bundle)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	for _, v := range rows[0] {
		return v, nil
	}
	return 0, nil
}

func (c *Chain) runQuery(ctx context.Context, connName, sqlText string, bundle *params.Bundle) ([]Row, error) {
	conn, err := c.factory.Open(connName)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	lowered, args := Lower(sqlText, conn.Provider, bundle)
	logger.Debugw("executing query", "connection", connName, "provider", conn.Provider, "args", len(args))

	result, err := conn.QueryContext(ctx, lowered, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, wrapQueryError(err)
	}
	defer result.Close()

	rows, err := materialize(result)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	return rows, nil
}

// materialize reads every row into a column-name map. Byte slices become
// strings so text columns serialize as text regardless of driver.
func materialize(result *sql.Rows) ([]Row, error) {
	columns, err := result.Columns()
	if err != nil {
		return nil, err
	}

	var rows []Row
	for result.Next() {
		values := make([]any, len(columns))
		scan := make([]any, len(columns))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := result.Scan(scan...); err != nil {
			return nil, err
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		rows = append(rows, row)
	}
	return rows, result.Err()
}

// chainModel converts a query's rows into the parameter model for the next
// query. Names already contributed by earlier queries are skipped.
func chainModel(rows []Row, jsonVar string, contributed map[string]bool) (map[string]any, error) {
	model := map[string]any{}

	if len(rows) == 1 {
		for col, v := range rows[0] {
			if contributed[col] {
				continue
			}
			model[col] = v
			contributed[col] = true
		}
		return model, nil
	}

	if jsonVar == "" {
		jsonVar = config.DefaultJSONVariableName
	}
	if contributed[jsonVar] {
		return model, nil
	}

	serialized, err := json.Marshal(rowsOrEmpty(rows))
	if err != nil {
		return nil, errors.NewInternalError("failed to serialize chain result", err)
	}
	model[jsonVar] = string(serialized)
	contributed[jsonVar] = true
	return model, nil
}

func rowsOrEmpty(rows []Row) []Row {
	if rows == nil {
		return []Row{}
	}
	return rows
}

func wrapQueryError(err error) error {
	if status, message, ok := conventionalStatus(err); ok {
		return errors.NewWithStatus(errors.ErrValidation, message, status, err)
	}
	return errors.NewInternalError(fmt.Sprintf("query execution failed: %v", err), err)
}
