package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/n-kumar7/sqlagent/internal/schema"
)

const catalogQuery = `
SELECT table_schema, table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema NOT IN ('information_schema', 'pg_catalog')
ORDER BY table_schema, table_name, ordinal_position`

// Catalog reads the user-visible schema from information_schema.
type Catalog struct {
	pool *pgxpool.Pool
}

func NewCatalog(p *PgxPool) *Catalog {
	return &Catalog{pool: p.Raw()}
}

// Snapshot implements schema.Source. Tables are keyed "schema.table".
func (c *Catalog) Snapshot(ctx context.Context) (*schema.Snapshot, error) {
	rows, err := c.pool.Query(ctx, catalogQuery)
	if err != nil {
		return nil, fmt.Errorf("query information_schema: %w", err)
	}
	defer rows.Close()

	b := schema.NewBuilder()
	for rows.Next() {
		var tableSchema, tableName, column, dataType string
		if err := rows.Scan(&tableSchema, &tableName, &column, &dataType); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		b.Add(tableSchema+"."+tableName, column, dataType)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read information_schema: %w", err)
	}
	return b.Build(), nil
}
