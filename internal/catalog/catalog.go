// Package catalog checks and expands references to catalog databases and
// tables.
package catalog

import (
	"context"
	"fmt"
)

type Client interface {
	DatabaseExists(ctx context.Context, database string) (bool, error)
	TableExists(ctx context.Context, database, table string) (bool, error)
	ListTables(ctx context.Context, database string) ([]string, error)
}

// MissingError names a database, table or table pattern that is not in the
// catalog.
type MissingError struct {
	Database string
	Table    string
}

func (e *MissingError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("database %s does not exist", e.Database)
	}
	return fmt.Sprintf("table %s does not exist in database %s", e.Table, e.Database)
}
