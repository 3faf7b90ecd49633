// Package migrations embeds the index store's schema as versioned SQL
// files, applied in order with remind101/migrate.
package migrations

import (
	"database/sql"
	"embed"

	"github.com/remind101/migrate"
)

//go:embed *.sql
var fs embed.FS

func runFile(n string) func(*sql.Tx) error {
	b, err := fs.ReadFile(n)
	return func(tx *sql.Tx) error {
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(b)); err != nil {
			return err
		}
		return nil
	}
}

const MigrationTable = "urpm_index_migrations"

var Migrations = []migrate.Migration{
	{
		ID: 1,
		Up: runFile("01-init.sql"),
	},
	{
		ID: 2,
		Up: runFile("02-policy.sql"),
	},
}
