package migrations

import (
	"database/sql"

	"github.com/pressly/goose"
)

func init() {
	goose.AddMigration(up00003, down00003)
}

func up00003(tx *sql.Tx) error {
	_, err := tx.Exec(`CREATE TABLE policy (
		id integer PRIMARY KEY AUTOINCREMENT,
		name text NOT NULL UNIQUE,
		scan_type text NOT NULL DEFAULT 'Discovery',
		arguments text NOT NULL,
		output_filename text NOT NULL DEFAULT 'nmap-scan-date.xml',
		notes text NOT NULL DEFAULT ''
	)`)
	return err
}

func down00003(tx *sql.Tx) error {
	_, err := tx.Exec(`DROP TABLE policy`)
	return err
}
