package migrations

import (
	"database/sql"

	"github.com/pressly/goose"
)

func init() {
	goose.AddMigration(up00001, down00001)
}

// A scan name only has to be unique for the day it was created on.
func up00001(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE scan (
			id integer PRIMARY KEY AUTOINCREMENT,
			name text NOT NULL,
			arguments text NOT NULL DEFAULT '',
			scan_start datetime NOT NULL,
			scan_end datetime NOT NULL,
			duration integer NOT NULL CHECK (duration >= 0),
			nmap_version text NOT NULL DEFAULT '',
			xml_version text NOT NULL DEFAULT '',
			count_live_hosts integer NOT NULL DEFAULT 0,
			scan_file text NOT NULL DEFAULT '',
			scan_md5 text NOT NULL DEFAULT '',
			notes text NOT NULL DEFAULT '',
			created_day text NOT NULL,
			date_created datetime NOT NULL,
			date_modified datetime NOT NULL,
			UNIQUE (name, created_day)
		)`,
		`CREATE INDEX scan_md5_idx ON scan (scan_md5)`,
	}
	for _, stmt := range stmts {
		_, err := tx.Exec(stmt)
		if err != nil {
			return err
		}
	}
	return nil
}

func down00001(tx *sql.Tx) error {
	_, err := tx.Exec(`DROP TABLE scan`)
	return err
}
