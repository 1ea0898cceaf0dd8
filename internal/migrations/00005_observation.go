package migrations

import (
	"database/sql"

	"github.com/pressly/goose"
)

func init() {
	goose.AddMigration(up00005, down00005)
}

// Link every scan to the hosts and services it observed, with the state it
// observed them in. Ownership on host/service only tracks the latest scan.
func up00005(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE scan_host (
			scan_id integer NOT NULL REFERENCES scan (id) ON DELETE CASCADE,
			host_id integer NOT NULL REFERENCES host (id) ON DELETE CASCADE,
			state text NOT NULL,
			PRIMARY KEY (scan_id, host_id)
		)`,
		`CREATE TABLE scan_service (
			scan_id integer NOT NULL REFERENCES scan (id) ON DELETE CASCADE,
			service_id integer NOT NULL REFERENCES service (id) ON DELETE CASCADE,
			state text NOT NULL,
			PRIMARY KEY (scan_id, service_id)
		)`,
	}
	for _, stmt := range stmts {
		_, err := tx.Exec(stmt)
		if err != nil {
			return err
		}
	}
	return nil
}

func down00005(tx *sql.Tx) error {
	for _, stmt := range []string{`DROP TABLE scan_service`, `DROP TABLE scan_host`} {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
