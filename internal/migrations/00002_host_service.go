package migrations

import (
	"database/sql"

	"github.com/pressly/goose"
)

func init() {
	goose.AddMigration(up00002, down00002)
}

// Hosts block deletion of the scan that owns them. Services go away with
// either their host or their scan.
func up00002(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE host (
			id integer PRIMARY KEY AUTOINCREMENT,
			hostname text NOT NULL DEFAULT '',
			hostname_type text NOT NULL DEFAULT '',
			ip_address text NOT NULL UNIQUE,
			ip_sort integer NOT NULL,
			mac_address text NOT NULL DEFAULT '',
			scan_id integer NOT NULL REFERENCES scan (id) ON DELETE RESTRICT,
			assessment_status text NOT NULL DEFAULT 'New',
			os_name text NOT NULL DEFAULT '',
			os_family text NOT NULL DEFAULT '',
			os_vendor text NOT NULL DEFAULT '',
			os_gen text NOT NULL DEFAULT '',
			os_type text NOT NULL DEFAULT '',
			state text NOT NULL CHECK (state IN ('up', 'dn')),
			state_reason text NOT NULL DEFAULT '',
			category text NOT NULL DEFAULT '',
			criticality integer NOT NULL DEFAULT 50 CHECK (criticality BETWEEN 1 AND 100),
			date_discovered datetime NOT NULL,
			date_last_seen datetime NOT NULL,
			count_scanned integer NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX host_scan_idx ON host (scan_id)`,
		`CREATE TABLE service (
			id integer PRIMARY KEY AUTOINCREMENT,
			port_number integer NOT NULL CHECK (port_number BETWEEN 1 AND 65535),
			port_proto text NOT NULL,
			service_name text NOT NULL DEFAULT '',
			product_name text NOT NULL DEFAULT '',
			product_version text NOT NULL DEFAULT '',
			product_extrainfo text NOT NULL DEFAULT '',
			host_id integer NOT NULL REFERENCES host (id) ON DELETE CASCADE,
			scan_id integer NOT NULL REFERENCES scan (id) ON DELETE CASCADE,
			assessment_status text NOT NULL DEFAULT 'New',
			state text NOT NULL CHECK (state IN ('up', 'dn')),
			state_reason text NOT NULL DEFAULT '',
			category text NOT NULL DEFAULT '',
			attack_value integer NOT NULL DEFAULT 0 CHECK (attack_value BETWEEN 0 AND 100),
			notes text NOT NULL DEFAULT '',
			date_discovered datetime NOT NULL,
			date_last_seen datetime NOT NULL,
			count_scanned integer NOT NULL DEFAULT 1,
			UNIQUE (host_id, port_number, port_proto)
		)`,
		`CREATE INDEX service_scan_idx ON service (scan_id)`,
	}
	for _, stmt := range stmts {
		_, err := tx.Exec(stmt)
		if err != nil {
			return err
		}
	}
	return nil
}

func down00002(tx *sql.Tx) error {
	for _, stmt := range []string{`DROP TABLE service`, `DROP TABLE host`} {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
