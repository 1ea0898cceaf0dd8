package migrations

import (
	"database/sql"

	"github.com/pressly/goose"
)

func init() {
	goose.AddMigration(up00004, down00004)
}

func up00004(tx *sql.Tx) error {
	_, err := tx.Exec(`CREATE TABLE audit (time datetime NOT NULL, user text, action text NOT NULL, info text)`)
	return err
}

func down00004(tx *sql.Tx) error {
	_, err := tx.Exec(`DROP TABLE audit`)
	return err
}
