package sqlite

import (
	"fmt"
	"time"
)

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	Time   time.Time
	User   string
	Action string
	Info   string
}

// SaveAudit records an event in the audit log.
func (db *DB) SaveAudit(ts time.Time, user, event, info string) error {
	txn, err := db.Begin()
	if err != nil {
		return err
	}

	qry := `INSERT INTO audit (time, user, action, info) VALUES (?, ?, ?, ?)`
	_, err = txn.Exec(qry, ts, user, event, info)
	if err != nil {
		txn.Rollback()
		return err
	}

	return txn.Commit()
}

// LoadAudit retrieves audit log entries, newest first.
func (db *DB) LoadAudit(filter SQLFilter) ([]AuditEntry, error) {
	qry := fmt.Sprintf(`SELECT time, user, action, info FROM audit %s ORDER BY rowid DESC`, filter)
	rows, err := db.Query(qry, filter.Values...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Time, &e.User, &e.Action, &e.Info); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
