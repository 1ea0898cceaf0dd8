package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jamesog/scantrack/pkg/scan"
)

const policyColumns = `id, name, scan_type, arguments, output_filename, notes`

func scanPolicy(row rowScanner) (scan.Policy, error) {
	var p scan.Policy
	err := row.Scan(&p.ID, &p.Name, &p.ScanType, &p.Arguments, &p.OutputFilename, &p.Notes)
	return p, err
}

// LoadPolicies retrieves all scan policies ordered by scan type and name.
func (db *DB) LoadPolicies() ([]scan.Policy, error) {
	rows, err := db.Query(fmt.Sprintf(`SELECT %s FROM policy ORDER BY scan_type, name`, policyColumns))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []scan.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning policy: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// LoadPolicy retrieves a single policy.
func (db *DB) LoadPolicy(id int64) (scan.Policy, error) {
	p, err := scanPolicy(db.QueryRow(fmt.Sprintf(`SELECT %s FROM policy WHERE id=?`, policyColumns), id))
	if errors.Is(err, sql.ErrNoRows) {
		return scan.Policy{}, fmt.Errorf("policy %d: %w", id, scan.ErrNotFound)
	}
	return p, err
}

// SavePolicy stores a new policy. Names must be unique.
func (db *DB) SavePolicy(p scan.Policy) (int64, error) {
	p = p.WithDefaults()
	txn, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	qry := `INSERT INTO policy (name, scan_type, arguments, output_filename, notes) VALUES (?, ?, ?, ?, ?)`
	res, err := txn.Exec(qry, p.Name, p.ScanType, p.Arguments, p.OutputFilename, p.Notes)
	if err != nil {
		return 0, constraintErr(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	return id, txn.Commit()
}

// UpsertPolicy stores a policy, replacing the fields of any existing policy
// with the same name.
func (db *DB) UpsertPolicy(p scan.Policy) error {
	p = p.WithDefaults()
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	qry := `INSERT INTO policy (name, scan_type, arguments, output_filename, notes) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET scan_type=excluded.scan_type, arguments=excluded.arguments,
		output_filename=excluded.output_filename, notes=excluded.notes`
	_, err = txn.Exec(qry, p.Name, p.ScanType, p.Arguments, p.OutputFilename, p.Notes)
	if err != nil {
		return constraintErr(err)
	}

	return txn.Commit()
}
