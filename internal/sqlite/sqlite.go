package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose"
	log "github.com/sirupsen/logrus"

	// Schema migrations register themselves with goose.
	_ "github.com/jamesog/scantrack/internal/migrations"
	"github.com/jamesog/scantrack/pkg/scan"
)

// DefaultDBFile is the default SQLite database file name.
const DefaultDBFile = "scantrack.db"

// DB is the database.
type DB struct {
	*sql.DB
}

// dsnOptions are appended to every DSN. Foreign keys are needed for the
// protected and cascading deletes; immediate transactions make concurrent
// uploads queue at BEGIN instead of failing on lock upgrade.
var dsnOptions = []string{"_foreign_keys=1", "_txlock=immediate", "_busy_timeout=5000"}

func withOptions(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(dsnOptions, "&")
}

// Open creates a new SQLite database object and brings the schema up to
// date.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite3", withOptions(dsn))
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; one connection keeps every request
	// queueing on the pool instead of on the file lock.
	db.SetMaxOpenConns(1)

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	// Run migrations
	goose.SetDialect("sqlite3")
	// Use a temporary directory for goose.Up() - we don't have any .sql files
	// to run, it's all embedded in the binary
	tmpdir, err := os.MkdirTemp("", "scantrack-migrations")
	if err != nil {
		db.Close()
		return nil, err
	}
	defer os.RemoveAll(tmpdir)

	// Discard Goose's log output unless debugging
	gooseLog := log.New()
	gooseLog.SetLevel(log.GetLevel())
	if !log.IsLevelEnabled(log.DebugLevel) {
		gooseLog.SetOutput(io.Discard)
	}
	goose.SetLogger(gooseLog)
	err = goose.Up(db, tmpdir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error running database migrations: %w", err)
	}

	return &DB{DB: db}, nil
}

// SQLFilter is for constructing data filters ("WHERE" clauses) in a SQL statement
type SQLFilter struct {
	Where  []string
	Values []interface{}
}

// String constructs a SQL WHERE clause.
func (f SQLFilter) String() string {
	if len(f.Where) > 0 {
		return "WHERE " + strings.Join(f.Where, " AND ")
	}
	return ""
}

// And adds a condition to the filter.
func (f SQLFilter) And(where string, values ...interface{}) SQLFilter {
	f.Where = append(f.Where[:len(f.Where):len(f.Where)], where)
	f.Values = append(f.Values[:len(f.Values):len(f.Values)], values...)
	return f
}

// constraintErr maps SQLite constraint failures onto the scan error kinds.
func constraintErr(err error) error {
	var serr sqlite3.Error
	if !errors.As(err, &serr) || serr.Code != sqlite3.ErrConstraint {
		return err
	}
	switch serr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return fmt.Errorf("%w: %v", scan.ErrDuplicateName, err)
	}
	return fmt.Errorf("%w: %v", scan.ErrConstraint, err)
}

// Summary counts the stored records.
func (db *DB) Summary() (scan.Summary, error) {
	var s scan.Summary
	err := db.QueryRow(`SELECT
		(SELECT count(*) FROM scan),
		(SELECT count(*) FROM host),
		(SELECT count(*) FROM host WHERE state = 'up'),
		(SELECT count(*) FROM service)`).Scan(&s.Scans, &s.Hosts, &s.LiveHosts, &s.Services)
	if err != nil {
		return scan.Summary{}, err
	}

	var last time.Time
	err = db.QueryRow(`SELECT date_created FROM scan ORDER BY id DESC LIMIT 1`).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return scan.Summary{}, err
	}
	s.LastScan = scan.Time{Time: last}
	return s, nil
}
