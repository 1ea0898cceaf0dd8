package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jamesog/scantrack/pkg/scan"
)

const scanColumns = `id, name, arguments, scan_start, scan_end, duration, nmap_version, xml_version,
	count_live_hosts, scan_file, scan_md5, notes, date_created, date_modified`

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanScan(row rowScanner) (scan.Scan, error) {
	var s scan.Scan
	var duration int64
	err := row.Scan(&s.ID, &s.Name, &s.Arguments, &s.Start.Time, &s.End.Time, &duration,
		&s.NmapVersion, &s.XMLVersion, &s.LiveHosts, &s.File, &s.MD5, &s.Notes,
		&s.Created.Time, &s.Modified.Time)
	s.Duration = time.Duration(duration)
	return s, err
}

// LoadScans retrieves scans, oldest first.
func (db *DB) LoadScans(filter SQLFilter) ([]scan.Scan, error) {
	qry := fmt.Sprintf(`SELECT %s FROM scan %s ORDER BY date_created, id`, scanColumns, filter)
	rows, err := db.Query(qry, filter.Values...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scans []scan.Scan
	for rows.Next() {
		s, err := scanScan(rows)
		if err != nil {
			log.Println("LoadScans: error scanning table:", err)
			return nil, err
		}
		scans = append(scans, s)
	}
	return scans, rows.Err()
}

// LoadScan retrieves a single scan with the hosts and services it observed.
func (db *DB) LoadScan(id int64) (scan.Scan, error) {
	row := db.QueryRow(fmt.Sprintf(`SELECT %s FROM scan WHERE id=?`, scanColumns), id)
	s, err := scanScan(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return scan.Scan{}, fmt.Errorf("scan %d: %w", id, scan.ErrNotFound)
	case err != nil:
		return scan.Scan{}, err
	}

	s.Hosts, err = db.LoadHosts(SQLFilter{
		Where:  []string{`id IN (SELECT host_id FROM scan_host WHERE scan_id=?)`},
		Values: []interface{}{id},
	})
	if err != nil {
		return scan.Scan{}, err
	}
	s.Services, err = db.LoadServices(SQLFilter{
		Where:  []string{`service.id IN (SELECT service_id FROM scan_service WHERE scan_id=?)`},
		Values: []interface{}{id},
	})
	if err != nil {
		return scan.Scan{}, err
	}
	return s, nil
}

// FileImported reports whether a scan file with the given MD5 has already
// been stored.
func (db *DB) FileImported(md5 string) (bool, error) {
	var x int
	err := db.QueryRow(`SELECT 1 FROM scan WHERE scan_md5=? LIMIT 1`, md5).Scan(&x)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// SaveScan stores a new scan and reconciles the hosts and services it
// observed against the stored ones, all in one transaction.
//
// Hosts are matched by IP address and services by host, port and protocol.
// See scan.Host.Merge and scan.Service.Merge for how fields are combined.
// Services first seen in a state other than open are not stored.
func (db *DB) SaveScan(ctx context.Context, s *scan.Scan, hosts []scan.Host, now time.Time) (scan.UpsertStats, error) {
	var stats scan.UpsertStats

	if err := s.Finalize(); err != nil {
		return stats, err
	}
	now = now.UTC().Truncate(time.Second)
	day := now.Format("2006-01-02")

	txn, err := db.BeginTx(ctx, nil)
	if err != nil {
		return stats, err
	}
	defer txn.Rollback()

	// Because we have to scan into something
	var x int
	err = txn.QueryRow(`SELECT 1 FROM scan WHERE name=? AND created_day=?`, s.Name, day).Scan(&x)
	switch {
	case err == nil:
		return stats, fmt.Errorf("scan %q already exists for %s: %w", s.Name, day, scan.ErrDuplicateName)
	case !errors.Is(err, sql.ErrNoRows):
		return stats, err
	}
	if s.MD5 != "" {
		err = txn.QueryRow(`SELECT 1 FROM scan WHERE scan_md5=?`, s.MD5).Scan(&x)
		switch {
		case err == nil:
			return stats, fmt.Errorf("md5 %s: %w", s.MD5, scan.ErrDuplicateFile)
		case !errors.Is(err, sql.ErrNoRows):
			return stats, err
		}
	}

	res, err := txn.Exec(`INSERT INTO scan (name, arguments, scan_start, scan_end, duration, nmap_version,
		xml_version, count_live_hosts, scan_file, scan_md5, notes, created_day, date_created, date_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Name, s.Arguments, s.Start.UTC(), s.End.UTC(), int64(s.Duration), s.NmapVersion,
		s.XMLVersion, s.LiveHosts, s.File, s.MD5, s.Notes, day, now, now)
	if err != nil {
		return stats, constraintErr(err)
	}
	s.ID, err = res.LastInsertId()
	if err != nil {
		return stats, err
	}
	s.Created = scan.Time{Time: now}
	s.Modified = scan.Time{Time: now}

	u, err := prepareUpserter(txn)
	if err != nil {
		return stats, err
	}
	defer u.close()

	for _, h := range hosts {
		h.ScanID = s.ID
		hostID, err := u.host(h, &stats)
		if err != nil {
			return stats, fmt.Errorf("host %s: %w", h.IP, err)
		}
		for _, svc := range h.Services {
			svc.ScanID = s.ID
			svc.HostID = hostID
			if err := u.service(svc, &stats); err != nil {
				return stats, fmt.Errorf("service %s %d/%s: %w", h.IP, svc.Port, svc.Proto, err)
			}
		}
	}

	if err := txn.Commit(); err != nil {
		return stats, err
	}
	return stats, nil
}

// UpdateScan changes the operator editable fields of a scan. The duration
// is recomputed on every save.
func (db *DB) UpdateScan(id int64, u scan.ScanUpdate, now time.Time) error {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	s, err := scanScan(txn.QueryRow(fmt.Sprintf(`SELECT %s FROM scan WHERE id=?`, scanColumns), id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("scan %d: %w", id, scan.ErrNotFound)
	case err != nil:
		return err
	}

	if u.Notes != nil {
		s.Notes = *u.Notes
	}
	if err := s.Finalize(); err != nil {
		return err
	}

	_, err = txn.Exec(`UPDATE scan SET notes=?, duration=?, date_modified=? WHERE id=?`,
		s.Notes, int64(s.Duration), now.UTC().Truncate(time.Second), id)
	if err != nil {
		return constraintErr(err)
	}
	return txn.Commit()
}

// DeleteScan deletes a scan along with the services it owns. A scan which
// still owns hosts can't be deleted.
func (db *DB) DeleteScan(id int64) error {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	var hosts int
	err = txn.QueryRow(`SELECT (SELECT count(*) FROM host WHERE scan_id=?) FROM scan WHERE id=?`, id, id).Scan(&hosts)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("scan %d: %w", id, scan.ErrNotFound)
	case err != nil:
		return err
	case hosts > 0:
		return fmt.Errorf("scan %d owns %d hosts: %w", id, hosts, scan.ErrScanProtected)
	}

	_, err = txn.Exec(`DELETE FROM scan WHERE id=?`, id)
	if err != nil {
		return constraintErr(err)
	}
	return txn.Commit()
}
