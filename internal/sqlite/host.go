package sqlite

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jamesog/scantrack/pkg/scan"
)

const hostColumns = `id, hostname, hostname_type, ip_address, mac_address, scan_id, assessment_status,
	os_name, os_family, os_vendor, os_gen, os_type, state, state_reason, category, criticality,
	date_discovered, date_last_seen, count_scanned`

const serviceColumns = `service.id, port_number, port_proto, service_name, product_name, product_version,
	product_extrainfo, host_id, service.scan_id, service.assessment_status, service.state,
	service.state_reason, service.category, attack_value, notes, service.date_discovered,
	service.date_last_seen, service.count_scanned`

func scanHost(row rowScanner) (scan.Host, error) {
	var h scan.Host
	err := row.Scan(&h.ID, &h.Hostname, &h.HostnameType, &h.IP, &h.MAC, &h.ScanID, &h.Status,
		&h.OSName, &h.OSFamily, &h.OSVendor, &h.OSGen, &h.OSType, &h.State, &h.StateReason,
		&h.Category, &h.Criticality, &h.FirstSeen.Time, &h.LastSeen.Time, &h.CountScanned)
	return h, err
}

func scanService(row rowScanner, extra ...interface{}) (scan.Service, error) {
	var s scan.Service
	dest := []interface{}{&s.ID, &s.Port, &s.Proto, &s.Name, &s.Product, &s.Version,
		&s.ExtraInfo, &s.HostID, &s.ScanID, &s.Status, &s.State,
		&s.StateReason, &s.Category, &s.AttackValue, &s.Notes, &s.FirstSeen.Time,
		&s.LastSeen.Time, &s.CountScanned}
	err := row.Scan(append(dest, extra...)...)
	return s, err
}

// ipSort turns an IPv4 address into an integer so hosts sort numerically.
func ipSort(ip string) int64 {
	v4 := net.ParseIP(ip).To4()
	if v4 == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint32(v4))
}

// LoadHosts retrieves hosts ordered by IP address.
func (db *DB) LoadHosts(filter SQLFilter) ([]scan.Host, error) {
	qry := fmt.Sprintf(`SELECT %s FROM host %s ORDER BY ip_sort`, hostColumns, filter)
	rows, err := db.Query(qry, filter.Values...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []scan.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			log.Println("LoadHosts: error scanning table:", err)
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// LoadHost retrieves a single host with all of its services.
func (db *DB) LoadHost(id int64) (scan.Host, error) {
	h, err := scanHost(db.QueryRow(fmt.Sprintf(`SELECT %s FROM host WHERE id=?`, hostColumns), id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return scan.Host{}, fmt.Errorf("host %d: %w", id, scan.ErrNotFound)
	case err != nil:
		return scan.Host{}, err
	}

	h.Services, err = db.LoadServices(SQLFilter{Where: []string{`host_id=?`}, Values: []interface{}{id}})
	if err != nil {
		return scan.Host{}, err
	}
	return h, nil
}

// LoadServices retrieves services ordered by host, port and protocol. Filter
// columns which exist on both tables must be qualified with "service.".
func (db *DB) LoadServices(filter SQLFilter) ([]scan.Service, error) {
	qry := fmt.Sprintf(`SELECT %s, host.ip_address FROM service JOIN host ON host.id = service.host_id %s
		ORDER BY host.ip_sort, port_number, port_proto`, serviceColumns, filter)
	rows, err := db.Query(qry, filter.Values...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []scan.Service
	for rows.Next() {
		var ip string
		s, err := scanService(rows, &ip)
		if err != nil {
			log.Println("LoadServices: error scanning table:", err)
			return nil, err
		}
		s.IP = ip
		services = append(services, s)
	}
	return services, rows.Err()
}

// update runs a partial UPDATE of the given columns on a single row.
func (db *DB) update(table string, id int64, sets []string, values []interface{}) error {
	var x int
	if len(sets) == 0 {
		err := db.QueryRow(fmt.Sprintf(`SELECT 1 FROM %s WHERE id=?`, table), id).Scan(&x)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s %d: %w", table, id, scan.ErrNotFound)
		}
		return err
	}

	txn, err := db.Begin()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	qry := fmt.Sprintf(`UPDATE %s SET %s WHERE id=?`, table, strings.Join(sets, ", "))
	res, err := txn.Exec(qry, append(values, id)...)
	if err != nil {
		return constraintErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %d: %w", table, id, scan.ErrNotFound)
	}
	return txn.Commit()
}

// UpdateHost changes the triage fields of a host.
func (db *DB) UpdateHost(id int64, u scan.HostUpdate) error {
	var sets []string
	var values []interface{}
	if u.Category != nil {
		sets = append(sets, "category=?")
		values = append(values, *u.Category)
	}
	if u.Criticality != nil {
		sets = append(sets, "criticality=?")
		values = append(values, *u.Criticality)
	}
	if u.Status != nil {
		sets = append(sets, "assessment_status=?")
		values = append(values, *u.Status)
	}
	return db.update("host", id, sets, values)
}

// UpdateService changes the triage fields of a service.
func (db *DB) UpdateService(id int64, u scan.ServiceUpdate) error {
	var sets []string
	var values []interface{}
	if u.Category != nil {
		sets = append(sets, "category=?")
		values = append(values, *u.Category)
	}
	if u.AttackValue != nil {
		sets = append(sets, "attack_value=?")
		values = append(values, *u.AttackValue)
	}
	if u.Status != nil {
		sets = append(sets, "assessment_status=?")
		values = append(values, *u.Status)
	}
	if u.Notes != nil {
		sets = append(sets, "notes=?")
		values = append(values, *u.Notes)
	}
	return db.update("service", id, sets, values)
}

// upserter holds the prepared statements used to reconcile one scan's hosts
// and services inside its transaction.
type upserter struct {
	stmts []*sql.Stmt

	selectHost, insertHost, updateHost, linkHost             *sql.Stmt
	selectService, insertService, updateService, linkService *sql.Stmt
}

func prepareUpserter(txn *sql.Tx) (*upserter, error) {
	u := &upserter{}
	queries := []struct {
		stmt **sql.Stmt
		qry  string
	}{
		{&u.selectHost, fmt.Sprintf(`SELECT %s FROM host WHERE ip_address=?`, hostColumns)},
		{&u.insertHost, `INSERT INTO host (hostname, hostname_type, ip_address, ip_sort, mac_address,
			scan_id, assessment_status, os_name, os_family, os_vendor, os_gen, os_type, state,
			state_reason, criticality, date_discovered, date_last_seen, count_scanned)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`},
		{&u.updateHost, `UPDATE host SET hostname=?, hostname_type=?, mac_address=?, scan_id=?,
			os_name=?, os_family=?, os_vendor=?, os_gen=?, os_type=?, state=?, state_reason=?,
			date_discovered=?, date_last_seen=?, count_scanned=? WHERE id=?`},
		{&u.linkHost, `INSERT OR REPLACE INTO scan_host (scan_id, host_id, state) VALUES (?, ?, ?)`},
		{&u.selectService, fmt.Sprintf(`SELECT %s FROM service WHERE host_id=? AND port_number=? AND port_proto=?`, serviceColumns)},
		{&u.insertService, `INSERT INTO service (port_number, port_proto, service_name, product_name,
			product_version, product_extrainfo, host_id, scan_id, assessment_status, state, state_reason,
			date_discovered, date_last_seen, count_scanned)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`},
		{&u.updateService, `UPDATE service SET service_name=?, product_name=?, product_version=?,
			product_extrainfo=?, scan_id=?, state=?, state_reason=?, date_discovered=?, date_last_seen=?,
			count_scanned=? WHERE id=?`},
		{&u.linkService, `INSERT OR REPLACE INTO scan_service (scan_id, service_id, state) VALUES (?, ?, ?)`},
	}
	for _, q := range queries {
		stmt, err := txn.Prepare(q.qry)
		if err != nil {
			u.close()
			return nil, err
		}
		*q.stmt = stmt
		u.stmts = append(u.stmts, stmt)
	}
	return u, nil
}

func (u *upserter) close() {
	for _, stmt := range u.stmts {
		stmt.Close()
	}
}

// host inserts or merges an observed host and links it to the observing
// scan. It returns the stored host's ID.
func (u *upserter) host(obs scan.Host, stats *scan.UpsertStats) (int64, error) {
	var id int64
	existing, err := scanHost(u.selectHost.QueryRow(obs.IP))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// A new host in an indefinite state has never been seen up.
		state := obs.State
		if !state.Valid() {
			state = scan.Down
		}
		res, err := u.insertHost.Exec(obs.Hostname, obs.HostnameType, obs.IP, ipSort(obs.IP), obs.MAC,
			obs.ScanID, scan.DefaultStatus, obs.OSName, obs.OSFamily, obs.OSVendor, obs.OSGen, obs.OSType,
			state, obs.StateReason, scan.DefaultCriticality, utc(obs.LastSeen), utc(obs.LastSeen))
		if err != nil {
			return 0, constraintErr(err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, err
		}
		stats.HostsAdded++
	case err != nil:
		return 0, err
	default:
		existing.Merge(obs)
		_, err = u.updateHost.Exec(existing.Hostname, existing.HostnameType, existing.MAC, existing.ScanID,
			existing.OSName, existing.OSFamily, existing.OSVendor, existing.OSGen, existing.OSType,
			existing.State, existing.StateReason, utc(existing.FirstSeen), utc(existing.LastSeen),
			existing.CountScanned, existing.ID)
		if err != nil {
			return 0, constraintErr(err)
		}
		id = existing.ID
		stats.HostsUpdated++
	}

	if _, err := u.linkHost.Exec(obs.ScanID, id, obs.State); err != nil {
		return 0, err
	}
	return id, nil
}

// service inserts or merges an observed service and links it to the
// observing scan.
func (u *upserter) service(obs scan.Service, stats *scan.UpsertStats) error {
	var id int64
	existing, err := scanService(u.selectService.QueryRow(obs.HostID, obs.Port, obs.Proto))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if obs.State != scan.Up {
			stats.ServicesSkipped++
			return nil
		}
		res, err := u.insertService.Exec(obs.Port, obs.Proto, obs.Name, obs.Product, obs.Version,
			obs.ExtraInfo, obs.HostID, obs.ScanID, scan.DefaultStatus, obs.State, obs.StateReason,
			utc(obs.LastSeen), utc(obs.LastSeen))
		if err != nil {
			return constraintErr(err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		stats.ServicesAdded++
	case err != nil:
		return err
	default:
		existing.Merge(obs)
		_, err = u.updateService.Exec(existing.Name, existing.Product, existing.Version, existing.ExtraInfo,
			existing.ScanID, existing.State, existing.StateReason, utc(existing.FirstSeen),
			utc(existing.LastSeen), existing.CountScanned, existing.ID)
		if err != nil {
			return constraintErr(err)
		}
		id = existing.ID
		stats.ServicesUpdated++
	}

	_, err = u.linkService.Exec(obs.ScanID, id, obs.State)
	return err
}

func utc(t scan.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
