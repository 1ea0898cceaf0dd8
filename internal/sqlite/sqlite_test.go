package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesog/scantrack/pkg/scan"
)

var t0 = time.Date(2021, 1, 9, 10, 0, 0, 0, time.UTC)

func createDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func service(port int, proto string, state scan.State, seen time.Time) scan.Service {
	return scan.Service{Port: port, Proto: proto, Name: "svc", State: state,
		FirstSeen: scan.Time{Time: seen}, LastSeen: scan.Time{Time: seen}}
}

func host(ip string, state scan.State, seen time.Time, services ...scan.Service) scan.Host {
	return scan.Host{IP: ip, State: state, StateReason: "syn-ack",
		FirstSeen: scan.Time{Time: seen}, LastSeen: scan.Time{Time: seen}, Services: services}
}

func newScan(t *testing.T, name string, start time.Time, hosts ...scan.Host) *scan.Scan {
	t.Helper()
	s, err := scan.NewScan(name, scan.Document{Start: start, End: start.Add(time.Minute), Hosts: hosts})
	require.NoError(t, err)
	return s
}

func saveScan(t *testing.T, db *DB, s *scan.Scan, hosts []scan.Host, now time.Time) scan.UpsertStats {
	t.Helper()
	stats, err := db.SaveScan(context.Background(), s, hosts, now)
	require.NoError(t, err)
	return stats
}

func TestLoadScansWithNoResults(t *testing.T) {
	db := createDB(t)
	scans, err := db.LoadScans(SQLFilter{})
	require.NoError(t, err)
	assert.Empty(t, scans)

	sum, err := db.Summary()
	require.NoError(t, err)
	assert.Equal(t, scan.Summary{}, sum)
}

func TestSaveScan(t *testing.T) {
	db := createDB(t)
	end := t0.Add(time.Minute)
	hosts := []scan.Host{
		host("192.0.2.10", scan.Up, end, service(22, "tcp", scan.Up, end), service(23, "tcp", scan.Down, end)),
		host("192.0.2.9", scan.Up, end, service(80, "tcp", scan.Up, end)),
		host("192.0.2.200", scan.Down, end),
	}
	s := newScan(t, "weekly", t0, hosts...)
	s.MD5 = "d41d8cd98f00b204e9800998ecf8427e"

	stats := saveScan(t, db, s, hosts, t0.Add(time.Hour))
	assert.Equal(t, scan.UpsertStats{HostsAdded: 3, ServicesAdded: 2, ServicesSkipped: 1}, stats)
	require.NotZero(t, s.ID)

	got, err := db.LoadScan(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "weekly", got.Name)
	assert.Equal(t, time.Minute, got.Duration)
	assert.Equal(t, 2, got.LiveHosts)
	assert.True(t, got.Start.Equal(t0))

	// Hosts sort numerically, not lexically.
	require.Len(t, got.Hosts, 3)
	assert.Equal(t, "192.0.2.9", got.Hosts[0].IP)
	assert.Equal(t, "192.0.2.10", got.Hosts[1].IP)
	assert.Equal(t, "192.0.2.200", got.Hosts[2].IP)
	assert.Equal(t, scan.DefaultCriticality, got.Hosts[0].Criticality)
	assert.Equal(t, scan.DefaultStatus, got.Hosts[0].Status)
	assert.Equal(t, 1, got.Hosts[0].CountScanned)

	require.Len(t, got.Services, 2)
	assert.Equal(t, "192.0.2.9", got.Services[0].IP)
	assert.Equal(t, 80, got.Services[0].Port)
	assert.Equal(t, 1, got.Services[0].CountScanned)
	assert.Equal(t, 0, got.Services[0].AttackValue)

	imported, err := db.FileImported(s.MD5)
	require.NoError(t, err)
	assert.True(t, imported)

	sum, err := db.Summary()
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Scans)
	assert.Equal(t, 3, sum.Hosts)
	assert.Equal(t, 2, sum.LiveHosts)
	assert.Equal(t, 2, sum.Services)
}

func TestSaveScanMergesExistingRecords(t *testing.T) {
	db := createDB(t)
	first := t0.Add(time.Minute)
	hosts := []scan.Host{
		host("192.0.2.1", scan.Up, first, service(22, "tcp", scan.Up, first), service(80, "tcp", scan.Up, first)),
		host("192.0.2.2", scan.Up, first),
	}
	hosts[0].OSName = "Linux 4.x"
	s1 := newScan(t, "first", t0, hosts...)
	saveScan(t, db, s1, hosts, t0)

	// Triage done between scans must survive the merge.
	crit, cat := 90, "server"
	var h1 scan.Host
	for _, h := range mustHosts(t, db) {
		if h.IP == "192.0.2.1" {
			h1 = h
		}
	}
	require.NoError(t, db.UpdateHost(h1.ID, scan.HostUpdate{Criticality: &crit, Category: &cat}))

	second := t0.Add(25 * time.Hour)
	hosts = []scan.Host{
		host("192.0.2.1", scan.Up, second, service(22, "tcp", scan.Up, second), service(80, "tcp", scan.Down, second)),
	}
	s2 := newScan(t, "second", second.Add(-time.Minute), hosts...)
	stats := saveScan(t, db, s2, hosts, second)
	assert.Equal(t, scan.UpsertStats{HostsUpdated: 1, ServicesUpdated: 2}, stats)

	all := mustHosts(t, db)
	require.Len(t, all, 2, "hosts must not be duplicated")

	h, err := db.LoadHost(h1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, h.CountScanned)
	assert.Equal(t, s2.ID, h.ScanID)
	assert.True(t, h.FirstSeen.Equal(first))
	assert.True(t, h.LastSeen.Equal(second))
	assert.Equal(t, "Linux 4.x", h.OSName)
	assert.Equal(t, 90, h.Criticality)
	assert.Equal(t, "server", h.Category)

	require.Len(t, h.Services, 2)
	assert.Equal(t, scan.Up, h.Services[0].State)
	assert.Equal(t, 2, h.Services[0].CountScanned)
	assert.Equal(t, scan.Down, h.Services[1].State, "a closed port is explicit confirmation")

	// 192.0.2.2 was not in the second scan so it stays up and owned by the first.
	other := all[1]
	assert.Equal(t, "192.0.2.2", other.IP)
	assert.Equal(t, scan.Up, other.State)
	assert.Equal(t, s1.ID, other.ScanID)
	assert.Equal(t, 1, other.CountScanned)
}

func TestSaveScanOlderObservation(t *testing.T) {
	db := createDB(t)
	newer := t0.Add(48 * time.Hour)
	hosts := []scan.Host{host("192.0.2.1", scan.Up, newer)}
	s1 := newScan(t, "newer", newer.Add(-time.Minute), hosts...)
	saveScan(t, db, s1, hosts, newer)

	older := t0.Add(time.Minute)
	hosts = []scan.Host{host("192.0.2.1", scan.Down, older)}
	s2 := newScan(t, "older", t0, hosts...)
	saveScan(t, db, s2, hosts, newer.Add(time.Hour))

	all := mustHosts(t, db)
	require.Len(t, all, 1)
	h := all[0]
	assert.Equal(t, scan.Up, h.State)
	assert.Equal(t, s1.ID, h.ScanID)
	assert.Equal(t, 2, h.CountScanned)
	assert.True(t, h.FirstSeen.Equal(older))
	assert.True(t, h.LastSeen.Equal(newer))
}

func TestSaveScanIndefiniteState(t *testing.T) {
	db := createDB(t)
	at := t0.Add(time.Minute)
	hosts := []scan.Host{
		host("192.0.2.1", scan.Up, at),
		host("192.0.2.2", scan.State("unknown"), at),
	}
	saveScan(t, db, newScan(t, "first", t0, hosts...), hosts, at)

	later := t0.Add(24 * time.Hour)
	hosts = []scan.Host{host("192.0.2.1", scan.State("skipped"), later.Add(time.Minute))}
	saveScan(t, db, newScan(t, "second", later, hosts...), hosts, later.Add(time.Hour))

	all := mustHosts(t, db)
	require.Len(t, all, 2)
	// An indefinite status never takes a host down
	assert.Equal(t, scan.Up, all[0].State)
	assert.Equal(t, 2, all[0].CountScanned)
	// and a new host in one is stored down
	assert.Equal(t, scan.Down, all[1].State)
}

func TestSaveScanRejects(t *testing.T) {
	db := createDB(t)
	hosts := []scan.Host{host("192.0.2.1", scan.Up, t0.Add(time.Minute))}
	s := newScan(t, "daily", t0, hosts...)
	s.MD5 = "abc"
	saveScan(t, db, s, hosts, t0)

	t.Run("DuplicateNameSameDay", func(t *testing.T) {
		dup := newScan(t, "daily", t0, hosts...)
		_, err := db.SaveScan(context.Background(), dup, hosts, t0.Add(time.Hour))
		assert.ErrorIs(t, err, scan.ErrDuplicateName)
	})

	t.Run("SameNameNextDay", func(t *testing.T) {
		next := newScan(t, "daily", t0, hosts...)
		_, err := db.SaveScan(context.Background(), next, hosts, t0.Add(24*time.Hour))
		assert.NoError(t, err)
	})

	t.Run("DuplicateFile", func(t *testing.T) {
		dup := newScan(t, "other", t0, hosts...)
		dup.MD5 = "abc"
		_, err := db.SaveScan(context.Background(), dup, hosts, t0)
		assert.ErrorIs(t, err, scan.ErrDuplicateFile)
	})

	t.Run("InvalidTimes", func(t *testing.T) {
		bad := &scan.Scan{Name: "backwards", Start: scan.Time{Time: t0}, End: scan.Time{Time: t0.Add(-time.Minute)}}
		_, err := db.SaveScan(context.Background(), bad, hosts, t0)
		assert.ErrorIs(t, err, scan.ErrInvalidTimes)
	})

	scans, err := db.LoadScans(SQLFilter{})
	require.NoError(t, err)
	assert.Len(t, scans, 2)
}

func TestLoadScansOrderedByCreation(t *testing.T) {
	db := createDB(t)
	for i, name := range []string{"c", "a", "b"} {
		s := newScan(t, name, t0)
		saveScan(t, db, s, nil, t0.Add(time.Duration(i)*time.Hour))
	}
	scans, err := db.LoadScans(SQLFilter{})
	require.NoError(t, err)
	require.Len(t, scans, 3)
	assert.Equal(t, "c", scans[0].Name)
	assert.Equal(t, "a", scans[1].Name)
	assert.Equal(t, "b", scans[2].Name)
}

func TestUpdateScanRecomputesDuration(t *testing.T) {
	db := createDB(t)
	s := newScan(t, "notes", t0)
	saveScan(t, db, s, nil, t0)

	_, err := db.Exec(`UPDATE scan SET duration=? WHERE id=?`, int64(time.Hour), s.ID)
	require.NoError(t, err)

	notes := "checked by ops"
	require.NoError(t, db.UpdateScan(s.ID, scan.ScanUpdate{Notes: &notes}, t0.Add(time.Hour)))

	got, err := db.LoadScan(s.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, got.Duration)
	assert.Equal(t, notes, got.Notes)
	assert.True(t, got.Modified.Equal(t0.Add(time.Hour)))

	assert.ErrorIs(t, db.UpdateScan(999, scan.ScanUpdate{}, t0), scan.ErrNotFound)
}

func TestDeleteScan(t *testing.T) {
	db := createDB(t)
	first := t0.Add(time.Minute)
	hosts := []scan.Host{host("192.0.2.1", scan.Up, first, service(22, "tcp", scan.Up, first), service(80, "tcp", scan.Up, first))}
	s1 := newScan(t, "first", t0, hosts...)
	saveScan(t, db, s1, hosts, t0)

	assert.ErrorIs(t, db.DeleteScan(s1.ID), scan.ErrScanProtected)

	// The second scan takes ownership of the host and port 22 only.
	second := t0.Add(2 * time.Hour)
	hosts = []scan.Host{host("192.0.2.1", scan.Up, second, service(22, "tcp", scan.Up, second))}
	s2 := newScan(t, "second", second.Add(-time.Minute), hosts...)
	saveScan(t, db, s2, hosts, second)

	require.NoError(t, db.DeleteScan(s1.ID))
	_, err := db.LoadScan(s1.ID)
	assert.ErrorIs(t, err, scan.ErrNotFound)

	services, err := db.LoadServices(SQLFilter{})
	require.NoError(t, err)
	require.Len(t, services, 1, "services owned by the deleted scan cascade")
	assert.Equal(t, 22, services[0].Port)

	assert.ErrorIs(t, db.DeleteScan(s2.ID), scan.ErrScanProtected)
	assert.ErrorIs(t, db.DeleteScan(999), scan.ErrNotFound)

	// The foreign key backs up the explicit check.
	_, err = db.Exec(`DELETE FROM scan WHERE id=?`, s2.ID)
	assert.Error(t, err)
}

func TestUpdateHostAndService(t *testing.T) {
	db := createDB(t)
	seen := t0.Add(time.Minute)
	hosts := []scan.Host{host("192.0.2.1", scan.Up, seen, service(443, "tcp", scan.Up, seen))}
	s := newScan(t, "triage", t0, hosts...)
	saveScan(t, db, s, hosts, t0)

	h := mustHosts(t, db)[0]
	status := "Tested"
	require.NoError(t, db.UpdateHost(h.ID, scan.HostUpdate{Status: &status}))
	require.NoError(t, db.UpdateHost(h.ID, scan.HostUpdate{}))

	zero := 0
	err := db.UpdateHost(h.ID, scan.HostUpdate{Criticality: &zero})
	assert.ErrorIs(t, err, scan.ErrConstraint)
	assert.ErrorIs(t, db.UpdateHost(999, scan.HostUpdate{Status: &status}), scan.ErrNotFound)
	assert.ErrorIs(t, db.UpdateHost(999, scan.HostUpdate{}), scan.ErrNotFound)

	got, err := db.LoadHost(h.ID)
	require.NoError(t, err)
	assert.Equal(t, "Tested", got.Status)
	assert.Equal(t, scan.DefaultCriticality, got.Criticality)
	require.Len(t, got.Services, 1)

	av, cat := 70, "remote access"
	svc := got.Services[0]
	require.NoError(t, db.UpdateService(svc.ID, scan.ServiceUpdate{AttackValue: &av, Category: &cat}))
	services, err := db.LoadServices(SQLFilter{Where: []string{"service.id=?"}, Values: []interface{}{svc.ID}})
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, 70, services[0].AttackValue)
	assert.Equal(t, "remote access", services[0].Category)
	assert.ErrorIs(t, db.UpdateService(999, scan.ServiceUpdate{Category: &cat}), scan.ErrNotFound)
}

func TestPolicies(t *testing.T) {
	db := createDB(t)
	policies, err := db.LoadPolicies()
	require.NoError(t, err)
	assert.Empty(t, policies)

	_, err = db.SavePolicy(scan.Policy{Name: "full tcp", ScanType: "Vulnerability", Arguments: "-sV -p-"})
	require.NoError(t, err)
	id, err := db.SavePolicy(scan.Policy{Name: "ping sweep", Arguments: "-sn"})
	require.NoError(t, err)

	_, err = db.SavePolicy(scan.Policy{Name: "ping sweep", Arguments: "-sn -PE"})
	assert.ErrorIs(t, err, scan.ErrDuplicateName)

	require.NoError(t, db.UpsertPolicy(scan.Policy{Name: "ping sweep", Arguments: "-sn -PE", Notes: "ICMP only"}))

	p, err := db.LoadPolicy(id)
	require.NoError(t, err)
	assert.Equal(t, "-sn -PE", p.Arguments)
	assert.Equal(t, scan.DefaultScanType, p.ScanType)
	assert.Equal(t, scan.DefaultOutputFile, p.OutputFilename)
	assert.Equal(t, "ICMP only", p.Notes)

	policies, err = db.LoadPolicies()
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, "ping sweep", policies[0].Name)
	assert.Equal(t, "full tcp", policies[1].Name)

	_, err = db.LoadPolicy(999)
	assert.ErrorIs(t, err, scan.ErrNotFound)
}

func TestAudit(t *testing.T) {
	db := createDB(t)
	require.NoError(t, db.SaveAudit(t0, "192.0.2.50", "upload_scan", "weekly"))
	entries, err := db.LoadAudit(SQLFilter{Where: []string{"action=?"}, Values: []interface{}{"upload_scan"}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "weekly", entries[0].Info)
	assert.True(t, entries[0].Time.Equal(t0))
}

func TestSQLFilter(t *testing.T) {
	var f SQLFilter
	assert.Equal(t, "", f.String())
	f2 := f.And("state=?", "up").And("scan_id=?", 1)
	assert.Equal(t, "WHERE state=? AND scan_id=?", f2.String())
	assert.Equal(t, []interface{}{"up", 1}, f2.Values)
	assert.Empty(t, f.Where)
}

func mustHosts(t *testing.T, db *DB) []scan.Host {
	t.Helper()
	hosts, err := db.LoadHosts(SQLFilter{})
	require.NoError(t, err)
	return hosts
}
