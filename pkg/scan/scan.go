// Package scan holds the domain types shared by the storage layer, the nmap
// document parser and the web handlers.
package scan

import (
	"time"
)

// State is the up/down state of a host or service.
type State string

// Valid host and service states. The stored values are two characters wide.
const (
	Up   State = "up"
	Down State = "dn"
)

// Valid reports whether s is one of the enumerated states.
func (s State) Valid() bool {
	return s == Up || s == Down
}

// Label is the human readable form used in the UI.
func (s State) Label() string {
	switch s {
	case Up:
		return "Live"
	case Down:
		return "Down"
	}
	return ""
}

// Default values for operator triage fields.
const (
	DefaultStatus      = "New"
	DefaultCriticality = 50
	DefaultScanType    = "Discovery"
	DefaultOutputFile  = "nmap-scan-date.xml"

	// HighValueCriticality is the criticality at and above which a host is
	// treated as a high value target.
	HighValueCriticality = 75
)

// Time wraps time.Time to implement a custom String method.
type Time struct {
	time.Time
}

const dateTime = "2006-01-02 15:04"

func (t Time) String() string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateTime)
}

// Scan is one ingestion event: a single uploaded nmap run.
type Scan struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	Arguments   string        `json:"arguments"`
	Start       Time          `json:"scan_start"`
	End         Time          `json:"scan_end"`
	Duration    time.Duration `json:"duration"`
	NmapVersion string        `json:"nmap_version"`
	XMLVersion  string        `json:"xml_version"`
	LiveHosts   int           `json:"count_live_hosts"`
	File        string        `json:"scan_file"`
	MD5         string        `json:"scan_md5"`
	Notes       string        `json:"notes"`
	Created     Time          `json:"date_created"`
	Modified    Time          `json:"date_modified"`

	Hosts    []Host    `json:"hosts,omitempty"`
	Services []Service `json:"services,omitempty"`
}

// Finalize recomputes the derived duration. It must be called before every
// write of the record so a stale duration is never persisted.
func (s *Scan) Finalize() error {
	if s.Start.IsZero() || s.End.IsZero() {
		return ErrInvalidTimes
	}
	if s.End.Before(s.Start.Time) {
		return ErrInvalidTimes
	}
	s.Duration = s.End.Sub(s.Start.Time)
	return nil
}

// Host is a discovered network endpoint.
type Host struct {
	ID           int64  `json:"id"`
	Hostname     string `json:"hostname"`
	HostnameType string `json:"hostname_type"`
	IP           string `json:"ip_address"`
	MAC          string `json:"mac_address"`
	ScanID       int64  `json:"scan_id"`
	Status       string `json:"assessment_status"`
	OSName       string `json:"os_name"`
	OSFamily     string `json:"os_family"`
	OSVendor     string `json:"os_vendor"`
	OSGen        string `json:"os_gen"`
	OSType       string `json:"os_type"`
	State        State  `json:"state"`
	StateReason  string `json:"state_reason"`
	Category     string `json:"category"`
	Criticality  int    `json:"criticality"`
	FirstSeen    Time   `json:"date_discovered"`
	LastSeen     Time   `json:"date_last_seen"`
	CountScanned int    `json:"count_scanned"`

	Services []Service `json:"services,omitempty"`
}

// HighValue reports whether the host's criticality marks it as a high value
// target.
func (h Host) HighValue() bool {
	return h.Criticality >= HighValueCriticality
}

// Merge folds a new observation of the same host into h.
//
// The counter always accumulates. Observations older than the last time the
// host was seen only move the first-seen time back; they never overwrite
// state or fingerprint fields. Otherwise non-empty fingerprint fields win and
// the state is taken from the observation, which always carries an explicit
// status for a host listed in a scan.
func (h *Host) Merge(obs Host) {
	h.CountScanned++
	if obs.LastSeen.Before(h.FirstSeen.Time) {
		h.FirstSeen = obs.LastSeen
	}
	if obs.LastSeen.Before(h.LastSeen.Time) {
		return
	}

	h.ScanID = obs.ScanID
	h.LastSeen = obs.LastSeen
	mergeString(&h.Hostname, obs.Hostname)
	mergeString(&h.HostnameType, obs.HostnameType)
	mergeString(&h.MAC, obs.MAC)
	mergeString(&h.OSName, obs.OSName)
	mergeString(&h.OSFamily, obs.OSFamily)
	mergeString(&h.OSVendor, obs.OSVendor)
	mergeString(&h.OSGen, obs.OSGen)
	mergeString(&h.OSType, obs.OSType)
	if obs.State.Valid() {
		h.State = obs.State
		h.StateReason = obs.StateReason
	}
}

// Service is an open network port on a host, observed during a scan.
type Service struct {
	ID           int64  `json:"id"`
	Port         int    `json:"port_number"`
	Proto        string `json:"port_proto"`
	Name         string `json:"service_name"`
	Product      string `json:"product_name"`
	Version      string `json:"product_version"`
	ExtraInfo    string `json:"product_extrainfo"`
	HostID       int64  `json:"host_id"`
	ScanID       int64  `json:"scan_id"`
	Status       string `json:"assessment_status"`
	State        State  `json:"state"`
	StateReason  string `json:"state_reason"`
	Category     string `json:"category"`
	AttackValue  int    `json:"attack_value"`
	Notes        string `json:"notes"`
	FirstSeen    Time   `json:"date_discovered"`
	LastSeen     Time   `json:"date_last_seen"`
	CountScanned int    `json:"count_scanned"`

	// IP is filled in on reads for display and is not stored on the
	// service row.
	IP string `json:"ip_address,omitempty"`
}

// Merge folds a new observation of the same host/port/proto into s, with the
// same rules as Host.Merge. A port reported in any state other than open is
// the explicit confirmation needed to mark the service down.
func (s *Service) Merge(obs Service) {
	s.CountScanned++
	if obs.LastSeen.Before(s.FirstSeen.Time) {
		s.FirstSeen = obs.LastSeen
	}
	if obs.LastSeen.Before(s.LastSeen.Time) {
		return
	}

	s.ScanID = obs.ScanID
	s.LastSeen = obs.LastSeen
	mergeString(&s.Name, obs.Name)
	mergeString(&s.Product, obs.Product)
	mergeString(&s.Version, obs.Version)
	mergeString(&s.ExtraInfo, obs.ExtraInfo)
	if obs.State.Valid() {
		s.State = obs.State
		s.StateReason = obs.StateReason
	}
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// Policy is a reusable, named set of nmap arguments.
type Policy struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	ScanType       string `json:"scan_type"`
	Arguments      string `json:"arguments"`
	OutputFilename string `json:"output_filename"`
	Notes          string `json:"notes"`
}

// Document is the parsed form of an uploaded scan file, before anything is
// reconciled against storage.
type Document struct {
	Arguments   string
	Start       time.Time
	End         time.Time
	NmapVersion string
	XMLVersion  string
	Hosts       []Host
}

// LiveHosts counts the hosts reported up.
func (d Document) LiveHosts() int {
	var n int
	for _, h := range d.Hosts {
		if h.State == Up {
			n++
		}
	}
	return n
}

// NewScan builds the finalized Scan record for a parsed document.
func NewScan(name string, d Document) (*Scan, error) {
	s := &Scan{
		Name:        name,
		Arguments:   d.Arguments,
		Start:       Time{d.Start},
		End:         Time{d.End},
		NmapVersion: d.NmapVersion,
		XMLVersion:  d.XMLVersion,
		LiveHosts:   d.LiveHosts(),
	}
	if err := s.Finalize(); err != nil {
		return nil, err
	}
	return s, nil
}

// UpsertStats summarises what the reconciliation of one document did.
type UpsertStats struct {
	HostsAdded      int `json:"hosts_added"`
	HostsUpdated    int `json:"hosts_updated"`
	ServicesAdded   int `json:"services_added"`
	ServicesUpdated int `json:"services_updated"`
	ServicesSkipped int `json:"services_skipped"`
}

// Summary is used for display in the UI and for metrics. It contains the
// number of items stored in the database.
type Summary struct {
	Scans     int
	Hosts     int
	LiveHosts int
	Services  int
	LastScan  Time
}
