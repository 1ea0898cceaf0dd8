// Package nmapxml turns nmap XML output into a scan.Document.
package nmapxml

import (
	"fmt"
	"net"
	"strings"
	"time"

	nmap "github.com/Ullaakut/nmap/v3"
	log "github.com/sirupsen/logrus"

	"github.com/jamesog/scantrack/pkg/scan"
)

// Parse parses an nmap XML document.
//
// Hosts without an IPv4 address are skipped. A host listed more than once is
// folded into a single entry. Every port nmap listed is kept, with state up
// only for ports reported open.
func Parse(content []byte) (scan.Document, error) {
	run := &nmap.Run{}
	if err := nmap.Parse(content, run); err != nil {
		return scan.Document{}, fmt.Errorf("%w: %v", scan.ErrParse, err)
	}
	if run.Scanner != "nmap" {
		return scan.Document{}, fmt.Errorf("%w: scanner %q", scan.ErrUnsupportedType, run.Scanner)
	}

	doc := scan.Document{
		Arguments:   run.Args,
		Start:       time.Time(run.Start).UTC(),
		End:         time.Time(run.Stats.Finished.Time).UTC(),
		NmapVersion: run.Version,
		XMLVersion:  run.XMLOutputVersion,
	}
	if time.Time(run.Start).IsZero() || time.Time(run.Stats.Finished.Time).IsZero() {
		return scan.Document{}, fmt.Errorf("%w: run has no start or finish time", scan.ErrInvalidTimes)
	}

	seen := make(map[string]int)
	for i := range run.Hosts {
		h, ok := convertHost(&run.Hosts[i], doc.End)
		if !ok {
			log.WithField("addresses", run.Hosts[i].Addresses).Debug("Skipping host without an IPv4 address")
			continue
		}
		if j, dup := seen[h.IP]; dup {
			log.WithField("ip", h.IP).Debug("Merging repeated host entry")
			mergeHost(&doc.Hosts[j], h)
			continue
		}
		seen[h.IP] = len(doc.Hosts)
		doc.Hosts = append(doc.Hosts, h)
	}

	return doc, nil
}

func convertHost(h *nmap.Host, seen time.Time) (scan.Host, bool) {
	ip := pickIPv4(h)
	if ip == "" {
		return scan.Host{}, false
	}

	host := scan.Host{
		IP:          ip,
		MAC:         pickAddress(h, "mac"),
		State:       hostState(h.Status.State),
		StateReason: h.Status.Reason,
		FirstSeen:   scan.Time{Time: seen},
		LastSeen:    scan.Time{Time: seen},
	}
	if len(h.Hostnames) > 0 {
		host.Hostname = h.Hostnames[0].Name
		host.HostnameType = h.Hostnames[0].Type
	}
	// nmap lists OS matches best first.
	if len(h.OS.Matches) > 0 {
		m := h.OS.Matches[0]
		host.OSName = m.Name
		if len(m.Classes) > 0 {
			c := m.Classes[0]
			host.OSFamily = c.Family
			host.OSVendor = c.Vendor
			host.OSGen = c.OSGeneration
			host.OSType = c.Type
		}
	}

	for _, p := range h.Ports {
		host.Services = append(host.Services, scan.Service{
			Port:        int(p.ID),
			Proto:       strings.ToLower(p.Protocol),
			Name:        p.Service.Name,
			Product:     p.Service.Product,
			Version:     p.Service.Version,
			ExtraInfo:   p.Service.ExtraInfo,
			State:       portState(p.State.State),
			StateReason: p.State.Reason,
			FirstSeen:   scan.Time{Time: seen},
			LastSeen:    scan.Time{Time: seen},
		})
	}

	return host, true
}

// mergeHost folds a repeated entry for the same address into dst. Up wins
// over any other state and ports are combined, preferring open ones.
func mergeHost(dst *scan.Host, src scan.Host) {
	if src.State == scan.Up || (!dst.State.Valid() && src.State.Valid()) {
		dst.State = src.State
		dst.StateReason = src.StateReason
	}
	fill(&dst.Hostname, src.Hostname)
	fill(&dst.HostnameType, src.HostnameType)
	fill(&dst.MAC, src.MAC)
	fill(&dst.OSName, src.OSName)
	fill(&dst.OSFamily, src.OSFamily)
	fill(&dst.OSVendor, src.OSVendor)
	fill(&dst.OSGen, src.OSGen)
	fill(&dst.OSType, src.OSType)

	for _, svc := range src.Services {
		i := findService(dst.Services, svc.Port, svc.Proto)
		switch {
		case i < 0:
			dst.Services = append(dst.Services, svc)
		case svc.State == scan.Up && dst.Services[i].State != scan.Up:
			dst.Services[i] = svc
		}
	}
}

func fill(dst *string, src string) {
	if *dst == "" {
		*dst = src
	}
}

func findService(svcs []scan.Service, port int, proto string) int {
	for i, s := range svcs {
		if s.Port == port && s.Proto == proto {
			return i
		}
	}
	return -1
}

func pickIPv4(h *nmap.Host) string {
	addr := pickAddress(h, "ipv4")
	if ip := net.ParseIP(addr); ip == nil || ip.To4() == nil {
		return ""
	}
	return addr
}

func pickAddress(h *nmap.Host, addrType string) string {
	for _, a := range h.Addresses {
		if a.AddrType == addrType {
			return a.Addr
		}
	}
	return ""
}

// hostState maps an nmap host status. Only "up" and "down" are definite;
// anything else, such as "unknown" or "skipped", is returned as is and is
// not a valid State.
func hostState(s string) scan.State {
	switch strings.ToLower(s) {
	case "up":
		return scan.Up
	case "down":
		return scan.Down
	}
	return scan.State(strings.ToLower(s))
}

func portState(s string) scan.State {
	if strings.EqualFold(s, "open") {
		return scan.Up
	}
	return scan.Down
}
