// Package ingest takes an uploaded nmap XML file through intake, parsing and
// storage.
package ingest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jamesog/scantrack/internal/nmapxml"
	"github.com/jamesog/scantrack/pkg/scan"
)

// FileDir is the directory under the data directory where raw scan files
// are kept.
const FileDir = "scan_files"

// Store is the storage needed by the pipeline.
type Store interface {
	FileImported(md5 string) (bool, error)
	SaveScan(ctx context.Context, s *scan.Scan, hosts []scan.Host, now time.Time) (scan.UpsertStats, error)
}

// Pipeline ingests uploaded scan files.
type Pipeline struct {
	store Store
	dir   string
	now   func() time.Time
}

// New returns a Pipeline which stores raw files under dataDir.
func New(store Store, dataDir string) *Pipeline {
	return &Pipeline{store: store, dir: dataDir, now: time.Now}
}

// Upload is one submitted scan file.
type Upload struct {
	Name        string
	Filename    string
	Content     []byte
	ExpectedMD5 string
}

var md5Pattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// Validate checks the upload's fields. The returned error wraps both
// scan.ErrMalformedUpload and the scan.FieldErrors.
func (u Upload) Validate() error {
	errs := scan.ValidateScanName(u.Name)
	switch {
	case u.Filename == "" && u.Content == nil:
		errs.Add("scan_file", "is required")
	case len(u.Content) == 0:
		errs.Add("scan_file", "is empty")
	}
	if u.ExpectedMD5 != "" && !md5Pattern.MatchString(u.ExpectedMD5) {
		errs.Add("md5", "must be 32 hexadecimal characters")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", scan.ErrMalformedUpload, errs)
	}
	return nil
}

// Result describes a stored scan.
type Result struct {
	Scan  *scan.Scan       `json:"scan"`
	Stats scan.UpsertStats `json:"stats"`
}

// Ingest validates, parses and stores an upload. Nothing is written when an
// error is returned.
func (p *Pipeline) Ingest(ctx context.Context, u Upload) (Result, error) {
	if err := u.Validate(); err != nil {
		return Result{}, err
	}
	if err := checkType(u.Filename, u.Content); err != nil {
		return Result{}, err
	}

	sum := md5.Sum(u.Content)
	md5sum := hex.EncodeToString(sum[:])
	if u.ExpectedMD5 != "" && !strings.EqualFold(u.ExpectedMD5, md5sum) {
		return Result{}, fmt.Errorf("%w: got %s, expected %s", scan.ErrChecksumMismatch, md5sum, u.ExpectedMD5)
	}
	imported, err := p.store.FileImported(md5sum)
	if err != nil {
		return Result{}, err
	}
	if imported {
		return Result{}, fmt.Errorf("md5 %s: %w", md5sum, scan.ErrDuplicateFile)
	}

	doc, err := nmapxml.Parse(u.Content)
	if err != nil {
		return Result{}, err
	}
	s, err := scan.NewScan(strings.TrimSpace(u.Name), doc)
	if err != nil {
		return Result{}, err
	}
	s.MD5 = md5sum

	now := p.now()
	s.File, err = p.writeFile(u.Filename, u.Content, now)
	if err != nil {
		return Result{}, fmt.Errorf("error storing scan file: %w", err)
	}

	stats, err := p.store.SaveScan(ctx, s, doc.Hosts, now)
	if err != nil {
		if rmErr := os.Remove(filepath.Join(p.dir, s.File)); rmErr != nil {
			log.WithError(rmErr).Warn("Couldn't remove scan file")
		}
		return Result{}, err
	}

	log.WithFields(log.Fields{
		"scan":             s.ID,
		"name":             s.Name,
		"file":             s.File,
		"hosts":            len(doc.Hosts),
		"live_hosts":       s.LiveHosts,
		"hosts_added":      stats.HostsAdded,
		"hosts_updated":    stats.HostsUpdated,
		"services_added":   stats.ServicesAdded,
		"services_updated": stats.ServicesUpdated,
	}).Info("Scan ingested")

	return Result{Scan: s, Stats: stats}, nil
}

// checkType accepts files named *.xml or whose content sniffs as XML.
func checkType(filename string, content []byte) error {
	if strings.EqualFold(path.Ext(baseName(filename)), ".xml") {
		return nil
	}
	ct := http.DetectContentType(content)
	if strings.HasPrefix(ct, "text/xml") {
		return nil
	}
	return fmt.Errorf("%w: %q is %s", scan.ErrUnsupportedType, filename, ct)
}

// baseName strips any client supplied directories, including Windows ones.
func baseName(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// writeFile stores content as scan_files/<year>/<uuid>-<name> and returns
// that path relative to the data directory.
func (p *Pipeline) writeFile(filename string, content []byte, now time.Time) (string, error) {
	name := baseName(filename)
	if name == "" {
		name = "scan.xml"
	}
	rel := filepath.Join(FileDir, strconv.Itoa(now.UTC().Year()), uuid.NewString()+"-"+name)

	full := filepath.Join(p.dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, content, 0o640); err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
