package main

import (
	"crypto/tls"
	"embed"
	"errors"
	"flag"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/jamesog/scantrack/internal/ingest"
	"github.com/jamesog/scantrack/internal/policyfile"
	"github.com/jamesog/scantrack/internal/sqlite"
	"github.com/jamesog/scantrack/pkg/scan"
)

var (
	// Flag variables
	dataDir   string
	httpsAddr string
	verbose   bool

	// HTML templates
	tmpl *template.Template
)

// Templates and static files
//
//go:embed views static
var assets embed.FS

// Default upload size limit, overridden by -max.upload.
const defaultMaxUpload = 32 << 20

type storage interface {
	ingest.Store
	LoadScans(filter sqlite.SQLFilter) ([]scan.Scan, error)
	LoadScan(id int64) (scan.Scan, error)
	UpdateScan(id int64, u scan.ScanUpdate, now time.Time) error
	DeleteScan(id int64) error
	LoadHosts(filter sqlite.SQLFilter) ([]scan.Host, error)
	LoadHost(id int64) (scan.Host, error)
	UpdateHost(id int64, u scan.HostUpdate) error
	UpdateService(id int64, u scan.ServiceUpdate) error
	LoadPolicies() ([]scan.Policy, error)
	LoadPolicy(id int64) (scan.Policy, error)
	SavePolicy(p scan.Policy) (int64, error)
	UpsertPolicy(p scan.Policy) error
	Summary() (scan.Summary, error)
	SaveAudit(ts time.Time, user, event, info string) error
}

type indexData struct {
	URI     string
	Errors  []string
	Flashes []string
	Summary scan.Summary
	Scans   []scan.Scan
}

func (d *indexData) AddError(err string) {
	d.Errors = append(d.Errors, err)
}

type App struct {
	db        storage
	ingest    *ingest.Pipeline
	maxUpload int64
}

func newApp(db *sqlite.DB, dir string) *App {
	return &App{db: db, ingest: ingest.New(db, dir), maxUpload: defaultMaxUpload}
}

// page fills in the parts of indexData shared by every HTML page. Errors
// loading the summary aren't fatal, the navbar just shows zeroes.
func (app *App) page(w http.ResponseWriter, r *http.Request) indexData {
	sum, err := app.db.Summary()
	if err != nil {
		log.Println("page: couldn't load summary:", err)
	}
	return indexData{
		URI:     r.URL.Path,
		Flashes: flashes(w, r),
		Summary: sum,
	}
}

// Handler for GET /
func (app *App) index(w http.ResponseWriter, r *http.Request) {
	scans, err := app.db.LoadScans(sqlite.SQLFilter{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := app.page(w, r)
	data.Scans = scans
	tmpl.ExecuteTemplate(w, "index", data)
}

type scanDetailData struct {
	indexData
	Scan scan.Scan
}

// Handler for GET and POST /scans/{id}
func (app *App) scanDetail(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	data := scanDetailData{indexData: app.page(w, r)}
	status := http.StatusOK

	// Handle triage updates to the scan's hosts and services
	if r.Method == "POST" {
		err := r.ParseForm()
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		err = app.triageFormProcess(r.Form, clientIP(r))
		if err == nil {
			addFlash(w, r, "Changes saved")
			http.Redirect(w, r, r.URL.Path, http.StatusSeeOther)
			return
		}
		status = httpStatus(err)
		if status == http.StatusInternalServerError {
			log.Println("scanDetail: error saving triage:", err)
		}
		for _, msg := range errorMessages(err) {
			data.AddError(msg)
		}
	}

	data.Scan, err = app.db.LoadScan(id)
	switch {
	case errors.Is(err, scan.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	tmpl.ExecuteTemplate(w, "scan", data)
}

func urlID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// clientIP is the actor recorded in the audit log. RealIP has already
// replaced RemoteAddr when the request came through a proxy.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return ip
}

// redirectHTTPS is a middleware for redirecting non-HTTPS requests to HTTPS
func redirectHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, httpsPort, err := net.SplitHostPort(httpsAddr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if r.TLS == nil {
			url := r.URL
			url.Scheme = "https"
			host, _, err := net.SplitHostPort(r.Host)
			if err != nil {
				url.Host = r.Host
			} else {
				url.Host = host
			}
			if httpsPort != "443" {
				url.Host = net.JoinHostPort(url.Host, httpsPort)
			}
			http.Redirect(w, r, url.String(), http.StatusMovedPermanently)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (app *App) setupRouter(middlewares ...func(http.Handler) http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.Get("/", app.index)
	r.Route("/policies", func(r chi.Router) {
		r.Get("/", app.policies)
		r.Post("/", app.policies)
	})
	r.Route("/scans/{id}", func(r chi.Router) {
		r.Get("/", app.scanDetail)
		r.Post("/", app.scanDetail)
	})
	r.Route("/upload", func(r chi.Router) {
		r.Get("/", app.upload)
		r.Post("/", app.upload)
	})
	r.Mount("/api", app.apiRouter())
	r.Get("/static/*", http.FileServer(http.FS(assets)).ServeHTTP)

	return r
}

func setupTemplates() {
	funcMap := template.FuncMap{
		"join": func(sep string, s []string) string {
			return strings.Join(s, sep)
		},
	}

	tmpl = template.New("").Funcs(funcMap)

	views, err := fs.Glob(assets, "views/*.html")
	if err != nil {
		log.Fatal(err)
	}

	for _, file := range views {
		b, err := assets.ReadFile(file)
		if err != nil {
			log.Println(err)
			continue
		}
		t := tmpl.New(filepath.Base(file))
		template.Must(t.Parse(string(b)))
	}
}

// seedPolicies stores the policies from a YAML file, replacing existing
// policies with the same name.
func seedPolicies(db storage, name string) error {
	policies, err := policyfile.Load(name)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := db.UpsertPolicy(p); err != nil {
			return err
		}
	}
	log.WithField("file", name).Infof("Loaded %d policies", len(policies))
	return nil
}

func main() {
	flag.StringVar(&dataDir, "data.dir", ".", "Data directory `path`")
	httpAddr := flag.String("http.addr", ":80", "HTTP `address`:port")
	flag.StringVar(&httpsAddr, "https.addr", ":443", "HTTPS `address`:port")
	metricsAddr := flag.String("metrics.addr", "localhost:3000", "Metrics `address`:port")
	metricsTLS := flag.Bool("metrics.tls", false, "Enable AutoTLS for metrics, if -tls enabled\n"+
		"This is useful when exposing metrics on a public interface")
	enableTLS := flag.Bool("tls", false, "Enable AutoTLS")
	tlsHostname := flag.String("tls.hostname", "", "(Optional) Restrict AutoTLS to `hostname`")
	policiesFile := flag.String("policies", "", "(Optional) YAML `file` of scan policies to load at start-up\n"+
		"Relative paths are taken as relative to -data.dir")
	maxUpload := flag.Int64("max.upload", defaultMaxUpload, "Maximum upload size in `bytes`")
	flag.BoolVar(&verbose, "v", false, "Enable verbose logging")
	flag.Parse()

	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	// Disable TLS on metrics if TLS wasn't generally enabled as autocert
	// isn't set up.
	if !*enableTLS && *metricsTLS {
		log.Println("Info: Disabling -metrics.tls as -tls was not enabled")
		*metricsTLS = false
	}

	db, err := sqlite.Open(filepath.Join(dataDir, sqlite.DefaultDBFile))
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	app := newApp(db, dataDir)
	app.maxUpload = *maxUpload

	if *policiesFile != "" {
		if !filepath.IsAbs(*policiesFile) {
			*policiesFile = filepath.Join(dataDir, *policiesFile)
		}
		if err := seedPolicies(db, *policiesFile); err != nil {
			log.Fatalf("couldn't load policies: %v", err)
		}
	}

	setupSessions(dataDir)
	setupTemplates()

	var middlewares []func(http.Handler) http.Handler

	var m *autocert.Manager
	if *enableTLS {
		m = &autocert.Manager{
			Cache:  autocert.DirCache(filepath.Join(dataDir, ".cache")),
			Prompt: autocert.AcceptTOS,
		}
		if *tlsHostname != "" {
			m.HostPolicy = autocert.HostWhitelist(*tlsHostname)
		}
		middlewares = append(middlewares, m.HTTPHandler, redirectHTTPS)
	}

	r := app.setupRouter(middlewares...)

	// Common http.Server timeout values
	readTimeout := 30 * time.Second
	writeTimeout := 30 * time.Second
	idleTimeout := 120 * time.Second

	httpSrv := &http.Server{
		Addr:         *httpAddr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	metricsMux := chi.NewRouter()
	metricsMux.Use(middleware.RealIP)
	metricsMux.Use(middleware.Logger)
	if *metricsTLS {
		metricsMux.Use(redirectHTTPS)
	}
	metricsMux.Handle("/metrics", app.metrics())
	metricsSrv := &http.Server{
		Addr:         *metricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	if !*metricsTLS {
		log.Println("Metrics HTTP server starting on", metricsSrv.Addr)
		go func() { log.Fatal(metricsSrv.ListenAndServe()) }()
	}

	if *enableTLS {
		tlsConfig := &tls.Config{
			GetCertificate: m.GetCertificate,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}

		httpsSrv := &http.Server{
			Addr:         httpsAddr,
			Handler:      r,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
			TLSConfig:    tlsConfig,
		}
		if *metricsTLS {
			metricsSrv.TLSConfig = tlsConfig
			log.Println("Metrics HTTPS server starting on", metricsSrv.Addr)
			go func() { log.Fatal(metricsSrv.ListenAndServeTLS("", "")) }()
		}
		log.Println("HTTPS server starting on", httpsSrv.Addr)
		go func() { log.Fatal(httpsSrv.ListenAndServeTLS("", "")) }()
	}

	log.Println("HTTP server starting on", httpSrv.Addr)
	log.Fatal(httpSrv.ListenAndServe())
}
