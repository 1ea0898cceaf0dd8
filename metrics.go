package main

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/jamesog/scantrack/internal/sqlite"
	"github.com/jamesog/scantrack/pkg/scan"
)

var (
	gaugeScans = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scantrack",
		Subsystem: "scans",
		Name:      "total",
		Help:      "Total scans stored",
	})

	gaugeHosts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scantrack",
		Subsystem: "hosts",
		Name:      "total",
		Help:      "Total hosts found",
	})

	gaugeLiveHosts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scantrack",
		Subsystem: "hosts",
		Name:      "live",
		Help:      "Hosts whose last observed state is up",
	})

	gaugeServices = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scantrack",
		Subsystem: "services",
		Name:      "total",
		Help:      "Total services found",
	})

	gaugeLastScan = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scantrack",
		Name:      "last_scan_time",
		Help:      "Last scan import time in seconds since the Unix epoch",
	})

	gaugeScanHosts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "scantrack",
			Name:      "scan_live_hosts",
			Help:      "Number of live hosts found by each scan, with its name and end time",
		},
		[]string{"id", "name", "end"})

	counterIngest = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scantrack",
			Name:      "uploads_total",
			Help:      "Scan uploads by result",
		},
		[]string{"result"})
)

func init() {
	prometheus.MustRegister(gaugeScans)
	prometheus.MustRegister(gaugeHosts)
	prometheus.MustRegister(gaugeLiveHosts)
	prometheus.MustRegister(gaugeServices)
	prometheus.MustRegister(gaugeLastScan)
	prometheus.MustRegister(gaugeScanHosts)
	prometheus.MustRegister(counterIngest)
}

// countIngest records the outcome of an upload.
func countIngest(err error) {
	counterIngest.WithLabelValues(scan.Kind(err)).Inc()
}

func setSummaryGauges(sum scan.Summary) {
	gaugeScans.Set(float64(sum.Scans))
	gaugeHosts.Set(float64(sum.Hosts))
	gaugeLiveHosts.Set(float64(sum.LiveHosts))
	gaugeServices.Set(float64(sum.Services))
	if !sum.LastScan.IsZero() {
		gaugeLastScan.Set(float64(sum.LastScan.Unix()))
	}
}

// updateMetrics refreshes the gauges from the database.
func (app *App) updateMetrics() {
	sum, err := app.db.Summary()
	if err != nil {
		log.Printf("updateMetrics: error fetching summary: %v\n", err)
		return
	}
	setSummaryGauges(sum)

	scans, err := app.db.LoadScans(sqlite.SQLFilter{})
	if err != nil {
		log.Printf("updateMetrics: error fetching scans: %v\n", err)
		return
	}
	// Deleted scans must drop out
	gaugeScanHosts.Reset()
	for _, s := range scans {
		gaugeScanHosts.With(prometheus.Labels{
			"id":   strconv.FormatInt(s.ID, 10),
			"name": s.Name,
			"end":  strconv.FormatInt(s.End.Unix(), 10),
		}).Set(float64(s.LiveHosts))
	}
}

// metrics serves the registry, refreshing the gauges on every scrape.
func (app *App) metrics() http.Handler {
	h := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app.updateMetrics()
		h.ServeHTTP(w, r)
	})
}
