package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"

	"github.com/jamesog/scantrack/internal/ingest"
	"github.com/jamesog/scantrack/internal/sqlite"
)

func init() {
	store = sessions.NewCookieStore(securecookie.GenerateRandomKey(32))

	setupTemplates()
}

const sampleScan = `<?xml version="1.0" encoding="UTF-8"?>
<nmaprun scanner="nmap" args="%s" start="1610186400" version="7.91" xmloutputversion="1.05">
<host><status state="up" reason="syn-ack"/>
<address addr="192.0.2.1" addrtype="ipv4"/>
<hostnames><hostname name="www.example.com" type="PTR"/></hostnames>
<ports>
<port protocol="tcp" portid="22"><state state="open" reason="syn-ack"/><service name="ssh" product="OpenSSH"/></port>
<port protocol="tcp" portid="443"><state state="open" reason="syn-ack"/><service name="https"/></port>
</ports>
</host>
<host><status state="down" reason="no-response"/>
<address addr="192.0.2.2" addrtype="ipv4"/>
</host>
<runstats><finished time="1610186520"/></runstats>
</nmaprun>
`

func scanXML(args string) []byte {
	return []byte(fmt.Sprintf(sampleScan, args))
}

func createDB(test string) *sqlite.DB {
	db, err := sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", test))
	if err != nil {
		log.Fatal(err)
	}
	return db
}

func createApp(t *testing.T) (*App, *sqlite.DB) {
	t.Helper()
	db := createDB(strings.ReplaceAll(t.Name(), "/", "_"))
	t.Cleanup(func() { db.Close() })
	return newApp(db, t.TempDir()), db
}

// ingestScan stores a scan directly through the pipeline.
func ingestScan(t *testing.T, app *App, name, args string) ingest.Result {
	t.Helper()
	res, err := app.ingest.Ingest(context.Background(), ingest.Upload{
		Name:     name,
		Filename: name + ".xml",
		Content:  scanXML(args),
	})
	if err != nil {
		t.Fatalf("couldn't ingest scan: %v", err)
	}
	return res
}

// uploadRequest builds a multipart upload. The file part is left out when
// filename is empty.
func uploadRequest(t *testing.T, target string, fields map[string]string, filename string, content []byte) *http.Request {
	t.Helper()
	body := new(bytes.Buffer)
	mp := multipart.NewWriter(body)
	for k, v := range fields {
		mp.WriteField(k, v)
	}
	if filename != "" {
		ff, err := mp.CreateFormFile("scan_file", filename)
		if err != nil {
			t.Fatal(err)
		}
		ff.Write(content)
	}
	mp.Close()

	r := httptest.NewRequest("POST", target, body)
	r.Header.Set("Content-Type", mp.FormDataContentType())
	return r
}

func serve(app *App, r *http.Request) (*http.Response, string) {
	w := httptest.NewRecorder()
	app.setupRouter().ServeHTTP(w, r)
	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestLoadScansWithNoResults(t *testing.T) {
	db := createDB("TestLoadScansWithNoResults")
	defer db.Close()
	data, err := db.LoadScans(sqlite.SQLFilter{})
	if err != nil {
		t.Fatalf("error from LoadScans: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("expected len 0, got %v", len(data))
	}
}

func TestIndexHandler(t *testing.T) {
	app, _ := createApp(t)

	r := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	app.index(w, r)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %v: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "No scans yet") {
		t.Errorf("expected empty scan list, got %s", body)
	}

	ingestScan(t, app, "first", "nmap -sS")
	ingestScan(t, app, "second", "nmap -sV")

	resp, html := serve(app, httptest.NewRequest("GET", "/", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %v: %s", resp.StatusCode, html)
	}
	first, second := strings.Index(html, ">first<"), strings.Index(html, ">second<")
	if first < 0 || second < 0 || first > second {
		t.Errorf("expected scans listed oldest first, got %s", html)
	}
}

func TestScanDetailHandler(t *testing.T) {
	app, _ := createApp(t)
	res := ingestScan(t, app, "weekly", "nmap -sS")

	tests := []struct {
		path   string
		status int
	}{
		{fmt.Sprintf("/scans/%d", res.Scan.ID), http.StatusOK},
		{"/scans/999", http.StatusNotFound},
		{"/scans/abc", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, body := serve(app, httptest.NewRequest("GET", tt.path, nil))
		if resp.StatusCode != tt.status {
			t.Errorf("%s: expected status %d, got %d: %s", tt.path, tt.status, resp.StatusCode, body)
		}
		if tt.status == http.StatusOK {
			for _, want := range []string{"192.0.2.1", "www.example.com", "OpenSSH", "2m0s"} {
				if !strings.Contains(body, want) {
					t.Errorf("expected scan page to contain %q", want)
				}
			}
		}
	}
}

func TestStaticAssets(t *testing.T) {
	app, _ := createApp(t)
	resp, body := serve(app, httptest.NewRequest("GET", "/static/style.css", nil))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %v: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/css") {
		t.Errorf("expected text/css, got %s", ct)
	}
}
