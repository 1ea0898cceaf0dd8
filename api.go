package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	log "github.com/sirupsen/logrus"

	"github.com/jamesog/scantrack/internal/sqlite"
	"github.com/jamesog/scantrack/pkg/scan"
)

var errContentType = errors.New("invalid Content-Type")

const contentTypeMessage = "Content-Type must be application/json"

type apiError struct {
	Error  string          `json:"error"`
	Fields scan.FieldErrors `json:"fields,omitempty"`
}

func (app *App) apiRouter() chi.Router {
	r := chi.NewRouter()
	r.Route("/scans", func(r chi.Router) {
		r.Get("/", app.apiScans)
		r.Post("/", app.apiUpload)
		r.Get("/{id}", app.apiScan)
		r.Patch("/{id}", app.apiUpdateScan)
		r.Delete("/{id}", app.apiDeleteScan)
	})
	r.Route("/hosts", func(r chi.Router) {
		r.Get("/", app.apiHosts)
		r.Get("/{id}", app.apiHost)
		r.Patch("/{id}", app.apiUpdateHost)
	})
	r.Patch("/services/{id}", app.apiUpdateService)
	r.Route("/policies", func(r chi.Router) {
		r.Get("/", app.apiPolicies)
		r.Post("/", app.apiSavePolicy)
		r.Get("/{id}", app.apiPolicy)
	})
	return r
}

// renderError writes err as a JSON error response.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("path", r.URL.Path).Error("API error")
	}
	resp := apiError{Error: errorMessages(err)[0]}
	if errors.As(err, &resp.Fields) {
		resp.Error = scan.Message(scan.ErrMalformedUpload)
	}
	render.Status(r, status)
	render.JSON(w, r, resp)
}

// decodeJSON decodes a JSON request body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	if render.GetRequestContentType(r) != render.ContentTypeJSON {
		return errContentType
	}
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return fmt.Errorf("%w: %v", scan.ErrMalformedUpload, err)
	}
	return nil
}

// apiID parses the {id} URL parameter. An unparseable ID can't exist.
func apiID(r *http.Request) (int64, error) {
	id, err := urlID(r)
	if err != nil {
		return 0, fmt.Errorf("id %q: %w", chi.URLParam(r, "id"), scan.ErrNotFound)
	}
	return id, nil
}

// Handler for GET /api/scans
func (app *App) apiScans(w http.ResponseWriter, r *http.Request) {
	scans, err := app.db.LoadScans(sqlite.SQLFilter{})
	if err != nil {
		renderError(w, r, err)
		return
	}
	if scans == nil {
		scans = []scan.Scan{}
	}
	render.JSON(w, r, scans)
}

// Handler for POST /api/scans
func (app *App) apiUpload(w http.ResponseWriter, r *http.Request) {
	res, _, err := app.ingestUpload(w, r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/scans/"+strconv.FormatInt(res.Scan.ID, 10))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, res)
}

// Handler for GET /api/scans/{id}
func (app *App) apiScan(w http.ResponseWriter, r *http.Request) {
	id, err := apiID(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	s, err := app.db.LoadScan(id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, s)
}

// Handler for PATCH /api/scans/{id}
func (app *App) apiUpdateScan(w http.ResponseWriter, r *http.Request) {
	id, err := apiID(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	var u scan.ScanUpdate
	if err := decodeJSON(r, &u); err != nil {
		renderError(w, r, err)
		return
	}
	if err := u.Validate().Err(); err != nil {
		renderError(w, r, err)
		return
	}
	if err := app.db.UpdateScan(id, u, time.Now()); err != nil {
		renderError(w, r, err)
		return
	}
	app.audit(clientIP(r), "update_scan", strconv.FormatInt(id, 10))

	s, err := app.db.LoadScan(id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, s)
}

// Handler for DELETE /api/scans/{id}
func (app *App) apiDeleteScan(w http.ResponseWriter, r *http.Request) {
	id, err := apiID(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	if err := app.db.DeleteScan(id); err != nil {
		renderError(w, r, err)
		return
	}
	app.audit(clientIP(r), "delete_scan", strconv.FormatInt(id, 10))
	app.updateMetrics()
	w.WriteHeader(http.StatusNoContent)
}

// Handler for GET /api/hosts
//
// ?state=up limits the list to live hosts and ?high_value to hosts whose
// criticality marks them as high value targets.
func (app *App) apiHosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter sqlite.SQLFilter
	if state := q.Get("state"); state != "" {
		if !scan.State(state).Valid() {
			renderError(w, r, scan.FieldErrors{{Field: "state", Message: "must be up or dn"}})
			return
		}
		filter = filter.And("state=?", state)
	}
	if _, ok := q["high_value"]; ok {
		filter = filter.And("criticality>=?", scan.HighValueCriticality)
	}

	hosts, err := app.db.LoadHosts(filter)
	if err != nil {
		renderError(w, r, err)
		return
	}
	if hosts == nil {
		hosts = []scan.Host{}
	}
	render.JSON(w, r, hosts)
}

// Handler for GET /api/hosts/{id}
func (app *App) apiHost(w http.ResponseWriter, r *http.Request) {
	id, err := apiID(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	h, err := app.db.LoadHost(id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, h)
}

// Handler for PATCH /api/hosts/{id}
func (app *App) apiUpdateHost(w http.ResponseWriter, r *http.Request) {
	id, err := apiID(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	var u scan.HostUpdate
	if err := decodeJSON(r, &u); err != nil {
		renderError(w, r, err)
		return
	}
	if err := app.updateHost(id, u, clientIP(r)); err != nil {
		renderError(w, r, err)
		return
	}

	h, err := app.db.LoadHost(id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, h)
}

// Handler for PATCH /api/services/{id}
func (app *App) apiUpdateService(w http.ResponseWriter, r *http.Request) {
	id, err := apiID(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	var u scan.ServiceUpdate
	if err := decodeJSON(r, &u); err != nil {
		renderError(w, r, err)
		return
	}
	if err := app.updateService(id, u, clientIP(r)); err != nil {
		renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Handler for GET /api/policies
func (app *App) apiPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := app.db.LoadPolicies()
	if err != nil {
		renderError(w, r, err)
		return
	}
	if policies == nil {
		policies = []scan.Policy{}
	}
	render.JSON(w, r, policies)
}

// Handler for GET /api/policies/{id}
func (app *App) apiPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := apiID(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	p, err := app.db.LoadPolicy(id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, p)
}

// Handler for POST /api/policies
func (app *App) apiSavePolicy(w http.ResponseWriter, r *http.Request) {
	var p scan.Policy
	if err := decodeJSON(r, &p); err != nil {
		renderError(w, r, err)
		return
	}
	p, err := app.savePolicy(p, clientIP(r))
	if err != nil {
		renderError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/policies/%d", p.ID))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, p)
}
