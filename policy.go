package main

import (
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/jamesog/scantrack/pkg/scan"
)

type policyData struct {
	indexData
	Policies []scan.Policy
	Form     scan.Policy
}

// savePolicy validates and stores a new policy, returning it with its ID
// and defaults filled in.
func (app *App) savePolicy(p scan.Policy, actor string) (scan.Policy, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Arguments = strings.TrimSpace(p.Arguments)
	if err := p.Validate().Err(); err != nil {
		return p, err
	}
	p = p.WithDefaults()

	id, err := app.db.SavePolicy(p)
	if err != nil {
		return p, err
	}
	p.ID = id
	app.audit(actor, "add_policy", p.Name)
	return p, nil
}

// Handler for GET and POST /policies
func (app *App) policies(w http.ResponseWriter, r *http.Request) {
	data := policyData{indexData: app.page(w, r)}
	status := http.StatusOK

	if r.Method == "POST" {
		err := r.ParseForm()
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		f := r.Form
		p := scan.Policy{
			Name:           f.Get("name"),
			ScanType:       f.Get("scan_type"),
			Arguments:      f.Get("arguments"),
			OutputFilename: f.Get("output_filename"),
			Notes:          f.Get("notes"),
		}

		p, err = app.savePolicy(p, clientIP(r))
		if err != nil {
			status = httpStatus(err)
			if status == http.StatusInternalServerError {
				log.Println("policies: error saving policy:", err)
			}
			for _, msg := range errorMessages(err) {
				data.AddError(msg)
			}
			// Keep what was entered so it can be corrected
			data.Form = p
		} else {
			data.Flashes = append(data.Flashes, "Policy "+p.Name+" saved")
		}
	}

	policies, err := app.db.LoadPolicies()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data.Policies = policies

	w.WriteHeader(status)
	tmpl.ExecuteTemplate(w, "policies", data)
}
