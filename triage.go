package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jamesog/scantrack/pkg/scan"
)

// updateHost validates and stores a host triage update.
func (app *App) updateHost(id int64, u scan.HostUpdate, actor string) error {
	if err := u.Validate().Err(); err != nil {
		return err
	}
	if err := app.db.UpdateHost(id, u); err != nil {
		return err
	}
	if !u.Empty() {
		app.audit(actor, "update_host", strconv.FormatInt(id, 10))
	}
	return nil
}

// updateService validates and stores a service triage update.
func (app *App) updateService(id int64, u scan.ServiceUpdate, actor string) error {
	if err := u.Validate().Err(); err != nil {
		return err
	}
	if err := app.db.UpdateService(id, u); err != nil {
		return err
	}
	if !u.Empty() {
		app.audit(actor, "update_service", strconv.FormatInt(id, 10))
	}
	return nil
}

// triageFormProcess applies the host and service triage forms on the scan
// page. Only fields present in the form are changed.
func (app *App) triageFormProcess(f url.Values, actor string) error {
	var errs scan.FieldErrors

	if id := f.Get("host_id"); id != "" {
		hostID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return fmt.Errorf("host %q: %w", id, scan.ErrNotFound)
		}
		u := scan.HostUpdate{
			Category:    formString(f, "category"),
			Criticality: formInt(f, "criticality", &errs),
			Status:      formString(f, "assessment_status"),
		}
		if err := errs.Err(); err != nil {
			return err
		}
		if err := app.updateHost(hostID, u, actor); err != nil {
			return err
		}
	}

	if id := f.Get("service_id"); id != "" {
		serviceID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return fmt.Errorf("service %q: %w", id, scan.ErrNotFound)
		}
		u := scan.ServiceUpdate{
			Category:    formString(f, "category"),
			AttackValue: formInt(f, "attack_value", &errs),
			Status:      formString(f, "assessment_status"),
			Notes:       formString(f, "notes"),
		}
		if err := errs.Err(); err != nil {
			return err
		}
		if err := app.updateService(serviceID, u, actor); err != nil {
			return err
		}
	}

	return nil
}

func formString(f url.Values, key string) *string {
	if _, ok := f[key]; !ok {
		return nil
	}
	v := strings.TrimSpace(f.Get(key))
	return &v
}

func formInt(f url.Values, key string, errs *scan.FieldErrors) *int {
	if _, ok := f[key]; !ok {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(f.Get(key)))
	if err != nil {
		errs.Add(key, "must be a number")
		return nil
	}
	return &v
}
