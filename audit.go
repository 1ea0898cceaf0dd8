package main

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// audit logs events to the audit table. Failures are logged; they never
// undo the change being audited.
func (app *App) audit(user, event, info string) error {
	err := app.db.SaveAudit(time.Now().UTC().Truncate(time.Second), user, event, info)
	if err != nil {
		log.WithError(err).WithField("action", event).Warn("Couldn't write audit log")
	}
	return err
}
