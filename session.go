package main

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	log "github.com/sirupsen/logrus"
)

const flashSession = "flash"

var store *sessions.CookieStore

// setupSessions creates the cookie store used for flash messages. The key is
// kept in the data directory so messages survive a restart.
func setupSessions(dir string) {
	keyFile := filepath.Join(dir, ".cookie_key")
	if key, err := os.ReadFile(keyFile); err == nil {
		store = sessions.NewCookieStore(key)
		return
	}

	key := securecookie.GenerateRandomKey(64)
	err := os.WriteFile(keyFile, key, 0600)
	if err != nil {
		log.Fatal(err)
	}
	store = sessions.NewCookieStore(key)
}

// addFlash queues a message for the next page shown to the client.
func addFlash(w http.ResponseWriter, r *http.Request, msg string) {
	session, err := store.Get(r, flashSession)
	if err != nil {
		log.Debugf("addFlash: discarding invalid session: %v", err)
	}
	session.AddFlash(msg)
	if err := session.Save(r, w); err != nil {
		log.Println("addFlash: couldn't save session:", err)
	}
}

// flashes returns and clears the queued messages. It must be called before
// anything is written to w.
func flashes(w http.ResponseWriter, r *http.Request) []string {
	session, err := store.Get(r, flashSession)
	if err != nil {
		return nil
	}
	var msgs []string
	for _, f := range session.Flashes() {
		if s, ok := f.(string); ok {
			msgs = append(msgs, s)
		}
	}
	if len(msgs) > 0 {
		session.Save(r, w)
	}
	return msgs
}
