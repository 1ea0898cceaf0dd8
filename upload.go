package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/jamesog/scantrack/internal/ingest"
	"github.com/jamesog/scantrack/pkg/scan"
)

// Uploads larger than this are spooled to disk while parsing the form.
const multipartMemory = 8 << 20

type uploadData struct {
	indexData
	Name string
	MD5  string
}

// Handler for GET and POST /upload
func (app *App) upload(w http.ResponseWriter, r *http.Request) {
	data := uploadData{indexData: app.page(w, r)}

	if r.Method == "POST" {
		res, u, err := app.ingestUpload(w, r)
		if err == nil {
			addFlash(w, r, fmt.Sprintf("Scan %q imported: %d hosts added, %d updated",
				res.Scan.Name, res.Stats.HostsAdded, res.Stats.HostsUpdated))
			http.Redirect(w, r, "/scans/"+strconv.FormatInt(res.Scan.ID, 10), http.StatusSeeOther)
			return
		}

		data.Name = u.Name
		data.MD5 = u.ExpectedMD5
		for _, msg := range errorMessages(err) {
			data.AddError(msg)
		}
		w.WriteHeader(httpStatus(err))
	}

	tmpl.ExecuteTemplate(w, "upload", data)
}

// ingestUpload runs an uploaded form through the ingestion pipeline and
// records the outcome.
func (app *App) ingestUpload(w http.ResponseWriter, r *http.Request) (ingest.Result, ingest.Upload, error) {
	u, err := app.readUpload(w, r)
	var res ingest.Result
	if err == nil {
		res, err = app.ingest.Ingest(r.Context(), u)
	}
	countIngest(err)

	if err != nil {
		if httpStatus(err) == http.StatusInternalServerError {
			log.WithError(err).WithField("name", u.Name).Error("Error ingesting scan")
		} else {
			log.WithError(err).WithField("name", u.Name).Info("Rejected scan upload")
		}
		return res, u, err
	}

	app.audit(clientIP(r), "upload_scan", res.Scan.Name)
	app.updateMetrics()
	return res, u, nil
}

// readUpload reads the upload form. A missing file is left for
// ingest.Upload.Validate to report alongside any other field errors.
func (app *App) readUpload(w http.ResponseWriter, r *http.Request) (ingest.Upload, error) {
	var u ingest.Upload

	r.Body = http.MaxBytesReader(w, r.Body, app.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return u, fmt.Errorf("%w: %w", scan.ErrMalformedUpload,
				scan.FieldErrors{{Field: "scan_file", Message: fmt.Sprintf("must be at most %d bytes", tooLarge.Limit)}})
		}
		return u, fmt.Errorf("%w: %v", scan.ErrMalformedUpload, err)
	}

	u.Name = strings.TrimSpace(r.FormValue("name"))
	u.ExpectedMD5 = strings.TrimSpace(r.FormValue("md5"))

	f, fh, err := r.FormFile("scan_file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return u, nil
	case err != nil:
		return u, fmt.Errorf("%w: %v", scan.ErrMalformedUpload, err)
	}
	defer f.Close()

	u.Filename = fh.Filename
	u.Content, err = io.ReadAll(f)
	if err != nil {
		return u, fmt.Errorf("%w: %v", scan.ErrMalformedUpload, err)
	}
	return u, nil
}

// httpStatus maps an error onto the response status.
func httpStatus(err error) int {
	var fe scan.FieldErrors
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errContentType):
		return http.StatusUnsupportedMediaType
	case errors.As(err, &fe), errors.Is(err, scan.ErrMalformedUpload):
		return http.StatusBadRequest
	case errors.Is(err, scan.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, scan.ErrParse), errors.Is(err, scan.ErrInvalidTimes),
		errors.Is(err, scan.ErrChecksumMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, scan.ErrDuplicateName), errors.Is(err, scan.ErrDuplicateFile),
		errors.Is(err, scan.ErrScanProtected), errors.Is(err, scan.ErrConstraint):
		return http.StatusConflict
	case errors.Is(err, scan.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// errorMessages turns err into messages for display. Field errors are listed
// individually.
func errorMessages(err error) []string {
	var fe scan.FieldErrors
	if errors.As(err, &fe) {
		msgs := make([]string, len(fe))
		for i := range fe {
			msgs[i] = fe[i].String()
		}
		return msgs
	}
	if errors.Is(err, errContentType) {
		return []string{contentTypeMessage}
	}
	return []string{scan.Message(err)}
}
