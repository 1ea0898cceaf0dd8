package scan

import (
	"errors"
	"strings"
)

// Errors returned while ingesting or editing records. Callers wrap these
// with context and match them with errors.Is.
var (
	ErrMalformedUpload  = errors.New("malformed upload")
	ErrUnsupportedType  = errors.New("unsupported file type")
	ErrParse            = errors.New("could not parse scan file")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrDuplicateName    = errors.New("duplicate name")
	ErrDuplicateFile    = errors.New("scan file already imported")
	ErrConstraint       = errors.New("database constraint violation")
	ErrInvalidTimes     = errors.New("scan end is before scan start")
	ErrScanProtected    = errors.New("scan still owns hosts")
	ErrNotFound         = errors.New("not found")
)

var messages = []struct {
	err error
	msg string
}{
	{ErrMalformedUpload, "The upload was incomplete or malformed."},
	{ErrUnsupportedType, "Only nmap XML output files can be uploaded."},
	{ErrParse, "The scan file could not be parsed as nmap XML."},
	{ErrChecksumMismatch, "The file's MD5 checksum does not match the one given."},
	{ErrDuplicateName, "That name is already in use."},
	{ErrDuplicateFile, "This scan file has already been imported."},
	{ErrInvalidTimes, "The scan's end time is missing or earlier than its start time."},
	{ErrScanProtected, "The scan can't be deleted while hosts still belong to it."},
	{ErrNotFound, "Not found."},
	{ErrConstraint, "The change conflicts with existing records."},
}

// Message returns the user facing message for err. Unknown errors get a
// generic message; their detail is for the logs only.
func Message(err error) string {
	for _, m := range messages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return "Something went wrong. Please try again."
}

// Kind returns a short stable name for err, suitable as a metric label.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMalformedUpload):
		return "malformed"
	case errors.Is(err, ErrUnsupportedType):
		return "unsupported_type"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, ErrDuplicateName):
		return "duplicate_name"
	case errors.Is(err, ErrDuplicateFile):
		return "duplicate_file"
	case errors.Is(err, ErrInvalidTimes):
		return "invalid_times"
	case errors.Is(err, ErrConstraint):
		return "constraint"
	}
	return "internal"
}

// FieldError is a validation failure on a single input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	return e.Field + ": " + e.Message
}

// FieldErrors collects validation failures for one input shape.
type FieldErrors []FieldError

// Add records a failure on field.
func (e *FieldErrors) Add(field, msg string) {
	*e = append(*e, FieldError{Field: field, Message: msg})
}

// Err returns e as an error, or nil if there are no failures.
func (e FieldErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

func (e FieldErrors) Error() string {
	s := make([]string, len(e))
	for i, fe := range e {
		s[i] = fe.String()
	}
	return "invalid input: " + strings.Join(s, "; ")
}
