// Package sanitize reduces a raw failure to its core error fields. The
// classification adapter layers request context (url, hostname, session,
// level) back on top of this reduction; the stack trace and the user's email
// are withheld from the backend entirely.
package sanitize

import "github.com/nikolajve/faultline/internal/models"

// Sanitized is the reduced view of a raw failure sent to classification.
// Absent input fields stay absent in the JSON encoding rather than being
// defaulted.
type Sanitized struct {
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// Failure strips a raw failure down to message, kind, code, file and line.
// Deterministic and total: there is no error path.
func Failure(raw models.RawFailure) Sanitized {
	return Sanitized{
		Message: raw.Message,
		Kind:    raw.Kind,
		Code:    raw.Code,
		File:    raw.File,
		Line:    raw.Line,
	}
}
