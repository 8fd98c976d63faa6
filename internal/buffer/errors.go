package buffer

import (
	"fmt"
	"net/http"
)

// Kind classifies a scheduling failure.
type Kind string

const (
	// KindNetwork covers transport failures and timeouts
	KindNetwork Kind = "network"
	// KindAuth covers rejected or expired credentials
	KindAuth Kind = "auth"
	// KindValidation covers requests the service refused as malformed
	KindValidation Kind = "validation"
	// KindRemote covers server-side failures and unexpected responses
	KindRemote Kind = "remote"
)

// Error is returned for every failed dispatch. Nothing is retried internally.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("buffer %s error", e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// kindForStatus maps a non-2xx HTTP status to an error kind.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation
	default:
		return KindRemote
	}
}
