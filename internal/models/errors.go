package models

import (
	"errors"
	"sort"
	"strings"
)

var (
	// Not found.
	ErrJobNotFound          = errors.New("dispatch: job not found")
	ErrProviderNotFound     = errors.New("dispatch: provider not found")
	ErrNotificationNotFound = errors.New("dispatch: notification not found")

	// Conflicts.
	ErrJobTaken           = errors.New("dispatch: job already taken")
	ErrDuplicateJobNumber = errors.New("dispatch: duplicate job number")
	ErrInvalidTransition  = errors.New("dispatch: invalid state transition")

	// Access.
	ErrForbidden = errors.New("dispatch: forbidden")

	// Transport failures are handled where they happen; the connection is dropped.
	ErrTransport = errors.New("dispatch: transport failure")

	// ErrSearchExpired marks an offer window that ran out of attempts.
	ErrSearchExpired = errors.New("dispatch: search expired")
)

// ValidationError collects per-field problems found in a booking.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (v *ValidationError) Error() string {
	if v == nil || len(v.Fields) == 0 {
		return "validation failed"
	}
	keys := make([]string, 0, len(v.Fields))
	for k := range v.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+v.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a field problem, keeping the first message per field.
func (v *ValidationError) Add(field, msg string) {
	if v.Fields == nil {
		v.Fields = make(map[string]string)
	}
	if _, ok := v.Fields[field]; !ok {
		v.Fields[field] = msg
	}
}

func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.Fields) > 0
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
