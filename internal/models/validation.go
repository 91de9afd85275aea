package models

import (
	"errors"
	"fmt"
	"strings"
)

const recordURIScheme = "at://"

// ErrInvalidRecordURI is the cause recorded for a malformed record reference.
var ErrInvalidRecordURI = errors.New("not an at:// record uri")

// FieldError is one rejected field of an item, mutation or config value.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (f FieldError) Error() string {
	if f.Field == "" {
		return f.Message
	}
	return f.Field + ": " + f.Message
}

// ValidationErrors collects field errors so a caller sees every problem at once.
type ValidationErrors struct {
	Errors []FieldError `json:"errors"`
}

// Add records err against field. Nested ValidationErrors are flattened with
// dotted field paths.
func (v *ValidationErrors) Add(field string, err error) {
	if err == nil {
		return
	}
	var nested *ValidationErrors
	if errors.As(err, &nested) {
		for _, sub := range nested.Errors {
			sub.Field = qualify(field, sub.Field)
			v.Errors = append(v.Errors, sub)
		}
		return
	}
	v.Errors = append(v.Errors, FieldError{Field: field, Message: err.Error(), Cause: err})
}

// AddMessage records a plain message against field.
func (v *ValidationErrors) AddMessage(field, message string) {
	if message == "" {
		return
	}
	v.Errors = append(v.Errors, FieldError{Field: field, Message: message})
}

// Addf is AddMessage with formatting.
func (v *ValidationErrors) Addf(field, format string, args ...any) {
	v.AddMessage(field, fmt.Sprintf(format, args...))
}

// Require records field as missing when value is blank. It reports whether
// value was present.
func (v *ValidationErrors) Require(field, value string) bool {
	if strings.TrimSpace(value) == "" {
		v.AddMessage(field, "is required")
		return false
	}
	return true
}

// RequireRecordURI checks that value references a remote record as
// at://<authority>/<path>, the form likes and reposts are addressed by.
func (v *ValidationErrors) RequireRecordURI(field, value string) {
	if !v.Require(field, value) {
		return
	}
	rest, ok := strings.CutPrefix(value, recordURIScheme)
	authority, path, _ := strings.Cut(rest, "/")
	if !ok || authority == "" || path == "" || strings.ContainsAny(value, " \t\n") {
		v.Add(field, fmt.Errorf("%w: %q", ErrInvalidRecordURI, value))
	}
}

// LimitBytes records field when value is longer than limit bytes.
func (v *ValidationErrors) LimitBytes(field, value string, limit int) {
	if len(value) > limit {
		v.Addf(field, "exceeds %d bytes", limit)
	}
}

// Nest validates a mutation carried under field, such as the successor of a
// queue entry, and records its failures with field as the path prefix.
func (v *ValidationErrors) Nest(field string, m Mutation) {
	if m == nil {
		return
	}
	v.Add(field, m.Validate())
}

// Err returns v as an error, or nil when nothing was recorded.
func (v *ValidationErrors) Err() error {
	if v == nil || len(v.Errors) == 0 {
		return nil
	}
	return v
}

func (v *ValidationErrors) Error() string {
	if v == nil || len(v.Errors) == 0 {
		return "validation failed"
	}
	var b strings.Builder
	for i, fe := range v.Errors {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(fe.Error())
	}
	return b.String()
}

// Unwrap exposes the recorded causes to errors.Is and errors.As.
func (v *ValidationErrors) Unwrap() []error {
	if v == nil {
		return nil
	}
	var causes []error
	for _, fe := range v.Errors {
		if fe.Cause != nil {
			causes = append(causes, fe.Cause)
		}
	}
	return causes
}

// Fields lists the rejected field paths in order.
func (v *ValidationErrors) Fields() []string {
	if v == nil {
		return nil
	}
	fields := make([]string, len(v.Errors))
	for i, fe := range v.Errors {
		fields[i] = fe.Field
	}
	return fields
}

// qualify joins a parent and child field path with a dot.
func qualify(parent, child string) string {
	switch {
	case parent == "":
		return child
	case child == "":
		return parent
	}
	return parent + "." + child
}
