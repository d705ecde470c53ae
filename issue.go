package fhiruploader

import (
	"fmt"
	"strings"
)

// IssueSeverity maps to OperationOutcome.issue.severity.
type IssueSeverity string

const (
	// SeverityFatal indicates the request could not be processed at all.
	SeverityFatal IssueSeverity = "fatal"
	// SeverityError indicates the resource is invalid or the operation failed.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a potential problem.
	SeverityWarning IssueSeverity = "warning"
	// SeverityInformation indicates informational feedback.
	SeverityInformation IssueSeverity = "information"
)

// Issue is a single OperationOutcome issue reported by the server or a validator.
type Issue struct {
	Severity    IssueSeverity `json:"severity"`
	Code        string        `json:"code,omitempty"`
	Diagnostics string        `json:"diagnostics,omitempty"`
	Expression  []string      `json:"expression,omitempty"`
}

// IsError returns true if this issue is an error or fatal.
func (i Issue) IsError() bool {
	return i.Severity == SeverityError || i.Severity == SeverityFatal
}

// String returns a one-line rendering.
func (i Issue) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", i.Severity)
	if i.Code != "" {
		fmt.Fprintf(&b, " %s:", i.Code)
	}
	if i.Diagnostics != "" {
		b.WriteString(" ")
		b.WriteString(i.Diagnostics)
	}
	if len(i.Expression) > 0 {
		fmt.Fprintf(&b, " (at %s)", strings.Join(i.Expression, ", "))
	}
	return b.String()
}

// Issues is a list of issues.
type Issues []Issue

// HasErrors reports whether any issue is an error or fatal.
func (is Issues) HasErrors() bool {
	for _, i := range is {
		if i.IsError() {
			return true
		}
	}
	return false
}

// Errors returns the error and fatal issues.
func (is Issues) Errors() Issues {
	var out Issues
	for _, i := range is {
		if i.IsError() {
			out = append(out, i)
		}
	}
	return out
}

// Summary joins the diagnostics of error issues, or of all issues when none is an error.
func (is Issues) Summary() string {
	src := is.Errors()
	if len(src) == 0 {
		src = is
	}
	parts := make([]string, 0, len(src))
	for _, i := range src {
		if i.Diagnostics != "" {
			parts = append(parts, i.Diagnostics)
		} else if i.Code != "" {
			parts = append(parts, i.Code)
		}
	}
	return strings.Join(parts, "; ")
}
