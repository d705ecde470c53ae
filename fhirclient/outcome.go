package fhirclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/gofhir/fhir/r4"

	fv "github.com/gofhir/uploader"
)

// StatusError is a non-success HTTP response.
type StatusError struct {
	Method string
	URL    string
	Status int

	// Issues are parsed from an OperationOutcome body, when there is one.
	Issues fv.Issues

	// Body is the start of a response body that was not an OperationOutcome.
	Body string
}

func newStatusError(resp *Response) *StatusError {
	e := &StatusError{
		Method: resp.Method,
		URL:    resp.URL,
		Status: resp.Status,
		Issues: ParseOutcome(resp.Body),
	}
	if len(e.Issues) == 0 {
		e.Body = truncate(strings.TrimSpace(string(resp.Body)), 200)
	}
	return e
}

func (e *StatusError) Error() string {
	var b strings.Builder
	if e.Method != "" {
		fmt.Fprintf(&b, "%s %s: ", e.Method, e.URL)
	}
	fmt.Fprintf(&b, "HTTP %d %s", e.Status, http.StatusText(e.Status))
	switch {
	case len(e.Issues) > 0:
		b.WriteString(": ")
		b.WriteString(e.Issues.Summary())
	case e.Body != "":
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	return b.String()
}

// Is maps status codes onto the uploader's sentinel errors.
func (e *StatusError) Is(target error) bool {
	switch target {
	case fv.ErrNotFound:
		return e.Status == http.StatusNotFound || e.Status == http.StatusGone
	case fv.ErrConflict:
		return e.Status == http.StatusConflict || e.Status == http.StatusPreconditionFailed
	}
	return false
}

// Reason classifies the status as a failure reason.
func (e *StatusError) Reason() fv.FailureReason {
	switch {
	case e.Status == http.StatusConflict || e.Status == http.StatusPreconditionFailed:
		return fv.ReasonConflict
	case e.Status == http.StatusRequestTimeout || e.Status == http.StatusGatewayTimeout:
		return fv.ReasonTimeout
	default:
		return fv.ReasonServer
	}
}

// ParseOutcome extracts the issues of an OperationOutcome JSON body. Bodies
// of any other shape yield nil.
func ParseOutcome(body []byte) fv.Issues {
	if rt, err := jsonparser.GetString(body, "resourceType"); err != nil || rt != "OperationOutcome" {
		return nil
	}
	var oo r4.OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil {
		return nil
	}
	return OutcomeIssues(&oo)
}

// OutcomeIssues converts the issues of an OperationOutcome.
func OutcomeIssues(oo *r4.OperationOutcome) fv.Issues {
	if oo == nil {
		return nil
	}
	issues := make(fv.Issues, 0, len(oo.Issue))
	for i := range oo.Issue {
		iss := &oo.Issue[i]
		issues = append(issues, fv.Issue{
			Severity:    fv.IssueSeverity(derefCode(iss.Severity)),
			Code:        derefCode(iss.Code),
			Diagnostics: derefString(iss.Diagnostics),
			Expression:  iss.Expression,
		})
	}
	return issues
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefCode[T ~string](c *T) string {
	if c == nil {
		return ""
	}
	return string(*c)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
