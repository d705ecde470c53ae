package validate

import (
	"context"
	"encoding/json"

	"github.com/gofhir/fhir/r4"

	fv "github.com/gofhir/uploader"
)

// Canonical checks that conformance resources carry the fields they are
// identified and resolved by.
type Canonical struct{}

// NewCanonical creates a canonical resource checker.
func NewCanonical() *Canonical {
	return &Canonical{}
}

// Validate decodes JSON conformance resources into the r4 model and reports
// missing identifying fields. Other resources pass untouched.
func (Canonical) Validate(_ context.Context, r *fv.Resource, _ string) (*Verdict, error) {
	if !fv.IsCanonicalType(r.Type) {
		return verdictOf(nil), nil
	}

	var issues fv.Issues
	missing := func(field string) {
		issues = append(issues, fv.Issue{
			Severity:    fv.SeverityError,
			Code:        "required",
			Diagnostics: r.Type + "." + field + " is required",
			Expression:  []string{r.Type + "." + field},
		})
	}

	// The XML mapping is untyped, so the r4 model only reads JSON input.
	if r.Format == fv.FormatXML {
		if r.CanonicalURL == "" {
			missing("url")
		}
		return verdictOf(issues), nil
	}

	data := r.JSON()
	switch r.Type {
	case "StructureDefinition":
		var sd r4.StructureDefinition
		if err := json.Unmarshal(data, &sd); err != nil {
			return verdictOf(structureIssue(r, err)), nil
		}
		if sd.Url == nil || *sd.Url == "" {
			missing("url")
		}
		if sd.Type == nil || *sd.Type == "" {
			missing("type")
		}
		if sd.Kind == nil {
			missing("kind")
		}
		if sd.Snapshot == nil && sd.Differential == nil {
			missing("differential")
		}
	case "ValueSet":
		var vs r4.ValueSet
		if err := json.Unmarshal(data, &vs); err != nil {
			return verdictOf(structureIssue(r, err)), nil
		}
		if vs.Url == nil || *vs.Url == "" {
			missing("url")
		}
	case "CodeSystem":
		var cs r4.CodeSystem
		if err := json.Unmarshal(data, &cs); err != nil {
			return verdictOf(structureIssue(r, err)), nil
		}
		if cs.Url == nil || *cs.Url == "" {
			missing("url")
		}
	default:
		if r.CanonicalURL == "" {
			missing("url")
		}
	}
	return verdictOf(issues), nil
}

func structureIssue(r *fv.Resource, err error) fv.Issues {
	return fv.Issues{{
		Severity:    fv.SeverityError,
		Code:        "structure",
		Diagnostics: "cannot read " + r.Type + ": " + err.Error(),
		Expression:  []string{r.Type},
	}}
}
