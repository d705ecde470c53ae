package validate

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/types"

	fv "github.com/gofhir/uploader"
)

// Rule is a FHIRPath invariant that must hold for resources of Types
// (all types when empty).
type Rule struct {
	Key        string
	Types      []string
	Expression string
	Severity   fv.IssueSeverity
	Human      string
}

type compiledRule struct {
	Rule
	types map[string]bool
	expr  *fhirpath.Expression
}

// Rules evaluates FHIRPath invariants against each resource.
type Rules struct {
	rules []compiledRule
}

// DefaultRules are invariants of the FHIR R4 base resources.
func DefaultRules() []Rule {
	return []Rule{
		{
			Key:        "dom-2",
			Expression: "contained.contained.empty()",
			Severity:   fv.SeverityError,
			Human:      "If the resource is contained in another resource, it SHALL NOT contain nested Resources",
		},
		{
			Key:        "dom-4",
			Expression: "contained.meta.versionId.empty() and contained.meta.lastUpdated.empty()",
			Severity:   fv.SeverityError,
			Human:      "If a resource is contained in another resource, it SHALL NOT have a meta.versionId or a meta.lastUpdated",
		},
		{
			Key:        "obs-6",
			Types:      []string{"Observation"},
			Expression: "dataAbsentReason.empty() or value.empty()",
			Severity:   fv.SeverityError,
			Human:      "dataAbsentReason SHALL only be present if Observation.value[x] is not present",
		},
		{
			Key:        "pat-1",
			Types:      []string{"Patient"},
			Expression: "contact.all(name.exists() or telecom.exists() or address.exists() or organization.exists())",
			Severity:   fv.SeverityError,
			Human:      "SHALL at least contain a contact's details or a reference to an organization",
		},
	}
}

// NewRules compiles rules.
func NewRules(rules ...Rule) (*Rules, error) {
	out := &Rules{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		expr, err := fhirpath.Compile(r.Expression)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compile rule %s", r.Key)
		}
		cr := compiledRule{Rule: r, expr: expr}
		if cr.Severity == "" {
			cr.Severity = fv.SeverityError
		}
		if len(r.Types) > 0 {
			cr.types = make(map[string]bool, len(r.Types))
			for _, t := range r.Types {
				cr.types[t] = true
			}
		}
		out.rules = append(out.rules, cr)
	}
	return out, nil
}

// Len returns the number of rules.
func (v *Rules) Len() int { return len(v.rules) }

// Validate evaluates every applicable rule. A rule that cannot be evaluated
// yields a warning rather than an error.
func (v *Rules) Validate(_ context.Context, r *fv.Resource, _ string) (*Verdict, error) {
	data := r.JSON()
	var issues fv.Issues
	for _, rule := range v.rules {
		if rule.types != nil && !rule.types[r.Type] {
			continue
		}
		result, err := rule.expr.Evaluate(data)
		if err != nil {
			issues = append(issues, fv.Issue{
				Severity:    fv.SeverityWarning,
				Code:        "processing",
				Diagnostics: "rule " + rule.Key + " could not be evaluated: " + err.Error(),
				Expression:  []string{r.Type},
			})
			continue
		}
		if !satisfied(result) {
			issues = append(issues, fv.Issue{
				Severity:    rule.Severity,
				Code:        "invariant",
				Diagnostics: rule.Key + ": " + rule.Human,
				Expression:  []string{r.Type},
			})
		}
	}
	return verdictOf(issues), nil
}

// satisfied reads an invariant result: empty and single true are satisfied.
func satisfied(result types.Collection) bool {
	if len(result) == 0 {
		return true
	}
	if len(result) == 1 {
		if b, ok := result[0].(types.Boolean); ok {
			return b.Bool()
		}
	}
	return true
}
