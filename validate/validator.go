// Package validate holds the validation boundary of the uploader and the
// validators it ships with.
//
// A Validator judges one resource against an optional profile. Remote asks
// the target server's $validate operation; Rules evaluates FHIRPath
// invariants locally; Canonical checks that conformance resources carry their
// identifying fields. Cached and Chain compose validators.
package validate

import (
	"context"

	fv "github.com/gofhir/uploader"
)

// Verdict is the result of validating one resource.
type Verdict struct {
	Valid  bool
	Issues fv.Issues
}

// Validator validates resources. Implementations must be safe for concurrent use.
type Validator interface {
	// Validate judges r. A returned error means the validator itself failed,
	// not that the resource is invalid.
	Validate(ctx context.Context, r *fv.Resource, profile string) (*Verdict, error)
}

// Func adapts a function to Validator.
type Func func(ctx context.Context, r *fv.Resource, profile string) (*Verdict, error)

// Validate calls f.
func (f Func) Validate(ctx context.Context, r *fv.Resource, profile string) (*Verdict, error) {
	return f(ctx, r, profile)
}

// verdictOf builds a verdict that is valid when issues has no errors.
func verdictOf(issues fv.Issues) *Verdict {
	return &Verdict{Valid: !issues.HasErrors(), Issues: issues}
}

// Chain runs validators in order. The resource is valid only when every
// validator accepts it; issues are merged in order.
type Chain []Validator

// Validate runs every validator of the chain.
func (c Chain) Validate(ctx context.Context, r *fv.Resource, profile string) (*Verdict, error) {
	out := &Verdict{Valid: true}
	for _, v := range c {
		verdict, err := v.Validate(ctx, r, profile)
		if err != nil {
			return nil, err
		}
		out.Valid = out.Valid && verdict.Valid
		out.Issues = append(out.Issues, verdict.Issues...)
	}
	return out, nil
}

// Failure converts a rejecting verdict into a *fv.ValidationFailure, or nil.
func Failure(r *fv.Resource, v *Verdict) error {
	if v == nil || v.Valid {
		return nil
	}
	return &fv.ValidationFailure{Key: r.Key(), SourceRef: r.SourceRef, Issues: v.Issues}
}
