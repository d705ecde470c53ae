package upload

import (
	"path"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/types"

	fv "github.com/gofhir/uploader"
)

// Filter selects resources that are skipped by policy before any network call.
type Filter struct {
	types      map[string]bool
	sources    []string
	expression string
	compiled   *fhirpath.Expression
}

// NewFilter creates a filter. Sources are exact source refs or path globs;
// expr is a FHIRPath expression that skips a resource when it evaluates to true.
func NewFilter(excludeTypes, excludeSources []string, expr string) (*Filter, error) {
	f := &Filter{
		types:      make(map[string]bool, len(excludeTypes)),
		sources:    excludeSources,
		expression: strings.TrimSpace(expr),
	}
	for _, t := range excludeTypes {
		f.types[strings.TrimSpace(t)] = true
	}
	for _, p := range excludeSources {
		if _, err := path.Match(p, ""); err != nil {
			return nil, errors.Wrapf(err, "invalid source pattern %q", p)
		}
	}
	if f.expression != "" {
		compiled, err := fhirpath.Compile(f.expression)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compile filter expression %q", f.expression)
		}
		f.compiled = compiled
	}
	return f, nil
}

// Match reports whether r is excluded, with a human readable reason.
// A filter expression that fails to evaluate does not exclude the resource.
func (f *Filter) Match(r *fv.Resource) (string, bool) {
	if f == nil {
		return "", false
	}
	if f.types[r.Type] {
		return "resource type " + r.Type + " is excluded", true
	}
	for _, p := range f.sources {
		if matchSource(p, r.SourceRef) {
			return "source " + r.SourceRef + " is excluded", true
		}
	}
	if f.compiled != nil {
		result, err := f.compiled.Evaluate(r.JSON())
		if err == nil && truthy(result) {
			return "matches filter " + f.expression, true
		}
	}
	return "", false
}

// matchSource matches a pattern against the whole source ref, the file part
// without the entry suffix, the archive member and the member base name.
func matchSource(pattern, sourceRef string) bool {
	candidates := []string{sourceRef}
	file := sourceRef
	if i := strings.Index(file, "#"); i >= 0 {
		file = file[:i]
		candidates = append(candidates, file)
	}
	if i := strings.LastIndex(file, "!"); i >= 0 {
		candidates = append(candidates, file[i+1:])
		file = file[i+1:]
	}
	candidates = append(candidates, path.Base(file))

	for _, c := range candidates {
		if c == pattern {
			return true
		}
		if ok, _ := path.Match(pattern, c); ok {
			return true
		}
	}
	return false
}

// truthy applies FHIRPath truthiness: a single boolean is its value, any
// other non-empty collection is true.
func truthy(result types.Collection) bool {
	if len(result) == 0 {
		return false
	}
	if len(result) == 1 {
		if b, ok := result[0].(types.Boolean); ok {
			return b.Bool()
		}
	}
	return true
}
