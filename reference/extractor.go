// Package reference finds the references a resource declares to other resources.
package reference

import (
	"cmp"
	"regexp"
	"slices"
	"strings"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/value"
)

// Reference format patterns.
var (
	// Relative reference: ResourceType/id or ResourceType/id/_history/vid.
	relativeRefPattern = regexp.MustCompile(`^([A-Z][A-Za-z]+)/([A-Za-z0-9\-.]{1,64})(?:/_history/[A-Za-z0-9\-.]+)?$`)

	// Absolute URL reference (with optional _history/vid).
	absoluteRefPattern = regexp.MustCompile(`^https?://\S+/([A-Z][A-Za-z]+)/([A-Za-z0-9\-.]{1,64})(?:/_history/[A-Za-z0-9\-.]+)?$`)
)

// canonicalFields hold canonical urls, optionally suffixed with |version.
var canonicalFields = map[string]bool{
	"baseDefinition":        true,
	"valueSet":              true,
	"profile":               true,
	"targetProfile":         true,
	"supplements":           true,
	"derivedFrom":           true,
	"imports":               true,
	"instantiatesCanonical": true,
	"library":               true,
	"questionnaire":         true,
	"valueCanonical":        true,
}

// freeTextFields are never searched for loose references.
var freeTextFields = map[string]bool{
	"text":        true,
	"div":         true,
	"display":     true,
	"description": true,
	"comment":     true,
}

// Extractor extracts references from resources. It is safe for concurrent use.
type Extractor struct {
	strategy fv.ReferenceStrategy
}

// New creates an Extractor. An empty strategy means structural.
func New(strategy fv.ReferenceStrategy) *Extractor {
	if strategy == "" {
		strategy = fv.StrategyStructural
	}
	return &Extractor{strategy: strategy}
}

// Strategy returns the configured strategy.
func (e *Extractor) Strategy() fv.ReferenceStrategy {
	return e.strategy
}

// Extract returns the references declared by r, sorted and without duplicates.
// Local fragment references (#id) are ignored.
func (e *Extractor) Extract(r *fv.Resource) []fv.Reference {
	if r == nil || r.Body == nil {
		return nil
	}
	c := &collector{
		from:       r.Key(),
		aggressive: e.strategy == fv.StrategyAggressive,
	}
	c.object(r.Body, r.Type)
	return normalize(c.refs)
}

type collector struct {
	from       fv.Key
	aggressive bool
	refs       []fv.Reference
}

func (c *collector) walk(v value.Value, path string) {
	switch t := v.(type) {
	case *value.Object:
		c.object(t, path)
	case value.Array:
		for _, item := range t {
			c.walk(item, path)
		}
	case value.String:
		if c.aggressive {
			if ref, ok := parseTyped(string(t)); ok {
				c.add(ref, path)
			}
		}
	}
}

func (c *collector) object(o *value.Object, path string) {
	_, isResource := o.Get("resourceType")
	for _, m := range o.Members() {
		childPath := path + "." + m.Key
		switch {
		case m.Key == "id" || m.Key == "fullUrl":
			continue
		case isResource && (m.Key == "url" || m.Key == "resourceType"):
			continue
		case m.Key == "reference":
			if s, ok := m.Value.(value.String); ok {
				if ref, ok := Parse(string(s)); ok {
					c.add(ref, childPath)
				}
				continue
			}
		case canonicalFields[m.Key]:
			c.canonicals(m.Value, childPath)
			continue
		case c.aggressive && freeTextFields[m.Key]:
			continue
		}
		c.walk(m.Value, childPath)
	}
}

func (c *collector) canonicals(v value.Value, path string) {
	switch t := v.(type) {
	case value.String:
		if ref, ok := ParseCanonical(string(t)); ok {
			c.add(ref, path)
		}
	case value.Array:
		for _, item := range t {
			c.canonicals(item, path)
		}
	case *value.Object:
		c.object(t, path)
	}
}

func (c *collector) add(ref fv.Reference, path string) {
	ref.From = c.from
	ref.Path = path
	c.refs = append(c.refs, ref)
}

// Parse interprets the value of a Reference.reference element. Typed relative
// and absolute references carry a Target; anything else that is not a local
// fragment is kept by its raw value so it can still match a Bundle fullUrl.
func Parse(raw string) (fv.Reference, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return fv.Reference{}, false
	}
	if ref, ok := parseTyped(raw); ok {
		return ref, true
	}
	return fv.Reference{Raw: raw}, true
}

// ParseCanonical splits a canonical url into url and version.
func ParseCanonical(raw string) (fv.Reference, bool) {
	raw = strings.TrimSpace(raw)
	url := raw
	if i := strings.IndexByte(url, '#'); i >= 0 {
		url = url[:i]
	}
	var version string
	if i := strings.IndexByte(url, '|'); i >= 0 {
		url, version = url[:i], url[i+1:]
	}
	if url == "" {
		return fv.Reference{}, false
	}
	return fv.Reference{Raw: raw, Canonical: url, Version: version}, true
}

// parseTyped matches Type/id and http(s)://.../Type/id with a known resource type.
func parseTyped(raw string) (fv.Reference, bool) {
	for _, p := range []*regexp.Regexp{relativeRefPattern, absoluteRefPattern} {
		m := p.FindStringSubmatch(raw)
		if m == nil || !IsResourceType(m[1]) {
			continue
		}
		return fv.Reference{Raw: raw, Target: fv.Key{Type: m[1], ID: m[2]}}, true
	}
	return fv.Reference{}, false
}

// normalize sorts refs and drops entries pointing at the same target. The
// first path in sort order is kept.
func normalize(refs []fv.Reference) []fv.Reference {
	if len(refs) == 0 {
		return nil
	}
	slices.SortFunc(refs, func(a, b fv.Reference) int {
		if c := compareTarget(a, b); c != 0 {
			return c
		}
		return cmp.Compare(a.Path, b.Path)
	})
	out := refs[:1]
	for _, r := range refs[1:] {
		if compareTarget(out[len(out)-1], r) != 0 {
			out = append(out, r)
		}
	}
	return out
}

func compareTarget(a, b fv.Reference) int {
	if c := a.Target.Compare(b.Target); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Canonical, b.Canonical); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Version, b.Version); c != 0 {
		return c
	}
	return cmp.Compare(a.Raw, b.Raw)
}
