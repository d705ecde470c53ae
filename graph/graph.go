// Package graph builds the dependency graph of a run and derives the upload plan.
//
// An edge u -> v means resource u references resource v, so v must be uploaded
// first. References that do not resolve to a resource of the run are external
// and only counted.
package graph

import (
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"

	fv "github.com/gofhir/uploader"
)

// Node is one decoded resource with its extracted references.
type Node struct {
	Resource   *fv.Resource
	References []fv.Reference
}

// Graph is an immutable dependency graph.
type Graph struct {
	keys       []fv.Key
	resources  map[fv.Key]*fv.Resource
	deps       map[fv.Key][]fv.Key
	dependents map[fv.Key][]fv.Key

	canonical map[string]fv.Key
	alias     map[string]fv.Key

	stats fv.GraphStats
}

// Build creates the graph for nodes. Resources sharing a key with identical
// content are merged; differing content yields a *fv.DuplicateResourceError.
// The returned graph is usable for Stats even when that error is returned.
func Build(nodes []Node) (*Graph, error) {
	g := &Graph{
		resources:  make(map[fv.Key]*fv.Resource, len(nodes)),
		deps:       make(map[fv.Key][]fv.Key, len(nodes)),
		dependents: make(map[fv.Key][]fv.Key),
		canonical:  make(map[string]fv.Key),
		alias:      make(map[string]fv.Key),
	}

	refs := make(map[fv.Key][]fv.Reference, len(nodes))
	conflicts := make(map[fv.Key]*fv.DuplicateResourceError)
	for _, n := range nodes {
		if n.Resource == nil {
			continue
		}
		k := n.Resource.Key()
		first, ok := g.resources[k]
		if !ok {
			g.resources[k] = n.Resource
			refs[k] = n.References
			continue
		}
		if first.Hash == n.Resource.Hash {
			g.stats.Duplicates++
			continue
		}
		dup, ok := conflicts[k]
		if !ok {
			dup = &fv.DuplicateResourceError{Key: k, Sources: []string{first.SourceRef}}
			conflicts[k] = dup
		}
		dup.Sources = append(dup.Sources, n.Resource.SourceRef)
	}

	g.keys = make([]fv.Key, 0, len(g.resources))
	for k := range g.resources {
		g.keys = append(g.keys, k)
	}
	slices.SortFunc(g.keys, fv.Key.Compare)
	g.index()

	for _, k := range g.keys {
		for _, ref := range refs[k] {
			target, ok := g.Resolve(ref)
			if !ok {
				g.stats.External++
				continue
			}
			// A canonical naming its own resource is not a dependency.
			if ref.Canonical != "" && target == k {
				continue
			}
			if !slices.Contains(g.deps[k], target) {
				g.deps[k] = append(g.deps[k], target)
				g.dependents[target] = append(g.dependents[target], k)
				g.stats.Edges++
			}
		}
	}
	for _, k := range g.keys {
		slices.SortFunc(g.deps[k], fv.Key.Compare)
		slices.SortFunc(g.dependents[k], fv.Key.Compare)
	}
	g.stats.Nodes = len(g.keys)

	if len(conflicts) > 0 {
		for _, k := range g.keys {
			if dup, ok := conflicts[k]; ok {
				return g, dup
			}
		}
	}
	return g, nil
}

// index registers canonical urls and Bundle aliases. When several versions of
// one canonical url are present, the bare url resolves to the highest version.
func (g *Graph) index() {
	best := make(map[string]*fv.Resource)
	for _, k := range g.keys {
		r := g.resources[k]
		if r.FullURL != "" {
			if _, taken := g.alias[r.FullURL]; !taken {
				g.alias[r.FullURL] = k
			}
		}
		if !r.IsCanonical() {
			continue
		}
		if r.CanonicalVersion != "" {
			versioned := r.CanonicalURL + "|" + r.CanonicalVersion
			if _, taken := g.canonical[versioned]; !taken {
				g.canonical[versioned] = k
			}
		}
		if cur, ok := best[r.CanonicalURL]; !ok || newerVersion(r.CanonicalVersion, cur.CanonicalVersion) {
			best[r.CanonicalURL] = r
		}
	}
	for url, r := range best {
		g.canonical[url] = r.Key()
	}
}

// newerVersion reports whether a is strictly newer than b. Semantic versions
// compare numerically, anything else lexicographically.
func newerVersion(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.GreaterThan(vb)
	}
	return a > b
}

// Resolve maps a reference to a resource of the graph: by key, then by
// canonical url (url|version before url), then by Bundle fullUrl.
func (g *Graph) Resolve(ref fv.Reference) (fv.Key, bool) {
	if !ref.Target.IsZero() {
		if _, ok := g.resources[ref.Target]; ok {
			return ref.Target, true
		}
	}
	if ref.Canonical != "" {
		if ref.Version != "" {
			if k, ok := g.canonical[ref.Canonical+"|"+ref.Version]; ok {
				return k, true
			}
		}
		if k, ok := g.canonical[ref.Canonical]; ok {
			return k, true
		}
	}
	if ref.Raw != "" {
		raw := ref.Raw
		if i := strings.Index(raw, "/_history/"); i >= 0 {
			raw = raw[:i]
		}
		if k, ok := g.alias[raw]; ok {
			return k, true
		}
	}
	return fv.Key{}, false
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.keys) }

// Keys returns the node keys in key order.
func (g *Graph) Keys() []fv.Key { return slices.Clone(g.keys) }

// Has reports whether k is a node.
func (g *Graph) Has(k fv.Key) bool {
	_, ok := g.resources[k]
	return ok
}

// Resource returns the resource stored under k.
func (g *Graph) Resource(k fv.Key) *fv.Resource { return g.resources[k] }

// Deps returns the keys k depends on, in key order.
func (g *Graph) Deps(k fv.Key) []fv.Key { return g.deps[k] }

// Dependents returns the keys depending on k, in key order.
func (g *Graph) Dependents(k fv.Key) []fv.Key { return g.dependents[k] }

// Stats returns node, edge, external reference and duplicate counts.
func (g *Graph) Stats() fv.GraphStats { return g.stats }
