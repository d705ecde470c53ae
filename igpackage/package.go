// Package igpackage reads FHIR Implementation Guide packages (.tgz) for
// upload: it reads the package manifest, selects the members holding
// resources and keeps only the newest version of each package.
package igpackage

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/decode"
)

// ManifestPath is the location of the manifest inside a package archive.
const ManifestPath = "package/package.json"

// memberPrefix holds every resource of a package.
const memberPrefix = "package/"

// Manifest is the package.json of a FHIR NPM package.
type Manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Canonical    string            `json:"canonical,omitempty"`
	FHIRVersions []string          `json:"fhirVersions,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Ref returns the package spec in "name#version" format.
func (m Manifest) Ref() string {
	return m.Name + "#" + m.Version
}

// Package is one package archive and its manifest.
type Package struct {
	Manifest Manifest
	Input    decode.Input
}

// Read opens the archive of in and parses its manifest.
func Read(in decode.Input) (*Package, error) {
	gzr, err := gzip.NewReader(bytes.NewReader(in.Data))
	if err != nil {
		return nil, errors.Wrapf(err, "%s is not a gzip archive", in.Name)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, errors.WithHint(errors.Newf("%s has no %s", in.Name, ManifestPath),
				"IG packages are npm-style archives with the resources under package/")
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", in.Name)
		}
		if header.Typeflag != tar.TypeReg || path.Clean(header.Name) != ManifestPath {
			continue
		}

		var m Manifest
		if err := json.NewDecoder(io.LimitReader(tr, 1<<20)).Decode(&m); err != nil {
			return nil, errors.Wrapf(err, "failed to parse manifest of %s", in.Name)
		}
		if m.Name == "" || m.Version == "" {
			return nil, errors.Newf("manifest of %s lacks name or version", in.Name)
		}
		return &Package{Manifest: m, Input: in}, nil
	}
}

// ReadAll reads every input. Inputs that cannot be read are reported as
// decode errors and left out.
func ReadAll(inputs []decode.Input) ([]*Package, []*fv.DecodeError) {
	var (
		pkgs     []*Package
		failures []*fv.DecodeError
	)
	for _, in := range inputs {
		p, err := Read(in)
		if err != nil {
			failures = append(failures, fv.NewDecodeError(in.Name, err))
			continue
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, failures
}

// Latest keeps the highest version of every package name, ordered by name.
// Versions that are not semver lose against any that are, and compare
// lexicographically among themselves.
func Latest(pkgs []*Package) []*Package {
	best := make(map[string]*Package, len(pkgs))
	for _, p := range pkgs {
		cur, ok := best[p.Manifest.Name]
		if !ok || newer(p.Manifest.Version, cur.Manifest.Version) {
			best[p.Manifest.Name] = p
		}
	}

	out := make([]*Package, 0, len(best))
	for _, p := range best {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *Package) int {
		return strings.Compare(a.Manifest.Name, b.Manifest.Name)
	})
	return out
}

func newer(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA == nil && errB == nil:
		return va.GreaterThan(vb)
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a > b
	}
}

// Inputs returns the archives of pkgs as decoder inputs.
func Inputs(pkgs []*Package) []decode.Input {
	out := make([]decode.Input, len(pkgs))
	for i, p := range pkgs {
		out[i] = p.Input
		out[i].ContentType = "application/gzip"
	}
	return out
}

// Selection restricts which package members and resources are uploaded.
type Selection struct {
	types map[string]bool
	skip  map[string]bool
}

// NewSelection keeps resources of the given types (all when empty) and
// drops the listed member files. Skip entries may be given with or without
// the package/ prefix.
func NewSelection(types, skipFiles []string) *Selection {
	s := &Selection{skip: make(map[string]bool, len(skipFiles))}
	if len(types) > 0 {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[strings.TrimSpace(t)] = true
		}
	}
	for _, f := range skipFiles {
		f = strings.ReplaceAll(strings.TrimSpace(f), `\`, "/")
		if f == "" {
			continue
		}
		s.skip[f] = true
		s.skip[strings.TrimPrefix(f, memberPrefix)] = true
	}
	return s
}

// Member reports whether an archive member should be decoded.
func (s *Selection) Member(name string) bool {
	name = strings.ReplaceAll(name, `\`, "/")
	if !strings.HasPrefix(name, memberPrefix) || name == ManifestPath {
		return false
	}
	// .index.json and other dot files are package metadata.
	if strings.HasPrefix(path.Base(name), ".") {
		return false
	}
	if !strings.EqualFold(path.Ext(name), ".json") {
		return false
	}
	return !s.skip[name] && !s.skip[strings.TrimPrefix(name, memberPrefix)]
}

// Resource reports whether a decoded resource should be uploaded.
func (s *Selection) Resource(r *fv.Resource) bool {
	return s.types == nil || s.types[r.Type]
}

// Types returns the selected resource types, sorted, or nil for all.
func (s *Selection) Types() []string {
	if s.types == nil {
		return nil
	}
	out := make([]string, 0, len(s.types))
	for t := range s.types {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// DecoderOptions returns the decoder configuration for package archives.
// Bundles inside packages are uploaded as they are.
func (s *Selection) DecoderOptions() []decode.Option {
	return []decode.Option{
		decode.WithMemberFilter(s.Member),
		decode.WithBundleFlattening(false),
	}
}
