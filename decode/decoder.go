// Package decode turns raw input units into resources.
//
// An input unit is one JSON document, one XML document or one archive. Archives
// (zip, tgz) are expanded into their members first; each member is decoded on
// its own so a broken member never hides its siblings. Bundles of type
// collection, transaction, batch, searchset and history are flattened into
// their entry resources.
package decode

import (
	"context"
	"path"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/value"
	"github.com/gofhir/uploader/worker"
)

// Input is one raw input unit.
type Input struct {
	// Name identifies the unit in errors and events, usually a file name.
	Name string
	Data []byte

	// ContentType is the declared media type, if any.
	ContentType string
}

// Result is the decode outcome of one unit, after archive expansion.
type Result struct {
	Index     int
	SourceRef string
	Resources []*fv.Resource
	Err       *fv.DecodeError
}

// Failed reports whether the unit failed to decode.
func (r Result) Failed() bool {
	return r.Err != nil
}

// manifestFiles are package metadata members that never hold resources.
var manifestFiles = map[string]bool{
	"package.json":            true,
	".index.json":             true,
	"validation-summary.json": true,
	"validation-oo.json":      true,
}

// keptBundleTypes are stored as Bundle resources rather than flattened.
var keptBundleTypes = map[string]bool{
	"document": true,
	"message":  true,
}

// Decoder decodes input units. It is safe for concurrent use.
type Decoder struct {
	maxMemberSize int64
	memberFilter  func(name string) bool
	flatten       bool
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxMemberSize caps the size of a single archive member.
func WithMaxMemberSize(n int64) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxMemberSize = n
		}
	}
}

// WithMemberFilter restricts which archive members are decoded. It runs after
// the built-in skip rules.
func WithMemberFilter(keep func(name string) bool) Option {
	return func(d *Decoder) {
		d.memberFilter = keep
	}
}

// WithBundleFlattening controls whether Bundles are split into their entries.
func WithBundleFlattening(enable bool) Option {
	return func(d *Decoder) {
		d.flatten = enable
	}
}

// New creates a Decoder.
func New(opts ...Option) *Decoder {
	d := &Decoder{
		maxMemberSize: 100 << 20,
		flatten:       true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// All expands archives and decodes every unit with at most workers in
// parallel. Results follow input order, archive members in archive order.
func (d *Decoder) All(ctx context.Context, inputs []Input, workers int) ([]Result, error) {
	var units []Result
	var pending []Input
	for _, in := range inputs {
		for _, e := range d.Expand(in) {
			if e.Err != nil {
				units = append(units, Result{SourceRef: e.Err.SourceRef, Err: e.Err})
				continue
			}
			units = append(units, Result{SourceRef: e.Name})
			pending = append(pending, e.Input)
		}
	}

	decoded, err := worker.Map(ctx, workers, pending, func(_ context.Context, in Input) Result {
		return d.Unit(in)
	})

	j := 0
	for i := range units {
		units[i].Index = i
		if units[i].Err != nil {
			continue
		}
		units[i].Resources = decoded[j].Resources
		units[i].Err = decoded[j].Err
		j++
	}
	return units, err
}

// Unit decodes one non-archive input unit.
func (d *Decoder) Unit(in Input) Result {
	res := Result{SourceRef: in.Name}

	var (
		resources []*fv.Resource
		err       error
	)
	switch Sniff(in) {
	case KindJSON:
		resources, err = d.decodeJSON(in.Name, in.Data)
	case KindXML:
		resources, err = d.decodeXML(in.Name, in.Data)
	case KindZip, KindTarGzip:
		err = errors.New("nested archives are not supported")
	default:
		err = errors.New("unrecognized content: expected JSON or XML")
	}
	if err != nil {
		var de *fv.DecodeError
		if !errors.As(err, &de) {
			de = fv.NewDecodeError(in.Name, err)
		}
		res.Err = de
		return res
	}
	res.Resources = resources
	return res
}

// keepMember applies the archive skip rules to a member name.
func (d *Decoder) keepMember(name string) bool {
	if strings.HasSuffix(name, "/") {
		return false
	}
	if strings.HasPrefix(name, "__MACOSX/") || strings.Contains(name, "/__MACOSX/") {
		return false
	}
	base := path.Base(name)
	if manifestFiles[base] {
		return false
	}
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(path.Ext(base)) {
	case ".json", ".xml":
	default:
		return false
	}
	if d.memberFilter != nil && !d.memberFilter(name) {
		return false
	}
	return true
}

// finish fills in identity, canonical and hash fields of a decoded resource.
func finish(sourceRef string, body *value.Object, raw []byte, format fv.Format) (*fv.Resource, error) {
	rt, ok := body.GetString("resourceType")
	if !ok || rt == "" {
		return nil, errors.New("missing resourceType")
	}

	r := &fv.Resource{
		Type:      rt,
		Body:      body,
		Raw:       raw,
		Format:    format,
		SourceRef: sourceRef,
	}

	if id, ok := body.GetString("id"); ok && id != "" {
		r.ID = id
	} else {
		r.ID = fv.SyntheticID(sourceRef)
		r.SyntheticID = true
		body.Set("id", value.String(r.ID))
		if format == fv.FormatXML {
			r.Raw = injectXMLID(raw, r.ID)
		}
	}

	if fv.IsCanonicalType(rt) {
		r.CanonicalURL, _ = body.GetString("url")
		r.CanonicalVersion, _ = body.GetString("version")
	}

	r.Hash = fv.ContentHash(body)
	return r, nil
}

func entryRef(sourceRef string, i int) string {
	return sourceRef + "#entry[" + strconv.Itoa(i) + "]"
}
