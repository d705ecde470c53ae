package decode

import (
	"github.com/cockroachdb/errors"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/value"
)

func (d *Decoder) decodeJSON(sourceRef string, data []byte) ([]*fv.Resource, error) {
	v, err := value.Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, "invalid JSON")
	}
	obj, ok := v.(*value.Object)
	if !ok {
		return nil, errors.Newf("top-level JSON value is %s, want an object", v.Kind())
	}
	return d.fromJSONObject(sourceRef, obj)
}

func (d *Decoder) fromJSONObject(sourceRef string, obj *value.Object) ([]*fv.Resource, error) {
	if d.shouldFlatten(obj) {
		return d.flattenJSONBundle(sourceRef, obj)
	}
	r, err := finish(sourceRef, obj, nil, fv.FormatJSON)
	if err != nil {
		return nil, fv.NewDecodeError(sourceRef, err)
	}
	return []*fv.Resource{r}, nil
}

func (d *Decoder) flattenJSONBundle(sourceRef string, bundle *value.Object) ([]*fv.Resource, error) {
	var out []*fv.Resource
	for i, e := range entries(bundle) {
		ref := entryRef(sourceRef, i)
		entry, ok := e.(*value.Object)
		if !ok {
			return nil, fv.NewDecodeError(ref, errors.New("bundle entry is not an object"))
		}
		res, ok := entry.GetObject("resource")
		if !ok {
			continue
		}
		rs, err := d.fromJSONObject(ref, res)
		if err != nil {
			return nil, err
		}
		if fullURL, ok := entry.GetString("fullUrl"); ok && len(rs) == 1 {
			rs[0].FullURL = fullURL
		}
		out = append(out, rs...)
	}
	return out, nil
}

// shouldFlatten reports whether obj is a Bundle whose entries are uploaded individually.
func (d *Decoder) shouldFlatten(obj *value.Object) bool {
	if !d.flatten {
		return false
	}
	if rt, _ := obj.GetString("resourceType"); rt != "Bundle" {
		return false
	}
	bt, _ := obj.GetString("type")
	return !keptBundleTypes[bt]
}

// entries returns Bundle.entry as a list. A single entry object, as produced
// by the XML decoder for a one-entry bundle, is returned as a list of one.
func entries(bundle *value.Object) value.Array {
	v, ok := bundle.Get("entry")
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case value.Array:
		return t
	case *value.Object:
		return value.Array{t}
	default:
		return value.Array{t}
	}
}
