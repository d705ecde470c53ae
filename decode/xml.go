package decode

import (
	"bytes"
	"encoding/xml"
	"io"

	"github.com/cockroachdb/errors"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/value"
)

const fhirNamespace = "http://hl7.org/fhir"

// span locates a resource element inside the source document.
type span struct {
	start, end int64
	name       string
}

// xmlReader maps FHIR XML onto the same shape as the JSON encoding:
//
//	element name           -> member name
//	value attribute        -> primitive string
//	repeated elements      -> array
//	<x><Patient>..</x>     -> x: {"resourceType": "Patient", ...}
//	xhtml div              -> string holding the raw markup
//
// Children of a primitive (extensions) go to a sibling "_name" member, as in JSON.
type xmlReader struct {
	data  []byte
	dec   *xml.Decoder
	spans map[*value.Object]span
}

func (d *Decoder) decodeXML(sourceRef string, data []byte) ([]*fv.Resource, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	xr := &xmlReader{
		data:  data,
		dec:   xml.NewDecoder(bytes.NewReader(data)),
		spans: make(map[*value.Object]span),
	}

	for {
		before := xr.dec.InputOffset()
		tok, err := xr.dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, errors.New("no root element")
		}
		if err != nil {
			return nil, errors.Wrap(err, "invalid XML")
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !isResourceName(se.Name.Local) {
			return nil, errors.Newf("root element <%s> is not a FHIR resource", se.Name.Local)
		}
		obj, err := xr.resource(se, before)
		if err != nil {
			return nil, err
		}
		return d.fromXMLObject(sourceRef, obj, xr)
	}
}

func (d *Decoder) fromXMLObject(sourceRef string, obj *value.Object, xr *xmlReader) ([]*fv.Resource, error) {
	if d.shouldFlatten(obj) {
		var out []*fv.Resource
		for i, e := range entries(obj) {
			entry, ok := e.(*value.Object)
			if !ok {
				continue
			}
			res, ok := entry.GetObject("resource")
			if !ok {
				continue
			}
			rs, err := d.fromXMLObject(entryRef(sourceRef, i), res, xr)
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

	r, err := finish(sourceRef, obj, xr.fragment(obj), fv.FormatXML)
	if err != nil {
		return nil, fv.NewDecodeError(sourceRef, err)
	}
	return []*fv.Resource{r}, nil
}

// resource reads a resource element whose start tag has just been consumed.
func (xr *xmlReader) resource(se xml.StartElement, start int64) (*value.Object, error) {
	obj := value.NewObject()
	obj.Set("resourceType", value.String(se.Name.Local))
	if err := xr.children(obj); err != nil {
		return nil, err
	}
	xr.spans[obj] = span{start: start, end: xr.dec.InputOffset(), name: se.Name.Local}
	return obj, nil
}

// children reads child elements into obj up to the end tag of the current element.
func (xr *xmlReader) children(obj *value.Object) error {
	for {
		before := xr.dec.InputOffset()
		tok, err := xr.dec.Token()
		if err != nil {
			return errors.Wrap(err, "invalid XML")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, ext, err := xr.element(t, before)
			if err != nil {
				return err
			}
			addMember(obj, t.Name.Local, v)
			if ext != nil {
				addMember(obj, "_"+t.Name.Local, ext)
			}
		case xml.EndElement:
			return nil
		}
	}
}

// element reads one non-resource element. For primitives with children, the
// children are returned separately as ext.
func (xr *xmlReader) element(se xml.StartElement, start int64) (v value.Value, ext *value.Object, err error) {
	if se.Name.Local == "div" {
		if err := xr.dec.Skip(); err != nil {
			return nil, nil, errors.Wrap(err, "invalid XML")
		}
		return value.String(string(xr.data[start:xr.dec.InputOffset()])), nil, nil
	}

	var primitive *string
	obj := value.NewObject()
	for _, a := range se.Attr {
		if a.Name.Space != "" {
			continue
		}
		switch a.Name.Local {
		case "value":
			s := a.Value
			primitive = &s
		case "id", "url":
			obj.Set(a.Name.Local, value.String(a.Value))
		}
	}

	var nested *value.Object
	for {
		before := xr.dec.InputOffset()
		tok, err := xr.dec.Token()
		if err != nil {
			return nil, nil, errors.Wrap(err, "invalid XML")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if isResourceName(t.Name.Local) {
				r, err := xr.resource(t, before)
				if err != nil {
					return nil, nil, err
				}
				nested = r
				continue
			}
			cv, cext, err := xr.element(t, before)
			if err != nil {
				return nil, nil, err
			}
			addMember(obj, t.Name.Local, cv)
			if cext != nil {
				addMember(obj, "_"+t.Name.Local, cext)
			}
		case xml.EndElement:
			switch {
			case nested != nil:
				return nested, nil, nil
			case primitive != nil:
				if obj.Len() > 0 {
					return value.String(*primitive), obj, nil
				}
				return value.String(*primitive), nil, nil
			default:
				return obj, nil, nil
			}
		}
	}
}

// addMember adds v under name, turning repeated names into an array.
// contained is always a list in the JSON encoding.
func addMember(obj *value.Object, name string, v value.Value) {
	existing, ok := obj.Get(name)
	if !ok {
		if name == "contained" {
			obj.Set(name, value.Array{v})
			return
		}
		obj.Set(name, v)
		return
	}
	if arr, ok := existing.(value.Array); ok {
		obj.Set(name, append(arr, v))
		return
	}
	obj.Set(name, value.Array{existing, v})
}

// fragment returns the source bytes of a resource element, declaring the FHIR
// namespace on it when it relied on an ancestor's declaration.
func (xr *xmlReader) fragment(obj *value.Object) []byte {
	sp, ok := xr.spans[obj]
	if !ok {
		return nil
	}
	frag := xr.data[sp.start:sp.end]

	tagEnd := bytes.IndexByte(frag, '>')
	if tagEnd < 0 || bytes.Contains(frag[:tagEnd], []byte("xmlns")) {
		return append([]byte(nil), frag...)
	}
	insertAt := 1 + len(sp.name)
	out := make([]byte, 0, len(frag)+len(fhirNamespace)+10)
	out = append(out, frag[:insertAt]...)
	out = append(out, ` xmlns="`+fhirNamespace+`"`...)
	out = append(out, frag[insertAt:]...)
	return out
}

// injectXMLID adds an id element as the first child of the root element.
func injectXMLID(raw []byte, id string) []byte {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return raw
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		var escaped bytes.Buffer
		_ = xml.EscapeText(&escaped, []byte(id))
		idElem := `<id value="` + escaped.String() + `"/>`

		pos := int(dec.InputOffset())
		out := make([]byte, 0, len(raw)+len(idElem)+len(se.Name.Local)+3)
		if pos >= 2 && string(raw[pos-2:pos]) == "/>" {
			out = append(out, raw[:pos-2]...)
			out = append(out, '>')
			out = append(out, idElem...)
			out = append(out, "</"+se.Name.Local+">"...)
		} else {
			out = append(out, raw[:pos]...)
			out = append(out, idElem...)
		}
		return append(out, raw[pos:]...)
	}
}

// isResourceName reports whether an element name denotes a resource.
// FHIR element names start lowercase; resource type names start uppercase.
func isResourceName(name string) bool {
	return name != "" && name[0] >= 'A' && name[0] <= 'Z'
}
