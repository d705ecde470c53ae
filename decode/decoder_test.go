package decode

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/value"
)

func TestSniff(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want Kind
	}{
		{"content type json", Input{ContentType: "application/fhir+json; charset=utf-8"}, KindJSON},
		{"content type xml", Input{ContentType: "application/fhir+xml"}, KindXML},
		{"content type zip", Input{ContentType: "application/zip"}, KindZip},
		{"extension json", Input{Name: "a/Patient.JSON"}, KindJSON},
		{"extension tar.gz", Input{Name: "pkg.tar.gz"}, KindTarGzip},
		{"extension tgz", Input{Name: "pkg.tgz"}, KindTarGzip},
		{"magic zip", Input{Data: []byte("PK\x03\x04rest")}, KindZip},
		{"magic gzip", Input{Data: []byte{0x1f, 0x8b, 0x08}}, KindTarGzip},
		{"leading brace", Input{Data: []byte("  \n{}")}, KindJSON},
		{"leading angle", Input{Data: []byte("<?xml version=\"1.0\"?>")}, KindXML},
		{"bom json", Input{Data: []byte("\xEF\xBB\xBF{}")}, KindJSON},
		{"unknown", Input{Name: "notes.txt", Data: []byte("hello")}, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sniff(tt.in); got != tt.want {
				t.Errorf("Sniff() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestUnit_JSON(t *testing.T) {
	d := New()
	res := d.Unit(Input{Name: "p.json", Data: []byte(`{"resourceType":"Patient","id":"p1","active":true}`)})
	require.Nil(t, res.Err)
	require.Len(t, res.Resources, 1)

	r := res.Resources[0]
	assert.Equal(t, fv.Key{Type: "Patient", ID: "p1"}, r.Key())
	assert.Equal(t, "p.json", r.SourceRef)
	assert.Equal(t, fv.FormatJSON, r.Format)
	assert.False(t, r.SyntheticID)
	assert.Len(t, r.Hash, 64)
}

func TestUnit_JSONRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		msg  string
	}{
		{"array", `[{"resourceType":"Patient"}]`, "want an object"},
		{"string", `"Patient"`, "want an object"},
		{"missing resourceType", `{"id":"x"}`, "missing resourceType"},
		{"malformed", `{"resourceType":`, "invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New().Unit(Input{Name: "bad.json", Data: []byte(tt.data)})
			require.NotNil(t, res.Err)
			assert.Equal(t, "bad.json", res.Err.SourceRef)
			assert.Contains(t, res.Err.Error(), tt.msg)
			assert.Empty(t, res.Resources)
		})
	}
}

func TestUnit_SyntheticIDIsStable(t *testing.T) {
	in := Input{Name: "anon.json", Data: []byte(`{"resourceType":"Observation","status":"final"}`)}
	a := New().Unit(in)
	b := New().Unit(in)
	require.Nil(t, a.Err)
	require.Nil(t, b.Err)

	ra, rb := a.Resources[0], b.Resources[0]
	assert.True(t, ra.SyntheticID)
	assert.Equal(t, ra.ID, rb.ID)
	assert.Equal(t, fv.SyntheticID("anon.json"), ra.ID)

	id, ok := ra.Body.GetString("id")
	assert.True(t, ok)
	assert.Equal(t, ra.ID, id)
}

func TestUnit_CanonicalFields(t *testing.T) {
	res := New().Unit(Input{Name: "vs.json", Data: []byte(`{"resourceType":"ValueSet","id":"vs","url":"http://example.org/vs","version":"1.0.0"}`)})
	require.Nil(t, res.Err)
	r := res.Resources[0]
	assert.Equal(t, "http://example.org/vs", r.CanonicalURL)
	assert.Equal(t, "1.0.0", r.CanonicalVersion)
	assert.True(t, r.IsCanonical())
}

func TestUnit_FlattensBundle(t *testing.T) {
	data := `{
	  "resourceType": "Bundle",
	  "type": "transaction",
	  "entry": [
	    {"fullUrl": "urn:uuid:1", "resource": {"resourceType": "Patient", "id": "p1"}},
	    {"request": {"method": "DELETE", "url": "Patient/old"}},
	    {"fullUrl": "http://example.org/fhir/Observation/o1", "resource": {"resourceType": "Observation", "id": "o1", "subject": {"reference": "urn:uuid:1"}}}
	  ]
	}`
	res := New().Unit(Input{Name: "b.json", Data: []byte(data)})
	require.Nil(t, res.Err)
	require.Len(t, res.Resources, 2)

	assert.Equal(t, "Patient/p1", res.Resources[0].Key().String())
	assert.Equal(t, "b.json#entry[0]", res.Resources[0].SourceRef)
	assert.Equal(t, "urn:uuid:1", res.Resources[0].FullURL)
	assert.Equal(t, "b.json#entry[2]", res.Resources[1].SourceRef)
}

func TestUnit_KeepsDocumentBundle(t *testing.T) {
	data := `{"resourceType":"Bundle","id":"doc","type":"document","entry":[{"resource":{"resourceType":"Composition","id":"c"}}]}`
	res := New().Unit(Input{Name: "doc.json", Data: []byte(data)})
	require.Nil(t, res.Err)
	require.Len(t, res.Resources, 1)
	assert.Equal(t, "Bundle/doc", res.Resources[0].Key().String())
}

func TestUnit_FlatteningDisabled(t *testing.T) {
	data := `{"resourceType":"Bundle","id":"c","type":"collection","entry":[{"resource":{"resourceType":"Patient","id":"p"}}]}`
	res := New(WithBundleFlattening(false)).Unit(Input{Name: "c.json", Data: []byte(data)})
	require.Nil(t, res.Err)
	require.Len(t, res.Resources, 1)
	assert.Equal(t, "Bundle", res.Resources[0].Type)
}

func TestUnit_BundleEntryErrorNamesEntry(t *testing.T) {
	data := `{"resourceType":"Bundle","type":"collection","entry":[{"resource":{"resourceType":"Patient","id":"p"}},{"resource":{"id":"x"}}]}`
	res := New().Unit(Input{Name: "b.json", Data: []byte(data)})
	require.NotNil(t, res.Err)
	assert.Equal(t, "b.json#entry[1]", res.Err.SourceRef)
}

const patientXML = `<?xml version="1.0" encoding="UTF-8"?>
<Patient xmlns="http://hl7.org/fhir">
  <id value="p1"/>
  <text>
    <status value="generated"/>
    <div xmlns="http://www.w3.org/1999/xhtml"><p>Patient/not-a-ref</p></div>
  </text>
  <name>
    <family value="Doe"/>
    <given value="Jane"/>
    <given value="Q"/>
  </name>
  <birthDate value="1970-01-01">
    <extension url="http://example.org/ext">
      <valueReference><reference value="Practitioner/dr1"/></valueReference>
    </extension>
  </birthDate>
  <managingOrganization>
    <reference value="Organization/org1"/>
  </managingOrganization>
</Patient>`

func TestUnit_XMLShape(t *testing.T) {
	res := New().Unit(Input{Name: "p.xml", Data: []byte(patientXML)})
	require.Nil(t, res.Err)
	require.Len(t, res.Resources, 1)

	r := res.Resources[0]
	assert.Equal(t, fv.Key{Type: "Patient", ID: "p1"}, r.Key())
	assert.Equal(t, fv.FormatXML, r.Format)

	given, ok := value.Lookup(r.Body, "name", "given")
	require.True(t, ok)
	assert.Equal(t, value.Array{value.String("Jane"), value.String("Q")}, given)

	ref, ok := value.Lookup(r.Body, "managingOrganization", "reference")
	require.True(t, ok)
	assert.Equal(t, value.String("Organization/org1"), ref)

	birth, ok := value.Lookup(r.Body, "birthDate")
	require.True(t, ok)
	assert.Equal(t, value.String("1970-01-01"), birth)

	extRef, ok := value.Lookup(r.Body, "_birthDate", "extension", "valueReference", "reference")
	require.True(t, ok)
	assert.Equal(t, value.String("Practitioner/dr1"), extRef)

	div, ok := value.Lookup(r.Body, "text", "div")
	require.True(t, ok)
	assert.Contains(t, string(div.(value.String)), "<p>Patient/not-a-ref</p>")

	payload, mediaType := r.Payload()
	assert.Equal(t, "application/fhir+xml", mediaType)
	assert.True(t, bytes.HasPrefix(payload, []byte("<Patient")))
}

func TestUnit_XMLContained(t *testing.T) {
	data := `<Observation xmlns="http://hl7.org/fhir">
	  <id value="o1"/>
	  <contained><Patient><id value="inline"/></Patient></contained>
	  <subject><reference value="#inline"/></subject>
	</Observation>`
	res := New().Unit(Input{Name: "o.xml", Data: []byte(data)})
	require.Nil(t, res.Err)

	contained, ok := value.Lookup(res.Resources[0].Body, "contained")
	require.True(t, ok)
	arr, ok := contained.(value.Array)
	require.True(t, ok)
	require.Len(t, arr, 1)
	rt, _ := arr[0].(*value.Object).GetString("resourceType")
	assert.Equal(t, "Patient", rt)
}

func TestUnit_XMLBundleFragments(t *testing.T) {
	data := `<Bundle xmlns="http://hl7.org/fhir">
	  <type value="collection"/>
	  <entry>
	    <fullUrl value="http://example.org/fhir/Patient/p1"/>
	    <resource><Patient><id value="p1"/></Patient></resource>
	  </entry>
	  <entry>
	    <resource><Encounter><status value="finished"/></Encounter></resource>
	  </entry>
	</Bundle>`
	res := New().Unit(Input{Name: "b.xml", Data: []byte(data)})
	require.Nil(t, res.Err)
	require.Len(t, res.Resources, 2)

	p := res.Resources[0]
	assert.Equal(t, "http://example.org/fhir/Patient/p1", p.FullURL)
	assert.Equal(t, `<Patient xmlns="http://hl7.org/fhir"><id value="p1"/></Patient>`, string(p.Raw))

	enc := res.Resources[1]
	assert.True(t, enc.SyntheticID)
	assert.Equal(t, fv.SyntheticID("b.xml#entry[1]"), enc.ID)
	assert.Equal(t,
		`<Encounter xmlns="http://hl7.org/fhir"><id value="`+enc.ID+`"/><status value="finished"/></Encounter>`,
		string(enc.Raw))
}

func TestUnit_XMLRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not a resource", `<patient/>`},
		{"unclosed", `<Patient><id value="x"/>`},
		{"empty", `   `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New().Unit(Input{Name: "x.xml", Data: []byte(tt.data)})
			assert.NotNil(t, res.Err)
		})
	}
}

func TestInjectXMLIDSelfClosing(t *testing.T) {
	got := injectXMLID([]byte(`<Patient xmlns="http://hl7.org/fhir"/>`), "a&b")
	assert.Equal(t, `<Patient xmlns="http://hl7.org/fhir"><id value="a&amp;b"/></Patient>`, string(got))
}

func buildZip(t *testing.T, files map[string]string, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func buildTarGz(t *testing.T, files map[string]string, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range order {
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestExpandZipSkipsNonResources(t *testing.T) {
	files := map[string]string{
		"data/":                   "",
		"data/p.json":             `{"resourceType":"Patient","id":"p"}`,
		"__MACOSX/data/._p.json":  "junk",
		"data/.hidden.json":       "{}",
		"data/readme.txt":         "hello",
		"package.json":            `{"name":"x"}`,
		"data/o.xml":              `<Observation xmlns="http://hl7.org/fhir"><id value="o"/></Observation>`,
		"validation-summary.json": `{}`,
	}
	order := []string{"data/", "data/p.json", "__MACOSX/data/._p.json", "data/.hidden.json", "data/readme.txt", "package.json", "data/o.xml", "validation-summary.json"}
	entries := New().Expand(Input{Name: "upload.zip", Data: buildZip(t, files, order)})

	var names []string
	for _, e := range entries {
		require.Nil(t, e.Err)
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"upload.zip!data/p.json", "upload.zip!data/o.xml"}, names)
}

func TestExpandBrokenArchive(t *testing.T) {
	entries := New().Expand(Input{Name: "broken.zip", Data: []byte("PK\x03\x04garbage")})
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Err)
	assert.Equal(t, "broken.zip", entries[0].Err.SourceRef)
}

func TestExpandTarGzLimitsAndFilter(t *testing.T) {
	files := map[string]string{
		"package/package.json":               `{"name":"ig","version":"1.0.0"}`,
		"package/StructureDefinition-a.json": `{"resourceType":"StructureDefinition","id":"a","url":"http://x/a"}`,
		"package/other/big.json":             strings.Repeat("x", 120),
		"example/Patient-p.json":             `{"resourceType":"Patient","id":"p"}`,
	}
	order := []string{"package/package.json", "package/StructureDefinition-a.json", "package/other/big.json", "example/Patient-p.json"}
	d := New(
		WithMaxMemberSize(80),
		WithMemberFilter(func(name string) bool { return strings.HasPrefix(name, "package/") }),
	)
	entries := d.Expand(Input{Name: "ig.tgz", Data: buildTarGz(t, files, order)})

	require.Len(t, entries, 2)
	assert.Nil(t, entries[0].Err)
	assert.Equal(t, "ig.tgz!package/StructureDefinition-a.json", entries[0].Name)
	require.NotNil(t, entries[1].Err)
	assert.Contains(t, entries[1].Err.Error(), "exceeds")
}

func TestCheckMemberPath(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"package/a.json", false},
		{"./a.json", false},
		{"../a.json", true},
		{"a/../../b.json", true},
		{"/etc/a.json", true},
	}
	for _, tt := range tests {
		if err := checkMemberPath(tt.name); (err != nil) != tt.wantErr {
			t.Errorf("checkMemberPath(%q) error = %v; wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestAll_OrderAndIsolation(t *testing.T) {
	zipData := buildZip(t, map[string]string{
		"a.json": `{"resourceType":"Patient","id":"a"}`,
		"b.json": `{"broken`,
		"c.json": `{"resourceType":"Patient","id":"c"}`,
	}, []string{"a.json", "b.json", "c.json"})

	inputs := []Input{
		{Name: "first.json", Data: []byte(`{"resourceType":"Organization","id":"o"}`)},
		{Name: "bundle.zip", Data: zipData},
		{Name: "last.xml", Data: []byte(`<Practitioner xmlns="http://hl7.org/fhir"><id value="dr"/></Practitioner>`)},
	}
	results, err := New().All(context.Background(), inputs, 4)
	require.NoError(t, err)
	require.Len(t, results, 5)

	want := []string{"first.json", "bundle.zip!a.json", "bundle.zip!b.json", "bundle.zip!c.json", "last.xml"}
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, want[i], r.SourceRef)
	}
	assert.True(t, results[2].Failed())
	assert.False(t, results[3].Failed())
	assert.Equal(t, "Patient/c", results[3].Resources[0].Key().String())
}
