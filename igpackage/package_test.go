package igpackage

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/decode"
)

type member struct {
	name string
	body string
}

func tgz(t *testing.T, members ...member) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, m := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     m.name,
			Mode:     0o644,
			Size:     int64(len(m.body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(m.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func pkg(t *testing.T, file, name, version string, members ...member) decode.Input {
	t.Helper()
	manifest := member{ManifestPath, `{"name":"` + name + `","version":"` + version + `","fhirVersions":["4.0.1"],"dependencies":{"hl7.fhir.r4.core":"4.0.1"}}`}
	return decode.Input{Name: file, Data: tgz(t, append([]member{manifest}, members...)...)}
}

func TestRead(t *testing.T) {
	p, err := Read(pkg(t, "us-core.tgz", "hl7.fhir.us.core", "6.1.0"))
	require.NoError(t, err)
	assert.Equal(t, "hl7.fhir.us.core#6.1.0", p.Manifest.Ref())
	assert.Equal(t, []string{"4.0.1"}, p.Manifest.FHIRVersions)
	assert.Equal(t, "4.0.1", p.Manifest.Dependencies["hl7.fhir.r4.core"])
}

func TestRead_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   decode.Input
		want string
	}{
		{"not gzip", decode.Input{Name: "x.tgz", Data: []byte("plain")}, "not a gzip archive"},
		{"no manifest", decode.Input{Name: "x.tgz", Data: tgz(t, member{"package/a.json", "{}"})}, "has no package/package.json"},
		{"bad manifest", decode.Input{Name: "x.tgz", Data: tgz(t, member{ManifestPath, "{"})}, "failed to parse manifest"},
		{"incomplete manifest", decode.Input{Name: "x.tgz", Data: tgz(t, member{ManifestPath, `{"name":"a"}`})}, "lacks name or version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(tt.in)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReadAll(t *testing.T) {
	pkgs, failures := ReadAll([]decode.Input{
		pkg(t, "a.tgz", "a", "1.0.0"),
		{Name: "broken.tgz", Data: []byte("x")},
	})
	require.Len(t, pkgs, 1)
	require.Len(t, failures, 1)
	assert.Equal(t, "broken.tgz", failures[0].SourceRef)
}

func TestLatest(t *testing.T) {
	mk := func(name, version string) *Package {
		return &Package{Manifest: Manifest{Name: name, Version: version}}
	}
	got := Latest([]*Package{
		mk("b", "1.2.0"),
		mk("a", "1.10.0"),
		mk("a", "1.9.0"),
		mk("b", "1.2.0-ballot"),
		mk("c", "current"),
		mk("c", "0.1.0"),
	})

	var refs []string
	for _, p := range got {
		refs = append(refs, p.Manifest.Ref())
	}
	assert.Equal(t, []string{"a#1.10.0", "b#1.2.0", "c#0.1.0"}, refs)
}

func TestSelection_Member(t *testing.T) {
	s := NewSelection(nil, []string{"package/Bundle-skip.json", "ValueSet-big.json"})
	tests := []struct {
		name string
		want bool
	}{
		{"package/Patient-a.json", true},
		{"package/example/Patient-b.json", true},
		{"package/Patient-a.xml", false},
		{"other/Patient-a.json", false},
		{"package/Bundle-skip.json", false},
		{"package/ValueSet-big.json", false},
		{ManifestPath, false},
		{"package/.index.json", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Member(tt.name))
		})
	}
}

func TestSelection_Resource(t *testing.T) {
	all := NewSelection(nil, nil)
	only := NewSelection([]string{"StructureDefinition", " ValueSet"}, nil)

	sd := &fv.Resource{Type: "StructureDefinition"}
	pt := &fv.Resource{Type: "Patient"}
	assert.True(t, all.Resource(pt))
	assert.True(t, only.Resource(sd))
	assert.False(t, only.Resource(pt))
	assert.Equal(t, []string{"StructureDefinition", "ValueSet"}, only.Types())
	assert.Nil(t, all.Types())
}

func TestSelection_Decode(t *testing.T) {
	in := pkg(t, "ig.tgz", "example.ig", "0.1.0",
		member{"package/StructureDefinition-p.json", `{"resourceType":"StructureDefinition","id":"p","url":"http://example.org/sd/p"}`},
		member{"package/Bundle-b.json", `{"resourceType":"Bundle","id":"b","type":"collection","entry":[{"resource":{"resourceType":"Patient","id":"x"}}]}`},
		member{"package/.index.json", `{"index-version":1}`},
		member{"package/other/readme.md", "hello"},
		member{"package/skip-me.json", `{"resourceType":"Patient","id":"s"}`},
	)
	sel := NewSelection(nil, []string{"skip-me.json"})
	results, err := decode.New(sel.DecoderOptions()...).All(context.Background(), Inputs([]*Package{{Input: in}}), 2)
	require.NoError(t, err)

	var keys []string
	for _, r := range results {
		require.Nil(t, r.Err)
		for _, res := range r.Resources {
			keys = append(keys, res.Key().String())
		}
	}
	assert.Equal(t, []string{"StructureDefinition/p", "Bundle/b"}, keys)
}
