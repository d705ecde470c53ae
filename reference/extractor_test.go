package reference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/decode"
)

func decodeOne(t *testing.T, name, data string) *fv.Resource {
	t.Helper()
	res := decode.New().Unit(decode.Input{Name: name, Data: []byte(data)})
	require.Nil(t, res.Err)
	require.Len(t, res.Resources, 1)
	return res.Resources[0]
}

func targets(refs []fv.Reference) []string {
	var out []string
	for _, r := range refs {
		switch {
		case !r.Target.IsZero():
			out = append(out, r.Target.String())
		case r.IsCanonical():
			s := r.Canonical
			if r.Version != "" {
				s += "|" + r.Version
			}
			out = append(out, s)
		default:
			out = append(out, r.Raw)
		}
	}
	return out
}

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		ok     bool
		target fv.Key
	}{
		{"relative", "Patient/123", true, fv.Key{Type: "Patient", ID: "123"}},
		{"relative with history", "Patient/123/_history/2", true, fv.Key{Type: "Patient", ID: "123"}},
		{"absolute", "http://example.org/fhir/Organization/org-1", true, fv.Key{Type: "Organization", ID: "org-1"}},
		{"absolute https with history", "https://x.org/r4/Encounter/e.1/_history/7", true, fv.Key{Type: "Encounter", ID: "e.1"}},
		{"fragment", "#contained-1", false, fv.Key{}},
		{"empty", "  ", false, fv.Key{}},
		{"urn uuid", "urn:uuid:61ebe359-bfdc-4613-8bf2-c5e300945f0a", true, fv.Key{}},
		{"unknown type", "Patients/123", true, fv.Key{}},
		{"conditional", "Patient?identifier=123", true, fv.Key{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, ok := Parse(tt.raw)
			if ok != tt.ok {
				t.Fatalf("Parse(%q) ok = %v; want %v", tt.raw, ok, tt.ok)
			}
			if ref.Target != tt.target {
				t.Errorf("Parse(%q).Target = %v; want %v", tt.raw, ref.Target, tt.target)
			}
		})
	}
}

func TestParseCanonical(t *testing.T) {
	ref, ok := ParseCanonical("http://example.org/vs|2.1.0")
	require.True(t, ok)
	assert.Equal(t, "http://example.org/vs", ref.Canonical)
	assert.Equal(t, "2.1.0", ref.Version)

	ref, ok = ParseCanonical("http://example.org/Questionnaire/q#item-1")
	require.True(t, ok)
	assert.Equal(t, "http://example.org/Questionnaire/q", ref.Canonical)
	assert.Empty(t, ref.Version)

	_, ok = ParseCanonical("|1.0")
	assert.False(t, ok)
}

func TestExtract_Structural(t *testing.T) {
	r := decodeOne(t, "obs.json", `{
	  "resourceType": "Observation",
	  "id": "o1",
	  "meta": {"profile": ["http://example.org/StructureDefinition/obs|1.0"]},
	  "contained": [{"resourceType": "Device", "id": "dev", "owner": {"reference": "Organization/org1"}}],
	  "subject": {"reference": "Patient/p1", "display": "Patient/ignored"},
	  "encounter": {"reference": "http://example.org/fhir/Encounter/e1"},
	  "device": {"reference": "#dev"},
	  "performer": [{"reference": "Practitioner/dr1"}, {"reference": "Practitioner/dr1"}],
	  "basedOn": [{"reference": "urn:uuid:abc"}],
	  "note": [{"text": "see Patient/p9"}]
	}`)

	refs := New(fv.StrategyStructural).Extract(r)
	assert.Equal(t, []string{
		"urn:uuid:abc",
		"http://example.org/StructureDefinition/obs|1.0",
		"Encounter/e1",
		"Organization/org1",
		"Patient/p1",
		"Practitioner/dr1",
	}, targets(refs))

	for _, ref := range refs {
		assert.Equal(t, r.Key(), ref.From)
	}
	assert.Equal(t, "Observation.subject.reference", refs[4].Path)
	assert.Equal(t, "Observation.contained.owner.reference", refs[3].Path)
}

func TestExtract_OwnIdentityIsNotAReference(t *testing.T) {
	r := decodeOne(t, "sd.json", `{
	  "resourceType": "StructureDefinition",
	  "id": "Patient",
	  "url": "http://hl7.org/fhir/StructureDefinition/Patient",
	  "baseDefinition": "http://hl7.org/fhir/StructureDefinition/DomainResource",
	  "differential": {"element": [{"id": "Patient.generalPractitioner", "type": [{"code": "Reference", "targetProfile": ["http://hl7.org/fhir/StructureDefinition/Organization"]}]}]}
	}`)

	for _, strategy := range []fv.ReferenceStrategy{fv.StrategyStructural, fv.StrategyAggressive} {
		refs := New(strategy).Extract(r)
		assert.Equal(t, []string{
			"http://hl7.org/fhir/StructureDefinition/DomainResource",
			"http://hl7.org/fhir/StructureDefinition/Organization",
		}, targets(refs), "strategy %s", strategy)
	}
}

func TestExtract_Aggressive(t *testing.T) {
	r := decodeOne(t, "task.json", `{
	  "resourceType": "Task",
	  "id": "t1",
	  "text": {"status": "generated", "div": "<div>Patient/p7</div>"},
	  "description": "follow up on Patient/p8",
	  "input": [{"type": {"text": "x"}, "valueString": "Patient/p1"}],
	  "output": [{"type": {"text": "y"}, "valueUri": "http://example.org/fhir/Observation/o2"}],
	  "note": [{"text": "Patient/p9"}],
	  "code": {"coding": [{"code": "mg/dL", "display": "Practitioner/x"}]}
	}`)

	assert.Empty(t, New(fv.StrategyStructural).Extract(r))
	assert.Equal(t, []string{"Observation/o2", "Patient/p1"}, targets(New(fv.StrategyAggressive).Extract(r)))
}

func TestExtract_EmptyStrategyIsStructural(t *testing.T) {
	assert.Equal(t, fv.StrategyStructural, New("").Strategy())
	assert.Nil(t, New("").Extract(nil))
}

func TestExtract_JSONAndXMLAgree(t *testing.T) {
	jsonDoc := `{
	  "resourceType": "Encounter",
	  "id": "e1",
	  "meta": {"profile": ["http://example.org/StructureDefinition/enc"]},
	  "text": {"status": "generated", "div": "<div xmlns=\"http://www.w3.org/1999/xhtml\">Encounter</div>"},
	  "status": "finished",
	  "class": {"system": "http://terminology.hl7.org/CodeSystem/v3-ActCode", "code": "AMB"},
	  "subject": {"reference": "Patient/p1"},
	  "participant": [
	    {"individual": {"reference": "Practitioner/dr1"}},
	    {"individual": {"reference": "Practitioner/dr2"}}
	  ],
	  "serviceProvider": {"reference": "http://example.org/fhir/Organization/org1"},
	  "extension": [{"url": "http://example.org/ext", "valueReference": {"reference": "Location/loc1"}}]
	}`
	xmlDoc := `<Encounter xmlns="http://hl7.org/fhir">
	  <id value="e1"/>
	  <meta><profile value="http://example.org/StructureDefinition/enc"/></meta>
	  <text><status value="generated"/><div xmlns="http://www.w3.org/1999/xhtml">Encounter</div></text>
	  <extension url="http://example.org/ext">
	    <valueReference><reference value="Location/loc1"/></valueReference>
	  </extension>
	  <status value="finished"/>
	  <class><system value="http://terminology.hl7.org/CodeSystem/v3-ActCode"/><code value="AMB"/></class>
	  <subject><reference value="Patient/p1"/></subject>
	  <participant><individual><reference value="Practitioner/dr1"/></individual></participant>
	  <participant><individual><reference value="Practitioner/dr2"/></individual></participant>
	  <serviceProvider><reference value="http://example.org/fhir/Organization/org1"/></serviceProvider>
	</Encounter>`

	fromJSON := decodeOne(t, "e.json", jsonDoc)
	fromXML := decodeOne(t, "e.xml", xmlDoc)
	require.Equal(t, fromJSON.Key(), fromXML.Key())

	for _, strategy := range []fv.ReferenceStrategy{fv.StrategyStructural, fv.StrategyAggressive} {
		ex := New(strategy)
		assert.Equal(t, targets(ex.Extract(fromJSON)), targets(ex.Extract(fromXML)), "strategy %s", strategy)
	}
	assert.Len(t, New(fv.StrategyStructural).Extract(fromJSON), 6)
}
