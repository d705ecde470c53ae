package validate

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/decode"
	"github.com/gofhir/uploader/fhirclient"
	"github.com/gofhir/uploader/internal/fhirtest"
)

func resource(t *testing.T, name, data string) *fv.Resource {
	t.Helper()
	res := decode.New().Unit(decode.Input{Name: name, Data: []byte(data)})
	require.Nil(t, res.Err)
	require.Len(t, res.Resources, 1)
	return res.Resources[0]
}

func accept(valid bool, issues ...fv.Issue) Validator {
	return Func(func(context.Context, *fv.Resource, string) (*Verdict, error) {
		return &Verdict{Valid: valid, Issues: issues}, nil
	})
}

func TestRemote(t *testing.T) {
	srv := fhirtest.NewServer()
	defer srv.Close()
	var seen []string
	srv.Validate = func(resourceType string, body []byte) (int, string) {
		if strings.Contains(string(body), `"gender":"unknown-value"`) {
			return http.StatusUnprocessableEntity, `{"severity":"error","code":"code-invalid","diagnostics":"bad gender","expression":["Patient.gender"]}`
		}
		seen = append(seen, resourceType)
		return http.StatusOK, `{"severity":"information","code":"informational","diagnostics":"All OK"}`
	}
	v := NewRemote(fhirclient.New(srv.URL))

	t.Run("valid", func(t *testing.T) {
		verdict, err := v.Validate(context.Background(), resource(t, "ok.json", `{"resourceType":"Patient","id":"a"}`), "")
		require.NoError(t, err)
		assert.True(t, verdict.Valid)
		assert.Equal(t, []string{"Patient"}, seen)
	})

	t.Run("invalid", func(t *testing.T) {
		r := resource(t, "bad.json", `{"resourceType":"Patient","id":"b","gender":"unknown-value"}`)
		verdict, err := v.Validate(context.Background(), r, "")
		require.NoError(t, err)
		assert.False(t, verdict.Valid)
		require.Len(t, verdict.Issues, 1)
		assert.Equal(t, "bad gender", verdict.Issues[0].Diagnostics)
		assert.Equal(t, []string{"Patient.gender"}, verdict.Issues[0].Expression)

		var vf *fv.ValidationFailure
		require.ErrorAs(t, Failure(r, verdict), &vf)
		assert.Equal(t, fv.Key{Type: "Patient", ID: "b"}, vf.Key)
		assert.Equal(t, fv.ReasonValidation, fv.ReasonFor(vf))
	})

	t.Run("unreachable", func(t *testing.T) {
		dead := NewRemote(fhirclient.New("http://127.0.0.1:1"))
		_, err := dead.Validate(context.Background(), resource(t, "ok.json", `{"resourceType":"Patient","id":"a"}`), "")
		assert.Error(t, err)
	})
}

func TestRules(t *testing.T) {
	rules, err := NewRules(DefaultRules()...)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultRules()), rules.Len())

	tests := []struct {
		name    string
		data    string
		valid   bool
		message string
	}{
		{
			name:  "plain patient",
			data:  `{"resourceType":"Patient","id":"p","active":true}`,
			valid: true,
		},
		{
			name:    "nested contained",
			data:    `{"resourceType":"Patient","id":"p","contained":[{"resourceType":"Organization","id":"o","contained":[{"resourceType":"Location","id":"l"}]}]}`,
			valid:   false,
			message: "dom-2",
		},
		{
			name:    "empty contact",
			data:    `{"resourceType":"Patient","id":"p","contact":[{"gender":"male"}]}`,
			valid:   false,
			message: "pat-1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := rules.Validate(context.Background(), resource(t, "r.json", tt.data), "")
			require.NoError(t, err)
			assert.Equal(t, tt.valid, verdict.Valid, "issues: %v", verdict.Issues)
			if tt.message != "" {
				require.NotEmpty(t, verdict.Issues)
				assert.Contains(t, verdict.Issues[0].Diagnostics, tt.message)
				assert.Equal(t, "invariant", verdict.Issues[0].Code)
			}
		})
	}
}

func TestRules_TypesAndSeverity(t *testing.T) {
	rules, err := NewRules(Rule{
		Key:        "org-active",
		Types:      []string{"Organization"},
		Expression: "active.exists()",
		Severity:   fv.SeverityWarning,
		Human:      "organizations should state whether they are active",
	})
	require.NoError(t, err)

	verdict, err := rules.Validate(context.Background(), resource(t, "p.json", `{"resourceType":"Patient","id":"p"}`), "")
	require.NoError(t, err)
	assert.Empty(t, verdict.Issues)

	verdict, err = rules.Validate(context.Background(), resource(t, "o.json", `{"resourceType":"Organization","id":"o"}`), "")
	require.NoError(t, err)
	assert.True(t, verdict.Valid)
	require.Len(t, verdict.Issues, 1)
	assert.Equal(t, fv.SeverityWarning, verdict.Issues[0].Severity)
}

func TestNewRules_BadExpression(t *testing.T) {
	_, err := NewRules(Rule{Key: "broken", Expression: "name.where("})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		missing []string
	}{
		{
			name: "complete profile",
			data: `{"resourceType":"StructureDefinition","id":"p","url":"http://example.org/sd/p","type":"Patient","kind":"resource","abstract":false,"differential":{"element":[{"path":"Patient"}]}}`,
		},
		{
			name:    "profile without type",
			data:    `{"resourceType":"StructureDefinition","id":"p","url":"http://example.org/sd/p","kind":"resource","abstract":false,"differential":{"element":[{"path":"Patient"}]}}`,
			missing: []string{"StructureDefinition.type"},
		},
		{
			name:    "value set without url",
			data:    `{"resourceType":"ValueSet","id":"v","status":"active"}`,
			missing: []string{"ValueSet.url"},
		},
		{
			name:    "search parameter without url",
			data:    `{"resourceType":"SearchParameter","id":"s"}`,
			missing: []string{"SearchParameter.url"},
		},
		{
			name: "non canonical type",
			data: `{"resourceType":"Patient","id":"x"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := NewCanonical().Validate(context.Background(), resource(t, "r.json", tt.data), "")
			require.NoError(t, err)
			assert.Equal(t, len(tt.missing) == 0, verdict.Valid)
			var got []string
			for _, i := range verdict.Issues {
				got = append(got, i.Expression...)
			}
			assert.Equal(t, tt.missing, got)
		})
	}
}

func TestCanonical_XML(t *testing.T) {
	r := resource(t, "vs.xml", `<ValueSet xmlns="http://hl7.org/fhir"><id value="v"/><status value="active"/></ValueSet>`)
	verdict, err := NewCanonical().Validate(context.Background(), r, "")
	require.NoError(t, err)
	assert.False(t, verdict.Valid)
}

func TestChain(t *testing.T) {
	warn := fv.Issue{Severity: fv.SeverityWarning, Diagnostics: "w"}
	fail := fv.Issue{Severity: fv.SeverityError, Diagnostics: "e"}
	r := resource(t, "p.json", `{"resourceType":"Patient","id":"p"}`)

	verdict, err := Chain{accept(true, warn), accept(false, fail)}.Validate(context.Background(), r, "")
	require.NoError(t, err)
	assert.False(t, verdict.Valid)
	assert.Equal(t, fv.Issues{warn, fail}, verdict.Issues)

	verdict, err = Chain{}.Validate(context.Background(), r, "")
	require.NoError(t, err)
	assert.True(t, verdict.Valid)
	assert.NoError(t, Failure(r, verdict))
}

func TestCached(t *testing.T) {
	var calls atomic.Int32
	inner := Func(func(context.Context, *fv.Resource, string) (*Verdict, error) {
		calls.Add(1)
		return &Verdict{Valid: true}, nil
	})
	metrics := fv.NewMetrics()
	c, err := NewCached(inner, 8, metrics)
	require.NoError(t, err)

	a := resource(t, "a.json", `{"resourceType":"Patient","id":"a"}`)
	same := resource(t, "copy.json", `{"resourceType":"Patient","id":"a"}`)
	for _, r := range []*fv.Resource{a, same, a} {
		_, err := c.Validate(context.Background(), r, "")
		require.NoError(t, err)
	}
	_, err = c.Validate(context.Background(), a, "http://example.org/profile")
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, c.Len())
	assert.InDelta(t, 0.5, metrics.CacheHitRate(), 0.001)

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestCached_ErrorsNotCached(t *testing.T) {
	var calls atomic.Int32
	inner := Func(func(context.Context, *fv.Resource, string) (*Verdict, error) {
		calls.Add(1)
		return nil, fv.ErrTimeout
	})
	c, err := NewCached(inner, 0, nil)
	require.NoError(t, err)

	r := resource(t, "a.json", `{"resourceType":"Patient","id":"a"}`)
	for range 2 {
		_, err := c.Validate(context.Background(), r, "")
		assert.ErrorIs(t, err, fv.ErrTimeout)
	}
	assert.Equal(t, int32(2), calls.Load())
}
