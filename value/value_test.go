package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePreservesOrder(t *testing.T) {
	v, err := Parse([]byte(`{"resourceType":"Patient","id":"p1","active":true,"n":1.50,"x":null}`))
	require.NoError(t, err)

	obj, ok := v.(*Object)
	require.True(t, ok)

	var keys []string
	for _, m := range obj.Members() {
		keys = append(keys, m.Key)
	}
	assert.Equal(t, []string{"resourceType", "id", "active", "n", "x"}, keys)

	n, _ := obj.Get("n")
	assert.Equal(t, Number("1.50"), n)
	assert.Equal(t, `{"resourceType":"Patient","id":"p1","active":true,"n":1.50,"x":null}`, string(Marshal(v)))
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ``},
		{"truncated", `{"a":`},
		{"trailing", `{"a":1} {"b":2}`},
		{"garbage", `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.input)); err == nil {
				t.Errorf("Parse(%q) succeeded; want error", tt.input)
			}
		})
	}
}

func TestParseStripsBOM(t *testing.T) {
	v, err := Parse(append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"a":"b"}`)...))
	require.NoError(t, err)
	s, ok := v.(*Object).GetString("a")
	assert.True(t, ok)
	assert.Equal(t, "b", s)
}

func TestCanonicalSortsKeys(t *testing.T) {
	a, err := Parse([]byte(`{"b":1,"a":{"d":"x","c":[1,2]}}`))
	require.NoError(t, err)
	b, err := Parse([]byte(`{"a":{"c":[1,2],"d":"x"},"b":1}`))
	require.NoError(t, err)

	assert.Equal(t, string(Canonical(a)), string(Canonical(b)))
	assert.Equal(t, `{"a":{"c":[1,2],"d":"x"},"b":1}`, string(Canonical(a)))
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"member order ignored", `{"a":1,"b":2}`, `{"b":2,"a":1}`, true},
		{"numeric value", `{"a":1.0}`, `{"a":1}`, true},
		{"array order matters", `[1,2]`, `[2,1]`, false},
		{"extra member", `{"a":1}`, `{"a":1,"b":2}`, false},
		{"type mismatch", `{"a":"1"}`, `{"a":1}`, false},
		{"nulls", `null`, `null`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Parse([]byte(tt.a))
			require.NoError(t, err)
			b, err := Parse([]byte(tt.b))
			require.NoError(t, err)
			if got := Equal(a, b); got != tt.want {
				t.Errorf("Equal(%s, %s) = %v; want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestObjectMutation(t *testing.T) {
	obj := NewObject()
	obj.Set("a", String("1"))
	obj.Set("b", String("2"))
	obj.SetFirst("id", String("x"))
	obj.Set("a", String("3"))

	assert.Equal(t, `{"id":"x","a":"3","b":"2"}`, string(Marshal(obj)))
	assert.True(t, obj.Delete("a"))
	assert.False(t, obj.Delete("a"))
	assert.Equal(t, `{"id":"x","b":"2"}`, string(Marshal(obj)))

	got, ok := obj.GetString("b")
	assert.True(t, ok)
	assert.Equal(t, "2", got)
}

func TestCloneIsDeep(t *testing.T) {
	v, err := Parse([]byte(`{"meta":{"versionId":"1"},"list":[{"x":1}]}`))
	require.NoError(t, err)

	c := Clone(v).(*Object)
	meta, _ := c.GetObject("meta")
	meta.Delete("versionId")

	orig, ok := Lookup(v, "meta", "versionId")
	assert.True(t, ok)
	assert.Equal(t, String("1"), orig)
}

func TestMarshalEscapes(t *testing.T) {
	s := String("a\"b\\c\n<div>\x01")
	assert.Equal(t, `"a\"b\\c\n<div>\u0001"`, string(Marshal(s)))
}
