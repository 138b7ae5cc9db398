package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtension(t *testing.T) {
	ext, err := ParseExtension([]byte(`{"big": 9007199254740993, "f": 1.5, "s": "v", "b": true}`))
	require.NoError(t, err)

	n, ok := ext.Int("big")
	assert.True(t, ok)
	assert.Equal(t, int64(9007199254740993), n)

	_, ok = ext.Int("f")
	assert.False(t, ok)
	f, ok := ext.Number("f")
	assert.True(t, ok)
	assert.Equal(t, int64(1), f)

	s, ok := ext.String("s")
	assert.True(t, ok)
	assert.Equal(t, "v", s)

	b, ok := ext.Bool("b")
	assert.True(t, ok)
	assert.True(t, b)
}

func TestParseExtensionNonObject(t *testing.T) {
	for _, raw := range []string{"", "null", "[1,2]", `"x"`} {
		ext, err := ParseExtension([]byte(raw))
		require.NoError(t, err, raw)
		assert.Empty(t, ext, raw)
		assert.NotNil(t, ext, raw)
	}
	_, err := ParseExtension([]byte(`{`))
	assert.Error(t, err)
}

func TestExtensionTruthy(t *testing.T) {
	ext := Extension{
		"t":     true,
		"f":     false,
		"one":   json.Number("1"),
		"zero":  json.Number("0"),
		"yes":   " YES ",
		"no":    "no",
		"float": 2.0,
	}
	for key, want := range map[string]bool{
		"t": true, "f": false, "one": true, "zero": false,
		"yes": true, "no": false, "float": true, "missing": false,
	} {
		assert.Equal(t, want, ext.Truthy(key), key)
	}
}

func TestExtensionTextAndStrings(t *testing.T) {
	ext := Extension{"n": json.Number("42"), "list": []any{"a", 1, "", "b"}}
	s, ok := ext.Text("n")
	assert.True(t, ok)
	assert.Equal(t, "42", s)
	assert.Equal(t, []string{"a", "b"}, ext.Strings("list"))
	assert.Nil(t, ext.Strings("n"))
}

func TestExtensionCloneIsIndependent(t *testing.T) {
	ext := Extension{"a": json.Number("1")}
	c := ext.Clone()
	c["b"] = true
	assert.False(t, ext.Has("b"))
	assert.True(t, c.Has("a"))
}

func TestRequestUnmarshalKeepsNumbers(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"id": 3, "extension": {"processingTime": 25}}`), &req))
	assert.Equal(t, int64(3), req.ID)
	v, ok := req.Extension.Int("processingTime")
	assert.True(t, ok)
	assert.Equal(t, int64(25), v)

	clone := req.Clone()
	clone.Extension["x"] = 1
	assert.False(t, req.Extension.Has("x"))
}

func TestExtensionJSON(t *testing.T) {
	var nilExt Extension
	assert.Equal(t, "{}", nilExt.JSON())
	assert.JSONEq(t, `{"a":1}`, Extension{"a": json.Number("1")}.JSON())
}
