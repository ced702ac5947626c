package headers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

func TestRenderIncludedHeaders(t *testing.T) {
	h := header("H1", "val", "H2", "val")

	assert.Equal(t, "H1: val\nH2: val\n", Render(h, NewSet([]string{"h2", "H1"})))
	assert.Equal(t, "H2: val\n", Render(h, NewSet([]string{"H2"})))
}

func TestRenderWildcardAndEmptySet(t *testing.T) {
	h := header("X-B", "2", "X-A", "1")

	assert.Equal(t, "X-A: 1\nX-B: 2\n", Render(h, NewSet([]string{Wildcard})))
	assert.Equal(t, "", Render(h, NewSet(nil)))
	assert.Equal(t, "", Render(h, NewSet([]string{" "})))
}

func TestRenderJoinsRepeatedValues(t *testing.T) {
	h := header("H1", "val1", "H1", "val2")
	assert.Equal(t, "H1: val1;val2\n", Render(h, NewSet([]string{"H1"})))
}

func TestRenderMasksAuthorization(t *testing.T) {
	tests := []struct {
		value    string
		expected string
	}{
		{"Bearer ABC.CDE.FGH", "Authorization: Bearer ABC.CDE.***\n"},
		{"Bearer a.b.c.d", "Authorization: Bearer a.b.***\n"},
		{"Bearer aaa.bbb.ccc.ddd.eee", "Authorization: Bearer aaa.bbb.***\n"},
		{"Basic ABCDEF", "Authorization: ***\n"},
		{"Bearer none", "Authorization: ***\n"},
		{"Bearer one.two", "Authorization: ***\n"},
		{"", "Authorization: \n"},
	}

	for _, tt := range tests {
		h := http.Header{"Authorization": {tt.value}}
		assert.Equal(t, tt.expected, Render(h, NewSet([]string{"authorization"})), "value %q", tt.value)
	}
}

func TestRenderRedactsSecretHeaders(t *testing.T) {
	h := header("Cookie", "session=abc", "X-Api-Key", "k", "Accept", "*/*")
	assert.Equal(t, "Accept: */*\nCookie: ***\nX-Api-Key: ***\n", Render(h, NewSet([]string{Wildcard})))
}

func TestSetIncludes(t *testing.T) {
	s := NewSet([]string{"content-type"})
	assert.True(t, s.Includes("Content-Type"))
	assert.True(t, s.Includes("CONTENT-TYPE"))
	assert.False(t, s.Includes("Accept"))
	assert.False(t, s.Empty())
	assert.True(t, NewSet(nil).Empty())
}
