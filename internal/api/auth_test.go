package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBearerKey(t *testing.T) {
	t.Parallel()
	cases := []struct {
		header string
		want   string
		err    error
	}{
		{header: "Bearer k-1", want: "k-1"},
		{header: "Bearer  padded ", want: "padded"},
		{header: "", err: errNoAuthHeader},
		{header: "Basic abc", err: errNotBearer},
		{header: "Bearer   ", err: errEmptyBearer},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/platforms", nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		got, err := bearerKey(r)
		assert.ErrorIs(t, err, tc.err, tc.header)
		assert.Equal(t, tc.want, got, tc.header)
	}
}

func TestKeyMatches(t *testing.T) {
	t.Parallel()
	assert.True(t, keyMatches("secret", "secret"))
	assert.False(t, keyMatches("secret", "secreT"))
	assert.False(t, keyMatches("secret", "secret-longer"))
	assert.False(t, keyMatches("", ""))
}
