package spider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"HTTP://Example.COM:80/a#top":        "http://example.com/a",
		"https://example.com:443/":           "https://example.com/",
		"https://example.com:8443/x?b=2&a=1": "https://example.com:8443/x?a=1&b=2",
		"  http://example.com  ":             "http://example.com",
	}
	for in, want := range cases {
		got, err := normalizeURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.String(), in)
	}

	_, err := normalizeURL("http://[::1")
	require.Error(t, err)
}

func TestHostBlocklist(t *testing.T) {
	t.Parallel()
	assert.Nil(t, newHostBlocklist(nil))
	assert.Nil(t, newHostBlocklist([]string{" ", "*."}))

	var none *hostBlocklist
	assert.False(t, none.Blocked("example.com"))

	b := newHostBlocklist([]string{"Example.org", "*.ru", ".internal", "*.ru"})
	require.NotNil(t, b)
	assert.Len(t, b.suffixes, 2)

	cases := []struct {
		host    string
		blocked bool
	}{
		{"example.org", true},
		{"EXAMPLE.ORG.", true},
		{"sub.example.org", false},
		{"ru", true},
		{"shop.example.ru", true},
		{"api.internal", true},
		{"notinternal", false},
		{"example.com", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.blocked, b.Blocked(tc.host), tc.host)
	}
}
