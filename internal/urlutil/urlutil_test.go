package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBareHost(t *testing.T) {
	got, err := Normalize("gpumagick.com")
	require.NoError(t, err)
	assert.Equal(t, "http://gpumagick.com/", got)
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"mixed case scheme and host", "HTTP://Example.COM/Path", "http://example.com/Path"},
		{"default http port", "http://example.com:80/a", "http://example.com/a"},
		{"default https port", "https://example.com:443/a", "https://example.com/a"},
		{"fragment stripped", "http://example.com/a#section", "http://example.com/a"},
		{"dot segments", "http://example.com/a/b/../c", "http://example.com/a/c"},
		{"duplicate slashes", "http://example.com/a//b", "http://example.com/a/b"},
		{"surrounding whitespace", "  http://example.com/  ", "http://example.com/"},
		{"query preserved", "http://example.com/search?q=1", "http://example.com/search?q=1"},
		{"non-default port preserved", "http://example.com:8080/", "http://example.com:8080/"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	corpus := []string{
		"gpumagick.com",
		"HTTP://Example.COM:80/Path/../Other#frag",
		"https://sub.example.co.uk/a/b/./c?x=1",
		"example.org/path/",
		"http://example.com",
	}

	for _, raw := range corpus {
		once, err := Normalize(raw)
		require.NoError(t, err, raw)
		twice, err := Normalize(once)
		require.NoError(t, err, once)
		assert.Equal(t, once, twice, "normalize must be idempotent for %q", raw)
	}
}

func TestNormalizeRejects(t *testing.T) {
	for _, raw := range []string{"", "   ", "ftp://example.com/file", "mailto:a@b.com", "http://"} {
		_, err := Normalize(raw)
		assert.Error(t, err, "expected rejection of %q", raw)
	}
}

func TestRegisteredDomain(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://www.example.com/a", "example.com"},
		{"https://deep.sub.example.co.uk/", "example.co.uk"},
		{"http://Example.COM:8080/x", "example.com"},
		{"http://intranet-host/page", "intranet-host"},
		{"http://127.0.0.1:9090/x", "127.0.0.1"},
	}
	for _, tc := range cases {
		got, err := RegisteredDomain(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestRegisteredDomainRejects(t *testing.T) {
	_, err := RegisteredDomain("http:///nohost")
	assert.Error(t, err)
}

func TestLikelyNonText(t *testing.T) {
	assert.True(t, LikelyNonText("http://example.com/img/logo.PNG"))
	assert.True(t, LikelyNonText("http://example.com/dist/app.js"))
	assert.True(t, LikelyNonText("http://example.com/dl/archive.tar.gz"))
	assert.True(t, LikelyNonText("http://example.com/doc.pdf?dl=1"))
	assert.False(t, LikelyNonText("http://example.com/article"))
	assert.False(t, LikelyNonText("http://example.com/page.html"))
	assert.False(t, LikelyNonText("http://example.com/"))
}

func TestTooLong(t *testing.T) {
	long := "http://example.com/"
	for len(long) <= MaxURLLength {
		long += "aaaaaaaaaa"
	}
	assert.True(t, TooLong(long))
	assert.False(t, TooLong("http://example.com/"))
}
