package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return NewClient(Config{
		Timeout:   2 * time.Second,
		UserAgent: "PageHarvestBot/1.0 (+test@example.com)",
	}, zap.NewNop())
}

func TestFetchSuccess(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	c := newTestClient(t)
	result := c.Fetch(context.Background(), srv.URL+"/page", false)

	assert.Empty(t, result.Err)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, "<html><body>hello</body></html>", result.Body)
	assert.Equal(t, "text/html; charset=utf-8", result.ContentType)
	assert.False(t, result.IsRedirect)
	assert.Equal(t, "PageHarvestBot/1.0 (+test@example.com)", gotUA)
}

func TestFetchTruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(strings.Repeat("a", MaxBodyBytes+5000)))
	}))
	defer srv.Close()

	c := newTestClient(t)
	result := c.Fetch(context.Background(), srv.URL, false)

	assert.Empty(t, result.Err)
	assert.Len(t, result.Body, MaxBodyBytes)
}

func TestFetchSkipsNonTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte{0x00, 0x01, 0x02})
	}))
	defer srv.Close()

	c := newTestClient(t)
	result := c.Fetch(context.Background(), srv.URL, false)

	assert.Empty(t, result.Err)
	assert.Equal(t, 200, result.StatusCode)
	assert.Empty(t, result.Body)
}

func TestFetchRobotsModeKeepsAnyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("User-agent: *\nDisallow: /"))
	}))
	defer srv.Close()

	c := newTestClient(t)
	result := c.Fetch(context.Background(), srv.URL+"/robots.txt", true)

	assert.Equal(t, "User-agent: *\nDisallow: /", result.Body)
}

func TestFetchFollowsRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusMovedPermanently)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("landed"))
	}))
	defer srv.Close()

	c := newTestClient(t)
	result := c.Fetch(context.Background(), srv.URL+"/old", false)

	assert.Empty(t, result.Err)
	assert.Equal(t, 200, result.StatusCode)
	assert.True(t, result.IsRedirect)
	assert.Equal(t, srv.URL+"/new", result.FinalURL)
	assert.Equal(t, srv.URL+"/old", result.InitialURL)
}

func TestFetchNetworkErrorReturnsResult(t *testing.T) {
	c := newTestClient(t)
	result := c.Fetch(context.Background(), "http://127.0.0.1:1/unreachable", false)

	assert.NotEmpty(t, result.Err)
	assert.Zero(t, result.StatusCode)
	assert.Equal(t, "http://127.0.0.1:1/unreachable", result.InitialURL)
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t)
	result := c.Fetch(context.Background(), srv.URL, false)

	// No retries: the status is recorded as-is.
	assert.Empty(t, result.Err)
	assert.Equal(t, http.StatusServiceUnavailable, result.StatusCode)
}
