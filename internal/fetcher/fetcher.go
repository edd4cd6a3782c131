// Package fetcher is the HTTP collaborator of the crawl core. Fetch always
// returns a Result, even on failure, so workers can record every outcome.
package fetcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MaxBodyBytes caps how much of any response body is kept, for pages and
// robots.txt alike. The remainder of the response is discarded.
const MaxBodyBytes = 100 * 1024

// Config holds HTTP client tuning.
type Config struct {
	Timeout         time.Duration
	UserAgent       string
	MaxRedirects    int
	MaxConnsPerHost int
}

// Client wraps an http.Client with the crawler's fetch contract.
type Client struct {
	client *http.Client
	logger *zap.Logger
	config Config
}

// NewClient builds the shared fetch client.
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 25 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "PageHarvestBot/1.0"
	}
	if config.MaxRedirects == 0 {
		config.MaxRedirects = 10
	}
	if config.MaxConnsPerHost == 0 {
		config.MaxConnsPerHost = 2
	}

	transport := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 2,
		MaxConnsPerHost:     config.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: false,
		},
	}

	client := &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= config.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", config.MaxRedirects)
			}
			return nil
		},
	}

	return &Client{
		client: client,
		logger: logger,
		config: config,
	}
}

// Result is the outcome of one fetch. Err is set instead of a Go error so
// every attempt, failed or not, produces a recordable value.
type Result struct {
	InitialURL  string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        string
	IsRedirect  bool
	Err         string
}

// Fetch performs a GET with the configured timeout. robotsMode relaxes the
// content-type gate so robots.txt bodies are kept regardless of type.
func (c *Client) Fetch(ctx context.Context, url string, robotsMode bool) *Result {
	result := &Result{InitialURL: url, FinalURL: url}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Err = fmt.Sprintf("invalid request: %v", err)
		return result
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := c.client.Do(req)
	if err != nil {
		result.Err = err.Error()
		c.logger.Debug("fetch failed",
			zap.String("url", url),
			zap.Error(err),
		)
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.ContentType = resp.Header.Get("Content-Type")
	result.FinalURL = resp.Request.URL.String()
	result.IsRedirect = result.FinalURL != url

	if robotsMode || isTextLike(result.ContentType) {
		body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
		if err != nil {
			result.Err = fmt.Sprintf("body read: %v", err)
			return result
		}
		result.Body = string(body)
	}
	// The rest of the response, if any, is dropped on Close.

	return result
}

// isTextLike gates page bodies to parseable content types. An absent header
// passes; plenty of small sites omit it.
func isTextLike(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "html") ||
		strings.Contains(ct, "xml")
}
