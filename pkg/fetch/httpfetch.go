package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPConfig holds configuration for an HTTP-backed fetch function.
type HTTPConfig struct {
	// BaseURL is the endpoint the escaped key is appended to, e.g.
	// "https://cveawg.mitre.org/api/cve".
	BaseURL string
	// UserAgent is sent with every request; registries such as cve.org
	// reject anonymous clients.
	UserAgent string
	// Timeout bounds each request. Defaults to 30s.
	Timeout time.Duration
}

// userAgentRoundTripper stamps a User-Agent header on every outgoing
// request without mutating the caller's request.
type userAgentRoundTripper struct {
	wrapped   http.RoundTripper
	userAgent string
}

func (rt *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", rt.userAgent)
	return rt.wrapped.RoundTrip(clone)
}

// NewHTTPFetch builds a Func that GETs BaseURL/<escaped key> and returns the
// raw response body as the payload, classifying failures by status code:
// 404 and 410 are authoritative NotFound answers, 429 and 5xx are transient,
// and any other non-2xx status is permanent. The body is never parsed here;
// registry wire formats belong to the callers that interpret payloads.
func NewHTTPFetch(cfg *HTTPConfig, logger zerolog.Logger) (Func, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("a base URL must be configured")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var transport http.RoundTripper = http.DefaultTransport
	if cfg.UserAgent != "" {
		transport = &userAgentRoundTripper{wrapped: http.DefaultTransport, userAgent: cfg.UserAgent}
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	fetchLogger := logger.With().Str("component", "HTTPFetch").Str("base_url", baseURL).Logger()

	return func(ctx context.Context, key string) ([]byte, error) {
		requestURL := baseURL + "/" + url.PathEscape(key)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, Permanent(fmt.Errorf("build request for %q: %w", key, err))
		}

		resp, err := client.Do(req)
		if err != nil {
			// Connection refusals, DNS failures and timeouts all land
			// here; all are worth retrying.
			return nil, Transient(fmt.Errorf("request %s: %w", requestURL, err))
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, Transient(fmt.Errorf("read response for %q: %w", key, err))
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			fetchLogger.Debug().Str("key", key).Int("status", resp.StatusCode).Msg("Fetched payload.")
			return body, nil
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return nil, NotFound(fmt.Errorf("%q: %s", key, resp.Status))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			fetchLogger.Warn().Str("key", key).Int("status", resp.StatusCode).Msg("Remote source unavailable.")
			return nil, Transient(fmt.Errorf("%q: %s", key, resp.Status))
		default:
			return nil, Permanent(fmt.Errorf("%q: %s", key, resp.Status))
		}
	}, nil
}
