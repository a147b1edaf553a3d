package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/knothic/anvil/core"
)

const (
	defaultHTTPGetTimeout  = 15 * time.Second
	defaultHTTPGetMaxBytes = 1_000_000
)

// netHTTPGet performs a time-bounded HTTP GET with a capped response body.
func (t *toolset) netHTTPGet(ctx context.Context, input map[string]interface{}, token *core.ConsentToken) (map[string]interface{}, error) {
	if err := t.checkConsent(token, ScopeNetGet); err != nil {
		return nil, err
	}
	url, err := stringField(input, "url")
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("unsupported URL scheme in %q", url)
	}
	timeout := optionalSeconds(input, "timeout_sec", defaultHTTPGetTimeout)
	maxBytes := optionalInt(input, "max_bytes", defaultHTTPGetMaxBytes)

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("GET %s: %w", url, core.ErrTimeout)
		}
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	return map[string]interface{}{
		"url":     url,
		"status":  resp.StatusCode,
		"content": string(body),
	}, nil
}
