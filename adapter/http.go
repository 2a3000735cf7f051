package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/juju/errors"

	"github.com/warriorguo/llmflow/types"
)

const defaultCallTimeout = 60 * time.Second

// httpError maps one provider HTTP status to a typed step error.
// 401/403 mean bad credentials and are final; 429 is a throttle; 408
// and every 5xx are transient.
func httpError(provider string, status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewConfigErrorf("%s: status %d: %s", provider, status, body)
	case status == http.StatusTooManyRequests:
		return types.NewRateLimitError(errors.Errorf("%s: status %d: %s", provider, status, body))
	case status == http.StatusRequestTimeout || status >= http.StatusInternalServerError:
		return types.NewTransientErrorf("%s: status %d: %s", provider, status, body)
	}
	return types.NewInvalidResponseError(errors.Errorf("%s: unexpected status %d: %s", provider, status, body))
}

// transportError classifies a failed round trip. Context expiry counts
// as a timeout, everything else as transient network trouble.
func transportError(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.NewTimeoutError(errors.Annotatef(err, "%s call timed out", provider))
		}
		return ctx.Err()
	}
	return types.NewTransientError(errors.Annotatef(err, "%s call failed", provider))
}

// postJSON executes one JSON round trip with the per-attempt timeout
// applied and returns the raw response body alongside the status.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, payload any, timeout time.Duration) (int, []byte, error) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, types.NewConfigError(errors.Annotatef(err, "%s request encode", provider))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, types.NewConfigError(errors.Annotatef(err, "%s request build", provider))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, transportError(ctx, provider, err)
	}
	defer resp.Body.Close()

	// bound the read so a misbehaving provider can not balloon memory
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return resp.StatusCode, nil, transportError(ctx, provider, err)
	}
	return resp.StatusCode, raw, nil
}
