package sockjs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// doRequest performs one HTTP request against the SockJS endpoint and
// returns the body of a 2xx response.
func (t *Transport) doRequest(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       data,
		}
	}
	return data, nil
}

// doWithRetry performs a request with jittered exponential backoff on
// retryable responses.
func (t *Transport) doWithRetry(ctx context.Context, method, url string) ([]byte, error) {
	var lastErr error
	backoff := t.cfg.InfoRetryBackoff

	for attempt := 0; attempt <= t.cfg.InfoRetries; attempt++ {
		if attempt > 0 {
			// backoff * (0.5 to 1.5)
			jitter := backoff / 2
			if backoff > 0 {
				jitter += time.Duration(rand.Int64N(int64(backoff)))
			}
			t.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
				"url", url,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		body, err := t.doRequest(ctx, method, url, nil)
		if err == nil {
			return body, nil
		}

		lastErr = err

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || !httpErr.IsRetryable() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// fetchInfo requests GET {base}/info.
func (t *Transport) fetchInfo(ctx context.Context, base string) (Info, error) {
	body, err := t.doWithRetry(ctx, http.MethodGet, base+"/info")
	if err != nil {
		return Info{}, fmt.Errorf("get info: %w", err)
	}

	var info Info
	if err := json.Unmarshal(body, &info); err != nil {
		return Info{}, fmt.Errorf("unmarshal info: %w", err)
	}
	return info, nil
}
