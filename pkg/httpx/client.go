package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// MaxResponseBytes bounds how much of a JSON response RequestJSON reads.
const MaxResponseBytes = 1 << 20

// RequestJSON performs one HTTP request and returns the status and body. It
// never retries; callers that fetch key material fail fast and try again on
// the next verification.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if len(respBody) > MaxResponseBytes {
		return resp.StatusCode, nil, fmt.Errorf("response from %s exceeds %d bytes", url, MaxResponseBytes)
	}
	return resp.StatusCode, respBody, nil
}
