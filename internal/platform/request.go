package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ignite/lead-pipeline/internal/pkg/httpretry"
)

const maxResponseBytes = 64 * 1024

// postJSON sends a JSON payload and returns the status plus a bounded
// read of the response body.
func postJSON(ctx context.Context, client *httpretry.RetryClient, endpoint string, headers map[string]string, payload interface{}) (int, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	return doRead(client, req)
}

// postForm sends a URL-encoded form payload.
func postForm(ctx context.Context, client *httpretry.RetryClient, endpoint string, values url.Values) (int, string, error) {
	encoded := values.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(encoded)))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte(encoded))), nil
	}
	return doRead(client, req)
}

// getJSON performs a GET and returns status plus body.
func getJSON(ctx context.Context, client *httpretry.RetryClient, endpoint string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	return doRead(client, req)
}

func doRead(client *httpretry.RetryClient, req *http.Request) (int, string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, string(data), nil
}

func successStatus(code int) bool {
	return code >= 200 && code < 300
}
