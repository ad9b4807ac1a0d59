package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// odynHTTP shared transport for the enclave runtime API (identity, signing, storage)
type odynHTTP struct {
	baseURL    string
	httpClient *http.Client
}

// odynStatusError non-2xx answer from the runtime API
type odynStatusError struct {
	StatusCode int
	Body       string
}

func (e *odynStatusError) Error() string {
	return fmt.Sprintf("HTTP request failed: status=%d, body=%s", e.StatusCode, e.Body)
}

func newOdynHTTP(baseURL string, timeout time.Duration) *odynHTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &odynHTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// makeRequest HTTP JSON request, returns the response body of a 2xx answer
func (o *odynHTTP) makeRequest(ctx context.Context, method, path string, data interface{}) ([]byte, error) {
	url := o.baseURL + path

	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "echo-vault/1.0")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &odynStatusError{StatusCode: resp.StatusCode, Body: string(responseBody)}
	}
	return responseBody, nil
}
