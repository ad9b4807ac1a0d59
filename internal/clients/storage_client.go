package clients

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"echo-vault/internal/config"
)

// StorageClient blob store exposed by the enclave runtime (S3 under an app prefix)
type StorageClient struct {
	http *odynHTTP
}

type storagePutRequest struct {
	Key         string `json:"key"`
	Value       string `json:"value"` // base64
	ContentType string `json:"content_type,omitempty"`
}

type storageListRequest struct {
	Prefix            string `json:"prefix,omitempty"`
	ContinuationToken string `json:"continuation_token,omitempty"`
	MaxKeys           int    `json:"max_keys,omitempty"`
}

type storageListResponse struct {
	Keys              []string `json:"keys"`
	ContinuationToken string   `json:"continuation_token"`
	IsTruncated       bool     `json:"is_truncated"`
}

// maxListPages upper bound on pagination to avoid looping on a misbehaving token
const maxListPages = 1000

// NewStorageClient Create runtime storage client
func NewStorageClient(cfg config.StorageConfig) *StorageClient {
	return &StorageClient{
		http: newOdynHTTP(cfg.Endpoint, time.Duration(cfg.Timeout)*time.Second),
	}
}

// Get returns ok=false when the key does not exist
func (c *StorageClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	response, err := c.http.makeRequest(ctx, "POST", "/v1/s3/get", map[string]string{"key": key})
	if err != nil {
		var statusErr *odynStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("storage get %s failed: %w", key, err)
	}

	var getResp struct {
		Value *string `json:"value"`
	}
	if err := json.Unmarshal(response, &getResp); err != nil {
		return nil, false, fmt.Errorf("failed to parse storage get response: %w", err)
	}
	if getResp.Value == nil {
		return nil, false, nil
	}
	value, err := base64.StdEncoding.DecodeString(*getResp.Value)
	if err != nil {
		return nil, false, fmt.Errorf("storage value for %s is not base64: %w", key, err)
	}
	return value, true, nil
}

// Put stores value under key
func (c *StorageClient) Put(ctx context.Context, key string, value []byte) error {
	req := storagePutRequest{
		Key:         key,
		Value:       base64.StdEncoding.EncodeToString(value),
		ContentType: "application/json",
	}
	response, err := c.http.makeRequest(ctx, "POST", "/v1/s3/put", req)
	if err != nil {
		return fmt.Errorf("storage put %s failed: %w", key, err)
	}
	var putResp struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(response, &putResp); err != nil {
		return fmt.Errorf("failed to parse storage put response: %w", err)
	}
	if !putResp.Success {
		return fmt.Errorf("storage put %s was not acknowledged", key)
	}
	return nil
}

// List every key under prefix, following continuation tokens
func (c *StorageClient) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	req := storageListRequest{Prefix: prefix}
	for page := 0; page < maxListPages; page++ {
		response, err := c.http.makeRequest(ctx, "POST", "/v1/s3/list", req)
		if err != nil {
			return nil, fmt.Errorf("storage list %s failed: %w", prefix, err)
		}
		var listResp storageListResponse
		if err := json.Unmarshal(response, &listResp); err != nil {
			return nil, fmt.Errorf("failed to parse storage list response: %w", err)
		}
		keys = append(keys, listResp.Keys...)
		if !listResp.IsTruncated || listResp.ContinuationToken == "" {
			return keys, nil
		}
		req.ContinuationToken = listResp.ContinuationToken
	}
	return nil, fmt.Errorf("storage list %s did not terminate after %d pages", prefix, maxListPages)
}
