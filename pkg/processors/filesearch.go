package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// FileSearchClient talks to the document-indexing service over its JSON
// API: create-store, upload, poll-operation. Kept deliberately thin; the
// queue does not care about search semantics beyond these three calls.
type FileSearchClient struct {
	baseURL string
	apiKey  string
	http    *http.Client

	// pollInterval between operation status checks.
	pollInterval time.Duration
}

// NewFileSearchClient builds the client. Requests carry a 30s timeout;
// a timed-out call surfaces as a processor error and retries normally.
func NewFileSearchClient(baseURL, apiKey string) *FileSearchClient {
	return &FileSearchClient{
		baseURL:      baseURL,
		apiKey:       apiKey,
		http:         &http.Client{Timeout: 30 * time.Second},
		pollInterval: 2 * time.Second,
	}
}

func (c *FileSearchClient) CreateStore(ctx context.Context, displayName string) (string, error) {
	var resp struct {
		Name string `json:"name"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/stores", map[string]string{"display_name": displayName}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Name, nil
}

func (c *FileSearchClient) Upload(ctx context.Context, storeName, displayName, mimeType string, data []byte) (string, error) {
	var resp struct {
		Operation string `json:"operation"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/%s/files", storeName), map[string]any{
		"display_name": displayName,
		"mime_type":    mimeType,
		"data":         data, // base64 via encoding/json
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Operation, nil
}

func (c *FileSearchClient) WaitOperation(ctx context.Context, operationName string) (string, error) {
	for {
		var resp struct {
			Done     bool   `json:"done"`
			Error    string `json:"error,omitempty"`
			Resource string `json:"resource,omitempty"`
		}
		if err := c.do(ctx, http.MethodGet, "/v1/"+operationName, nil, &resp); err != nil {
			return "", err
		}
		if resp.Done {
			if resp.Error != "" {
				return "", errors.Errorf("indexing failed: %s", resp.Error)
			}
			return resp.Resource, nil
		}

		t := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
}

func (c *FileSearchClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "indexing service request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("indexing service: %s %s -> %d: %s", method, path, resp.StatusCode, msg)
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}
