package runner

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

// HTTP calls a remote agent runtime at POST {BaseURL}/execute.
type HTTP struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewHTTP(baseURL, apiKey string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTP{BaseURL: baseURL, APIKey: apiKey, Timeout: timeout}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("runner error: status=%d body=%s", e.StatusCode, e.Body)
}

func (h *HTTP) ExecuteTask(ctx context.Context, req Request) (Result, error) {
	var res Result
	err := h.do(ctx, http.MethodPost, "execute", req, &res)
	return res, err
}

func (h *HTTP) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if h.HTTPClient == nil {
		h.HTTPClient = &http.Client{Timeout: h.Timeout}
	}
	url := strings.TrimRight(h.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		req.Header.Set("X-Api-Key", h.APIKey)
	}
	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
