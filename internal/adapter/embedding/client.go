package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"pkb/internal/port"
)

const defaultTimeout = 60 * time.Second

var (
	errEmptyText     = fmt.Errorf("empty input text: %w", port.ErrPermanent)
	errRejected      = fmt.Errorf("request rejected: %w", port.ErrPermanent)
	errEmptyResponse = fmt.Errorf("no embedding in response: %w", port.ErrTransient)
)

// errMalformed classifies an undecodable 200 response as a server-side fault.
func errMalformed(err error) error {
	return fmt.Errorf("%w: %w", port.ErrTransient, err)
}

// httpClient holds what the Ollama and OpenAI-compatible clients share.
type httpClient struct {
	baseURL   string
	model     string
	apiKey    string
	dimension int
	timeout   time.Duration
	client    *http.Client
}

func newHTTPClient(baseURL, model, apiKey string, dimension int, timeout time.Duration) httpClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return httpClient{
		baseURL:   baseURL,
		model:     model,
		apiKey:    apiKey,
		dimension: dimension,
		timeout:   timeout,
		// Per-request deadlines come from the context.
		client: &http.Client{},
	}
}

// post sends payload as JSON and returns the body of a 200 response.
// Errors are classified as port.ErrTransient or port.ErrPermanent.
func (c *httpClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w: %w", port.ErrPermanent, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w: %w", port.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w: %w", port.ErrTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, body)
	}
	return body, nil
}

// classifyTransport maps a failed round trip to an error kind.
func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("request cancelled: %w", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request timed out: %w: %w", port.ErrTransient, err)
	}
	if isTransientTransport(err) {
		return fmt.Errorf("request failed: %w: %w", port.ErrTransient, err)
	}
	return fmt.Errorf("request failed: %w: %w", port.ErrPermanent, err)
}

// isTransientTransport looks through the *url.Error returned by every
// http.Client.Do failure. Only timeouts, socket-level failures and dropped
// connections qualify; a bad scheme or a TLS rejection does not.
func isTransientTransport(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// classifyStatus maps a non-200 HTTP status to an error kind.
// Server-side failures and throttling are transient, well-formed rejections are permanent.
func classifyStatus(status int, body []byte) error {
	preview := string(body)
	if len(preview) > 200 {
		preview = preview[:200]
	}
	kind := port.ErrPermanent
	if status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		kind = port.ErrTransient
	}
	return fmt.Errorf("API returned status %d: %s: %w", status, preview, kind)
}

func checkVector(vec []float32, dimension int) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty embedding in response: %w", port.ErrPermanent)
	}
	if dimension > 0 && len(vec) != dimension {
		return fmt.Errorf("embedding has %d values, expected %d: %w", len(vec), dimension, port.ErrDimensionMismatch)
	}
	return nil
}

// Dimension returns the configured vector length.
func (c *httpClient) Dimension() int {
	return c.dimension
}

// Model returns the model identifier.
func (c *httpClient) Model() string {
	return c.model
}
