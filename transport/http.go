package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// maxResponseSize bounds a single reply; a wide eth_getLogs range stays well below it.
const maxResponseSize = 32 << 20

// StatusError is a non-200 reply from the endpoint, typically 429 from a
// throttling public node or 5xx from a failing one.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport/http: HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTP implements Transport over HTTP JSON-RPC.
type HTTP struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	header  http.Header
	nextID  atomic.Uint64
}

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithRateLimit caps the request rate sent to the endpoint.
func WithRateLimit(perSecond float64, burst int) HTTPOption {
	return func(h *HTTP) {
		if perSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		h.client = c
	}
}

// WithHeader adds a header to every request, e.g. an API key of a hosted node.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTP) {
		h.header.Add(key, value)
	}
}

// NewHTTP creates an HTTP transport targeting the given JSON-RPC endpoint.
func NewHTTP(url string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		header: make(http.Header),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Call posts one JSON-RPC request and returns the raw result.
func (h *HTTP) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("transport/http: rate limit: %w", err)
		}
	}

	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: h.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("transport/http: marshal request: %w", err)
	}
	respBody, err := h.post(ctx, body)
	if err != nil {
		return nil, err
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("transport/http: unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (h *HTTP) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport/http: create request: %w", err)
	}
	for k, v := range h.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport/http: send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("transport/http: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(data) > 256 {
			data = data[:256]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// Close releases idle keep-alive connections.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
