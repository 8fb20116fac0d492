package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"fulfillment-service/internal/resilient"
)

const maxErrorBody = 4 << 10

// Request is one JSON call against a provider API
type Request struct {
	Method         string
	Path           string
	IdempotencyKey string
	Headers        map[string]string
	Body           any
}

// Transport performs a single JSON request and classifies the outcome.
// It never retries and never sets its own deadline; both come from the caller.
type Transport struct {
	baseURL string
	client  *http.Client
}

// NewTransport creates a transport for baseURL. A nil client uses a plain http.Client.
func NewTransport(baseURL string, client *http.Client) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	return &Transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Encode marshals a request body; adapters that sign the body use it before Do.
func Encode(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.([]byte); ok {
		return raw, nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, resilient.New(resilient.KindClient, fmt.Errorf("failed to encode request: %w", err))
	}
	return b, nil
}

// Do sends req and decodes a 2xx JSON response into out (which may be nil).
func (t *Transport) Do(ctx context.Context, req Request, out any) error {
	payload, err := Encode(req.Body)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, t.baseURL+req.Path, body)
	if err != nil {
		return resilient.New(resilient.KindClient, fmt.Errorf("failed to build request: %w", err))
	}

	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return resilient.Classify(err)
	}
	defer resp.Body.Close()

	if ce := resilient.FromStatus(resp.StatusCode, readSnippet(resp.Body)); ce != nil {
		return ce
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return resilient.New(resilient.KindServer, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
