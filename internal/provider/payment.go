package provider

import (
	"context"
	"net/http"
)

// HTTPGateway issues refunds against the payment gateway.
type HTTPGateway struct {
	t      *Transport
	apiKey string
}

func NewHTTPGateway(t *Transport, apiKey string) *HTTPGateway {
	return &HTTPGateway{t: t, apiKey: apiKey}
}

func (g *HTTPGateway) Refund(ctx context.Context, req RefundRequest, idempotencyKey string) (RefundResult, error) {
	var out RefundResult
	err := g.t.Do(ctx, Request{
		Method:         http.MethodPost,
		Path:           "/v1/refunds",
		IdempotencyKey: idempotencyKey,
		Headers:        map[string]string{"Authorization": "Bearer " + g.apiKey},
		Body:           req,
	}, &out)
	return out, err
}
