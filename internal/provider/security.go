package provider

import (
	"context"
	"net/http"
)

// HTTPSecurity creates website security accounts through the partner API.
type HTTPSecurity struct {
	t          *Transport
	partnerID  string
	partnerKey string
}

func NewHTTPSecurity(t *Transport, partnerID, partnerKey string) *HTTPSecurity {
	return &HTTPSecurity{t: t, partnerID: partnerID, partnerKey: partnerKey}
}

func (s *HTTPSecurity) CreateAccount(ctx context.Context, req SecurityAccountRequest, idempotencyKey string) (SecurityAccountResult, error) {
	var out SecurityAccountResult
	err := s.t.Do(ctx, Request{
		Method:         http.MethodPost,
		Path:           "/partner/accounts",
		IdempotencyKey: idempotencyKey,
		Headers: map[string]string{
			"X-Partner-Id":  s.partnerID,
			"X-Partner-Key": s.partnerKey,
		},
		Body: req,
	}, &out)
	return out, err
}
