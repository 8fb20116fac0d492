package provider

import (
	"context"
	"errors"
	"net/http"

	"fulfillment-service/internal/cache"
	"fulfillment-service/internal/resilient"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// HTTPHosting provisions sites through the hosting platform API. The platform
// issues short-lived session tokens in exchange for the API key; tokens are
// cached and dropped as soon as the platform rejects one.
type HTTPHosting struct {
	t        *Transport
	apiKey   string
	sessions *cache.TTL[string]
}

func NewHTTPHosting(t *Transport, apiKey string, sessions *cache.TTL[string]) *HTTPHosting {
	return &HTTPHosting{t: t, apiKey: apiKey, sessions: sessions}
}

type sessionResponse struct {
	Token string `json:"token"`
}

const sessionCacheKey = "hosting:session"

func (h *HTTPHosting) Provision(ctx context.Context, req ProvisionRequest, idempotencyKey string) (ProvisionResult, error) {
	token, err := h.sessions.GetOrLoad(ctx, sessionCacheKey, h.login)
	if err != nil {
		return ProvisionResult{}, err
	}

	var out ProvisionResult
	err = h.t.Do(ctx, Request{
		Method:         http.MethodPost,
		Path:           "/v1/sites",
		IdempotencyKey: idempotencyKey,
		Headers:        map[string]string{"Authorization": "Bearer " + token},
		Body:           req,
	}, &out)
	if err != nil {
		var ce *resilient.Error
		if errors.As(err, &ce) && ce.Kind == resilient.KindUnauthenticated {
			util.GetLogger().Warn("Hosting session rejected, dropping cached token", zap.Int("status", ce.StatusCode))
			h.sessions.Delete(sessionCacheKey)
		}
		return ProvisionResult{}, err
	}

	return out, nil
}

func (h *HTTPHosting) login(ctx context.Context) (string, error) {
	var out sessionResponse
	err := h.t.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/v1/auth/token",
		Body:   map[string]string{"api_key": h.apiKey},
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", resilient.Errorf(resilient.KindUnauthenticated, "hosting platform returned an empty session token")
	}
	return out.Token, nil
}
