package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"fulfillment-service/internal/resilient"
)

// HTTPRegistrar talks to the registrar's reseller API. Every request body is signed
// with HMAC-SHA256 over the reseller API key.
type HTTPRegistrar struct {
	t        *Transport
	username string
	apiKey   string
}

func NewHTTPRegistrar(t *Transport, username, apiKey string) *HTTPRegistrar {
	return &HTTPRegistrar{t: t, username: username, apiKey: apiKey}
}

// registrarEnvelope is the registrar's response wrapper; business failures come back as 200 with is_success=0.
type registrarEnvelope[T any] struct {
	Success bool   `json:"is_success"`
	Code    int    `json:"response_code"`
	Message string `json:"response_text"`
	Data    T      `json:"attributes"`
}

type registrarCommand struct {
	Action string `json:"action"`
	Object string `json:"object"`
	Params any    `json:"attributes"`
}

func (r *HTTPRegistrar) Register(ctx context.Context, req RegistrationRequest, idempotencyKey string) (RegistrationResult, error) {
	var out registrarEnvelope[RegistrationResult]
	err := r.send(ctx, registrarCommand{Action: "SW_REGISTER", Object: "DOMAIN", Params: req}, idempotencyKey, &out)
	return out.Data, err
}

func (r *HTTPRegistrar) Transfer(ctx context.Context, req TransferRequest, idempotencyKey string) (TransferResult, error) {
	var out registrarEnvelope[TransferResult]
	err := r.send(ctx, registrarCommand{Action: "TRANSFER", Object: "DOMAIN", Params: req}, idempotencyKey, &out)
	return out.Data, err
}

func (r *HTTPRegistrar) SetPrivacy(ctx context.Context, domain string, enabled bool, idempotencyKey string) (PrivacyResult, error) {
	state := "disable"
	if enabled {
		state = "enable"
	}
	params := map[string]string{"domain": domain, "state": state}

	var out registrarEnvelope[PrivacyResult]
	if err := r.send(ctx, registrarCommand{Action: "MODIFY", Object: "WHOIS_PRIVACY", Params: params}, idempotencyKey, &out); err != nil {
		return PrivacyResult{}, err
	}
	out.Data.Enabled = enabled
	return out.Data, nil
}

func (r *HTTPRegistrar) send(ctx context.Context, cmd registrarCommand, key string, out interface {
	result() (bool, string)
}) error {
	body, err := Encode(cmd)
	if err != nil {
		return err
	}

	err = r.t.Do(ctx, Request{
		Method:         http.MethodPost,
		Path:           "/",
		IdempotencyKey: key,
		Headers: map[string]string{
			"X-Username":  r.username,
			"X-Signature": Sign(r.apiKey, body),
		},
		Body: body,
	}, out)
	if err != nil {
		return err
	}

	if ok, msg := out.result(); !ok {
		return resilient.Errorf(resilient.KindClient, "registrar rejected %s: %s", cmd.Action, msg)
	}
	return nil
}

func (e *registrarEnvelope[T]) result() (bool, string) {
	return e.Success, e.Message
}

// Sign returns the hex HMAC-SHA256 of body under key.
func Sign(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
