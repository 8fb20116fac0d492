// Package fake provides in-memory providers with scripted failures. They back
// VENDOR_MODE=fake deployments and the orchestrator tests.
package fake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fulfillment-service/internal/provider"
	"fulfillment-service/internal/resilient"
)

// Hang makes a scripted call block until its context is done.
var Hang = errors.New("fake: hang until deadline")

// Behavior scripts the outcome of successive calls. Queued steps are consumed one per
// call; once the queue is empty every call returns the sticky error, or succeeds.
type Behavior struct {
	mu      sync.Mutex
	queue   []error
	sticky  error
	delay   time.Duration
	calls   int
	keys    []string
	results map[string]any
}

// FailNext queues errors for the next calls, in order. Use Hang to simulate a timeout.
func (b *Behavior) FailNext(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, errs...)
}

// FailAlways makes every call fail with err once the queue is drained.
func (b *Behavior) FailAlways(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sticky = err
}

// Recover clears queued and sticky failures.
func (b *Behavior) Recover() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
	b.sticky = nil
}

// SetDelay adds latency to every call.
func (b *Behavior) SetDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = d
}

// Calls returns the number of calls made, including failed ones.
func (b *Behavior) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Keys returns the idempotency keys seen, one per call.
func (b *Behavior) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.keys...)
}

// Completed returns how many distinct keys produced a successful result.
func (b *Behavior) Completed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.results)
}

func (b *Behavior) step(ctx context.Context, key string) (any, error) {
	b.mu.Lock()
	b.calls++
	b.keys = append(b.keys, key)
	var err error
	if len(b.queue) > 0 {
		err = b.queue[0]
		b.queue = b.queue[1:]
	} else {
		err = b.sticky
	}
	delay := b.delay
	prior, seen := b.results[key]
	b.mu.Unlock()

	if errors.Is(err, Hang) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}
	if seen {
		return prior, nil
	}
	return nil, nil
}

func (b *Behavior) remember(key string, v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.results == nil {
		b.results = make(map[string]any)
	}
	b.results[key] = v
}

func (b *Behavior) seq() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.results) + 1
}

// run executes one scripted call; repeated keys return the first successful result.
func run[T any](ctx context.Context, b *Behavior, key string, build func(n int) T) (T, error) {
	var zero T
	prior, err := b.step(ctx, key)
	if err != nil {
		return zero, err
	}
	if v, ok := prior.(T); ok {
		return v, nil
	}
	v := build(b.seq())
	b.remember(key, v)
	return v, nil
}

// Registrar is an in-memory DomainRegistrar.
type Registrar struct {
	Behavior
	// Taken lists domains that are rejected as unavailable.
	Taken map[string]bool
}

func NewRegistrar() *Registrar {
	return &Registrar{Taken: map[string]bool{}}
}

func (r *Registrar) Register(ctx context.Context, req provider.RegistrationRequest, key string) (provider.RegistrationResult, error) {
	if r.Taken[strings.ToLower(req.Domain)] {
		_, _ = r.step(ctx, key)
		return provider.RegistrationResult{}, resilient.Errorf(resilient.KindClient, "domain %s is not available", req.Domain)
	}
	return run(ctx, &r.Behavior, key, func(n int) provider.RegistrationResult {
		period := req.Period
		if period < 1 {
			period = 1
		}
		return provider.RegistrationResult{
			ExternalID: fmt.Sprintf("fake-domain-%d", n),
			OrderID:    fmt.Sprintf("fake-reg-order-%d", n),
			Expiry:     time.Now().UTC().AddDate(period, 0, 0),
		}
	})
}

func (r *Registrar) Transfer(ctx context.Context, req provider.TransferRequest, key string) (provider.TransferResult, error) {
	return run(ctx, &r.Behavior, key, func(n int) provider.TransferResult {
		return provider.TransferResult{ExternalID: fmt.Sprintf("fake-transfer-%d", n), Status: "pending_owner_approval"}
	})
}

func (r *Registrar) SetPrivacy(ctx context.Context, domain string, enabled bool, key string) (provider.PrivacyResult, error) {
	return run(ctx, &r.Behavior, key, func(int) provider.PrivacyResult {
		return provider.PrivacyResult{Enabled: enabled}
	})
}

// Hosting is an in-memory HostingProvisioner.
type Hosting struct {
	Behavior
}

func NewHosting() *Hosting { return &Hosting{} }

func (h *Hosting) Provision(ctx context.Context, req provider.ProvisionRequest, key string) (provider.ProvisionResult, error) {
	return run(ctx, &h.Behavior, key, func(n int) provider.ProvisionResult {
		id := fmt.Sprintf("fake-site-%d", n)
		return provider.ProvisionResult{
			SiteID: id,
			Domain: req.Domain,
			Credentials: provider.Credentials{
				AdminURL:      "https://" + req.Domain + "/wp-admin",
				AdminUsername: req.AdminUser,
			},
			SFTP: provider.SFTPAccess{Host: "sftp.fake.local", Username: id, Port: 22},
		}
	})
}

// Gateway is an in-memory PaymentGateway.
type Gateway struct {
	Behavior
}

func NewGateway() *Gateway { return &Gateway{} }

func (g *Gateway) Refund(ctx context.Context, req provider.RefundRequest, key string) (provider.RefundResult, error) {
	return run(ctx, &g.Behavior, key, func(n int) provider.RefundResult {
		return provider.RefundResult{RefundID: fmt.Sprintf("fake-refund-%d", n), Status: "succeeded", Amount: req.Amount}
	})
}

// Security is an in-memory SecurityProvisioner.
type Security struct {
	Behavior
}

func NewSecurity() *Security { return &Security{} }

func (s *Security) CreateAccount(ctx context.Context, req provider.SecurityAccountRequest, key string) (provider.SecurityAccountResult, error) {
	return run(ctx, &s.Behavior, key, func(n int) provider.SecurityAccountResult {
		return provider.SecurityAccountResult{AccountID: fmt.Sprintf("fake-sec-%d", n)}
	})
}
