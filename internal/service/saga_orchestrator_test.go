package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/audit"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/provider/fake"
	"fulfillment-service/internal/resilient"
	"fulfillment-service/internal/store/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store     *memstore.Store
	registrar *fake.Registrar
	hosting   *fake.Hosting
	gateway   *fake.Gateway
	security  *fake.Security
	recorder  *audit.Recorder
	saga      *SagaOrchestrator
	customer  models.Customer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:     memstore.New(),
		registrar: fake.NewRegistrar(),
		hosting:   fake.NewHosting(),
		gateway:   fake.NewGateway(),
		security:  fake.NewSecurity(),
		recorder:  &audit.Recorder{},
	}

	client := resilient.NewClient(resilient.Config{
		Timeout:        40 * time.Millisecond,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})

	h.saga = NewSagaOrchestrator(h.store, Providers{
		Registrar: h.registrar,
		Hosting:   h.hosting,
		Payment:   h.gateway,
		Security:  h.security,
	}, client, h.recorder, nil, DefaultSettings())

	h.customer = h.store.AddCustomer(models.Customer{
		Email:       "jane@acme.com",
		FirstName:   "Jane",
		LastName:    "Doe",
		Phone:       "+1.5555550100",
		Address1:    "1 Main St",
		City:        "Austin",
		State:       "TX",
		PostalCode:  "78701",
		CountryCode: "US",
	})

	return h
}

func (h *harness) order(t *testing.T, id int64, items ...models.OrderItem) []models.OrderItem {
	t.Helper()
	_, stored := h.store.AddOrder(models.Order{
		ID:          id,
		OrderNumber: fmt.Sprintf("HB-%d", id),
		CustomerID:  h.customer.ID,
		TotalAmount: 4500,
	}, items...)
	return stored
}

func (h *harness) state(t *testing.T, orderID int64) (*models.Order, map[models.ItemKind]models.OrderItem) {
	t.Helper()
	order, items, err := h.store.GetOrder(context.Background(), orderID)
	require.NoError(t, err)

	byKind := make(map[models.ItemKind]models.OrderItem, len(items))
	for _, item := range items {
		byKind[item.Kind] = item
	}
	return order, byKind
}

func item(t *testing.T, kind models.ItemKind, cfg any) models.OrderItem {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return models.OrderItem{Kind: kind, Configuration: raw}
}

func registration(t *testing.T, domain string) models.OrderItem {
	return item(t, models.ItemKindDomainRegistration, models.DomainRegistrationConfig{Domain: domain})
}

func hostingPlan(t *testing.T, plan string) models.OrderItem {
	return item(t, models.ItemKindHostingPlan, models.HostingPlanConfig{PlanID: plan})
}

func securityPlan(t *testing.T, domain string) models.OrderItem {
	return item(t, models.ItemKindSiteSecurity, models.SiteSecurityConfig{Domain: domain, PlanSlug: "basic"})
}

func paid() models.PaymentData {
	return models.PaymentData{Gateway: "stripe", GatewayReference: "pi_123", Amount: 4500, Currency: "USD"}
}

func countKind(r *audit.Recorder, kind models.AuditKind) int {
	n := 0
	for _, k := range r.Kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func alerts(r *audit.Recorder, reason string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind == models.AuditOperatorAlert && e.Details["reason"] == reason {
			n++
		}
	}
	return n
}

func TestHandlePaymentSuccess_AdapterRetriesAreNotItemRetries(t *testing.T) {
	h := newHarness(t)
	h.order(t, 1001, registration(t, "acme.com"), hostingPlan(t, "growth"))
	h.hosting.FailNext(fake.Hang, fake.Hang)

	err := h.saga.HandlePaymentSuccess(context.Background(), 1001, paid())
	require.NoError(t, err)

	order, items := h.state(t, 1001)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	assert.NotNil(t, order.CompletedAt)

	reg := items[models.ItemKindDomainRegistration]
	assert.Equal(t, models.ItemStatusCompleted, reg.Status)
	require.NotNil(t, reg.ExternalReference)
	assert.Equal(t, 1, h.registrar.Calls())

	hosting := items[models.ItemKindHostingPlan]
	assert.Equal(t, models.ItemStatusCompleted, hosting.Status)
	assert.Equal(t, 0, hosting.RetryCount)
	assert.Equal(t, 3, h.hosting.Calls())
	assert.Equal(t, []string{"order:1001:item:" + fmt.Sprint(hosting.ID) + ":attempt"}, uniq(h.hosting.Keys()))

	assert.Equal(t, []models.AuditKind{models.AuditPaymentSuccess, models.AuditOrderCompleted}, h.recorder.Kinds())

	domains := h.store.Domains()
	require.Len(t, domains, 1)
	assert.Equal(t, "acme.com", domains[0].DomainName)
	assert.Equal(t, h.customer.ID, domains[0].CustomerID)
	require.Len(t, h.store.HostingAccounts(), 1)
}

func TestHandlePaymentSuccess_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.order(t, 7, registration(t, "acme.com"), hostingPlan(t, "starter"))

	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 7, paid()))
	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 7, paid()))

	order, _ := h.state(t, 7)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	assert.Equal(t, 1, h.registrar.Calls())
	assert.Equal(t, 1, h.hosting.Calls())

	payments, err := h.store.GetPayments(context.Background(), 7)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
	assert.Len(t, h.store.Domains(), 1)
	assert.Equal(t, 1, countKind(h.recorder, models.AuditPaymentSuccess))
}

func TestHandlePaymentSuccess_ConcurrentDeliveries(t *testing.T) {
	h := newHarness(t)
	h.order(t, 8, registration(t, "acme.com"), hostingPlan(t, "starter"))
	h.hosting.SetDelay(10 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 8, paid()))
		}()
	}
	wg.Wait()

	order, _ := h.state(t, 8)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	assert.Equal(t, 1, h.registrar.Calls())
	assert.Equal(t, 1, h.hosting.Calls())

	payments, err := h.store.GetPayments(context.Background(), 8)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestHandlePaymentSuccess_PartialFailure(t *testing.T) {
	h := newHarness(t)
	h.order(t, 20, registration(t, "acme.com"), hostingPlan(t, "growth"), securityPlan(t, "acme.com"))
	h.hosting.FailAlways(resilient.Errorf(resilient.KindClient, "unknown plan"))
	h.security.FailAlways(resilient.FromStatus(503, "maintenance"))

	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 20, paid()))

	order, items := h.state(t, 20)
	assert.Equal(t, models.OrderStatusPartialFailure, order.Status)

	reg := items[models.ItemKindDomainRegistration]
	assert.Equal(t, models.ItemStatusCompleted, reg.Status)
	assert.NotNil(t, reg.ExternalReference)
	assert.Equal(t, 0, reg.RetryCount)

	for _, kind := range []models.ItemKind{models.ItemKindHostingPlan, models.ItemKindSiteSecurity} {
		failed := items[kind]
		assert.Equal(t, models.ItemStatusFailed, failed.Status, kind)
		assert.Equal(t, 1, failed.RetryCount, kind)
		assert.Nil(t, failed.ExternalReference, kind)
		require.NotNil(t, failed.LastError, kind)
	}
	assert.Equal(t, string(resilient.KindClient), *items[models.ItemKindHostingPlan].LastErrorKind)
	assert.Equal(t, string(resilient.KindServer), *items[models.ItemKindSiteSecurity].LastErrorKind)

	// a 4xx is never retried, a 5xx uses the whole attempt budget
	assert.Equal(t, 1, h.hosting.Calls())
	assert.Equal(t, 3, h.security.Calls())

	require.Equal(t, 1, countKind(h.recorder, models.AuditItemsFailed))
	for _, e := range h.recorder.Events() {
		if e.Kind == models.AuditItemsFailed {
			assert.Len(t, e.Details["failed_items"], 2)
		}
	}
	assert.Zero(t, countKind(h.recorder, models.AuditOrderCompleted))
}

func TestHandlePaymentSuccess_TimeoutExhaustsBudget(t *testing.T) {
	h := newHarness(t)
	h.order(t, 21, hostingPlan(t, "growth"))
	h.hosting.FailAlways(fake.Hang)

	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 21, paid()))

	order, items := h.state(t, 21)
	assert.Equal(t, models.OrderStatusFailed, order.Status)

	hosting := items[models.ItemKindHostingPlan]
	assert.Equal(t, models.ItemStatusFailed, hosting.Status)
	require.NotNil(t, hosting.LastErrorKind)
	assert.Equal(t, string(resilient.KindTimeout), *hosting.LastErrorKind)
	assert.Equal(t, 3, h.hosting.Calls())
}

func TestHandlePaymentSuccess_UnauthenticatedRaisesAlert(t *testing.T) {
	h := newHarness(t)
	h.order(t, 22, registration(t, "acme.com"))
	h.registrar.FailAlways(resilient.FromStatus(401, "bad key"))

	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 22, paid()))

	_, items := h.state(t, 22)
	assert.Equal(t, string(resilient.KindUnauthenticated), *items[models.ItemKindDomainRegistration].LastErrorKind)
	assert.Equal(t, 1, h.registrar.Calls())
	assert.Equal(t, 1, alerts(h.recorder, "unauthenticated"))
}

func TestHandlePaymentSuccess_TransferWithoutAuthCode(t *testing.T) {
	h := newHarness(t)
	h.order(t, 23, item(t, models.ItemKindDomainTransfer, models.DomainTransferConfig{Domain: "acme", TLD: "com"}))

	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 23, paid()))

	order, items := h.state(t, 23)
	assert.Equal(t, models.OrderStatusFailed, order.Status)
	assert.Equal(t, string(resilient.KindClient), *items[models.ItemKindDomainTransfer].LastErrorKind)
	assert.Zero(t, h.registrar.Calls())
}

func TestHandlePaymentSuccess_PrivacyBundledWithRegistration(t *testing.T) {
	h := newHarness(t)
	h.order(t, 24,
		registration(t, "acme.com"),
		item(t, models.ItemKindPrivacyProtection, models.PrivacyProtectionConfig{Domain: "ACME.com"}),
	)

	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 24, paid()))

	order, items := h.state(t, 24)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)

	privacy := items[models.ItemKindPrivacyProtection]
	require.NotNil(t, privacy.ExternalReference)
	assert.Equal(t, "bundled:acme.com", *privacy.ExternalReference)

	// only the registration reached the registrar
	assert.Equal(t, 1, h.registrar.Calls())
	domains := h.store.Domains()
	require.Len(t, domains, 1)
	assert.True(t, domains[0].Privacy)
}

func TestHandlePaymentSuccess_PrivacyFollowsFailedRegistration(t *testing.T) {
	h := newHarness(t)
	h.order(t, 26,
		registration(t, "acme.com"),
		item(t, models.ItemKindPrivacyProtection, models.PrivacyProtectionConfig{Domain: "acme.com"}),
	)
	h.registrar.FailAlways(resilient.Errorf(resilient.KindClient, "domain not available"))

	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 26, paid()))

	order, items := h.state(t, 26)
	assert.Equal(t, models.OrderStatusFailed, order.Status)

	privacy := items[models.ItemKindPrivacyProtection]
	assert.Equal(t, models.ItemStatusFailed, privacy.Status)
	assert.Nil(t, privacy.ExternalReference)
	require.NotNil(t, privacy.LastErrorKind)
	assert.Equal(t, string(resilient.KindClient), *privacy.LastErrorKind)
	assert.Equal(t, 1, privacy.RetryCount)
	assert.Equal(t, 1, h.registrar.Calls())
	assert.Empty(t, h.store.Domains())

	// both come back together on retry
	h.registrar.Recover()
	status, err := h.saga.RetryFailedItems(context.Background(), 26)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, status)

	_, items = h.state(t, 26)
	privacy = items[models.ItemKindPrivacyProtection]
	assert.Equal(t, models.ItemStatusCompleted, privacy.Status)
	require.NotNil(t, privacy.ExternalReference)
	assert.Equal(t, "bundled:acme.com", *privacy.ExternalReference)
	assert.Equal(t, 2, h.registrar.Calls())
	domains := h.store.Domains()
	require.Len(t, domains, 1)
	assert.True(t, domains[0].Privacy)
}

func TestHandlePaymentSuccess_PrivacyFollowsFailedRegistrationInPartialOrder(t *testing.T) {
	h := newHarness(t)
	h.order(t, 27,
		registration(t, "acme.com"),
		item(t, models.ItemKindPrivacyProtection, models.PrivacyProtectionConfig{Domain: "acme.com"}),
		hostingPlan(t, "growth"),
	)
	h.registrar.FailAlways(resilient.FromStatus(401, "bad api key"))

	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 27, paid()))

	order, items := h.state(t, 27)
	assert.Equal(t, models.OrderStatusPartialFailure, order.Status)
	assert.Equal(t, models.ItemStatusCompleted, items[models.ItemKindHostingPlan].Status)
	assert.Equal(t, models.ItemStatusFailed, items[models.ItemKindDomainRegistration].Status)
	assert.Equal(t, models.ItemStatusFailed, items[models.ItemKindPrivacyProtection].Status)

	// one alert for the registration, none for the item that never reached the registrar
	assert.Equal(t, 1, alerts(h.recorder, string(resilient.KindUnauthenticated)))
}

func TestHandlePaymentSuccess_MissingCustomer(t *testing.T) {
	h := newHarness(t)
	h.store.AddOrder(models.Order{ID: 25, CustomerID: 999, TotalAmount: 100},
		registration(t, "acme.com"), hostingPlan(t, "starter"))

	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 25, paid()))

	order, items := h.state(t, 25)
	assert.Equal(t, models.OrderStatusPartialFailure, order.Status)
	assert.Equal(t, models.ItemStatusFailed, items[models.ItemKindDomainRegistration].Status)
	assert.Equal(t, models.ItemStatusCompleted, items[models.ItemKindHostingPlan].Status)
	assert.Zero(t, h.registrar.Calls())
}

func TestHandlePaymentSuccess_UnknownOrder(t *testing.T) {
	h := newHarness(t)

	err := h.saga.HandlePaymentSuccess(context.Background(), 404, paid())
	assert.True(t, errors.Is(err, models.ErrOrderNotFound))
}

func TestRetryFailedItems_Converges(t *testing.T) {
	h := newHarness(t)
	h.order(t, 30, registration(t, "acme.com"), hostingPlan(t, "growth"))
	h.hosting.FailAlways(resilient.FromStatus(502, "bad gateway"))

	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 30, paid()))
	order, items := h.state(t, 30)
	require.Equal(t, models.OrderStatusPartialFailure, order.Status)
	regBefore := items[models.ItemKindDomainRegistration]

	h.hosting.Recover()
	status, err := h.saga.RetryFailedItems(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, status)

	order, items = h.state(t, 30)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	assert.Equal(t, regBefore, items[models.ItemKindDomainRegistration])
	assert.Equal(t, 1, items[models.ItemKindHostingPlan].RetryCount)
	assert.Equal(t, 1, h.registrar.Calls())
	assert.Len(t, h.store.Domains(), 1)
	assert.Equal(t, 1, countKind(h.recorder, models.AuditOrderCompleted))
}

func TestRetryFailedItems_Ceiling(t *testing.T) {
	h := newHarness(t)
	h.order(t, 31, hostingPlan(t, "growth"))
	h.hosting.FailAlways(resilient.Errorf(resilient.KindClient, "plan retired"))

	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 31, paid()))
	for i := 0; i < 2; i++ {
		status, err := h.saga.RetryFailedItems(context.Background(), 31)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusFailed, status)
	}

	_, items := h.state(t, 31)
	assert.Equal(t, 3, items[models.ItemKindHostingPlan].RetryCount)
	assert.Equal(t, 3, h.hosting.Calls())
	assert.Equal(t, 1, alerts(h.recorder, "retries_exhausted"))

	_, err := h.saga.RetryFailedItems(context.Background(), 31)
	assert.True(t, errors.Is(err, models.ErrNothingToRetry))
	assert.Equal(t, 3, h.hosting.Calls())

	ids, err := h.saga.RetryableOrders(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// an operator reset makes the item eligible again
	hosting := items[models.ItemKindHostingPlan]
	reset, err := h.saga.ResetItem(context.Background(), hosting.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reset.RetryCount)

	h.hosting.Recover()
	status, err := h.saga.RetryFailedItems(context.Background(), 31)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, status)
	assert.Equal(t, 4, h.hosting.Calls())
}

func TestRetryFailedItems_RejectsUnpaidOrder(t *testing.T) {
	h := newHarness(t)
	h.order(t, 32, hostingPlan(t, "growth"))
	require.NoError(t, h.saga.HandlePaymentFailure(context.Background(), 32, models.PaymentData{Gateway: "stripe", FailureMessage: "card declined"}))

	_, err := h.saga.RetryFailedItems(context.Background(), 32)
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
	assert.Zero(t, h.hosting.Calls())
}

type stubLocker struct {
	held     bool
	released []string
}

func (l *stubLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	if l.held {
		return "", false, nil
	}
	return "token-" + key, true, nil
}

func (l *stubLocker) ReleaseLock(_ context.Context, key, token string) error {
	l.released = append(l.released, key+"="+token)
	return nil
}

func TestRetryFailedItems_Locking(t *testing.T) {
	h := newHarness(t)
	h.order(t, 33, hostingPlan(t, "growth"))
	h.hosting.FailNext(resilient.Errorf(resilient.KindClient, "busy"))
	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 33, paid()))

	locker := &stubLocker{held: true}
	h.saga.locker = locker

	_, err := h.saga.RetryFailedItems(context.Background(), 33)
	assert.True(t, errors.Is(err, models.ErrOrderBusy))
	assert.Equal(t, 1, h.hosting.Calls())

	locker.held = false
	status, err := h.saga.RetryFailedItems(context.Background(), 33)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, status)
	assert.Equal(t, []string{"order:33=token-order:33"}, locker.released)
}

func TestResumeOrder(t *testing.T) {
	h := newHarness(t)
	items := h.order(t, 40, registration(t, "acme.com"), hostingPlan(t, "growth"))

	// payment recorded, then the process died with the hosting item in flight
	require.NoError(t, h.store.BeginProcessing(context.Background(), 40, paid()))
	require.NoError(t, h.store.MarkItem(context.Background(), items[0].ID, models.Succeeded("reg-1")))
	h.store.SetItemStatus(items[1].ID, models.ItemStatusProcessing)
	h.store.SetUpdatedAt(40, time.Now().Add(-time.Hour))

	stalled, err := h.saga.StalledOrders(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{40}, stalled)

	status, err := h.saga.ResumeOrder(context.Background(), 40)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, status)
	assert.Zero(t, h.registrar.Calls())
	assert.Equal(t, 1, h.hosting.Calls())

	_, err = h.saga.ResumeOrder(context.Background(), 40)
	assert.True(t, errors.Is(err, models.ErrNothingToRetry))
}

func TestHandlePaymentFailure(t *testing.T) {
	h := newHarness(t)
	h.order(t, 50, registration(t, "acme.com"))

	failure := models.PaymentData{Gateway: "stripe", GatewayReference: "pi_9", FailureMessage: "card declined"}
	require.NoError(t, h.saga.HandlePaymentFailure(context.Background(), 50, failure))
	require.NoError(t, h.saga.HandlePaymentFailure(context.Background(), 50, failure))

	order, items := h.state(t, 50)
	assert.Equal(t, models.OrderStatusFailed, order.Status)
	assert.Equal(t, models.PaymentStatusFailed, order.PaymentStatus)
	assert.Equal(t, models.ItemStatusPending, items[models.ItemKindDomainRegistration].Status)
	assert.Zero(t, h.registrar.Calls())

	payments, err := h.store.GetPayments(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusFailed, payments[0].Status)
	assert.Equal(t, 1, countKind(h.recorder, models.AuditPaymentFailed))

	// a late success for a failed payment is surfaced, not provisioned
	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 50, paid()))
	assert.Zero(t, h.registrar.Calls())
	assert.Equal(t, 1, alerts(h.recorder, "payment_after_failure"))
}

func TestHandlePaymentRefund_LeavesResourcesAlone(t *testing.T) {
	h := newHarness(t)
	h.order(t, 60, registration(t, "acme.com"), hostingPlan(t, "growth"))
	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 60, paid()))
	_, before := h.state(t, 60)

	refund := models.RefundData{RefundID: "re_1", Reason: "customer request"}
	require.NoError(t, h.saga.HandlePaymentRefund(context.Background(), 60, refund))
	require.NoError(t, h.saga.HandlePaymentRefund(context.Background(), 60, refund))

	order, after := h.state(t, 60)
	assert.Equal(t, models.OrderStatusRefunded, order.Status)
	assert.Equal(t, models.PaymentStatusRefunded, order.PaymentStatus)
	assert.Equal(t, before, after)
	assert.Len(t, h.store.Domains(), 1)
	assert.Len(t, h.store.HostingAccounts(), 1)

	payments, err := h.store.GetPayments(context.Background(), 60)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusRefunded, payments[0].Status)
	assert.Equal(t, int64(4500), *payments[0].RefundedAmount)
	assert.Equal(t, 1, countKind(h.recorder, models.AuditOrderRefunded))
}

func TestHandlePaymentRefund_RejectsProcessingOrder(t *testing.T) {
	h := newHarness(t)
	h.order(t, 61, registration(t, "acme.com"))
	require.NoError(t, h.store.BeginProcessing(context.Background(), 61, paid()))

	err := h.saga.HandlePaymentRefund(context.Background(), 61, models.RefundData{Amount: 100})
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
	assert.Equal(t, 1, alerts(h.recorder, "refund_rejected"))
}

func TestIssueRefund(t *testing.T) {
	h := newHarness(t)
	h.order(t, 62, hostingPlan(t, "growth"))
	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 62, paid()))
	h.gateway.FailNext(resilient.FromStatus(500, "oops"))

	res, err := h.saga.IssueRefund(context.Background(), 62, 0, "goodwill")
	require.NoError(t, err)
	assert.NotEmpty(t, res.RefundID)
	assert.Equal(t, int64(4500), res.Amount)
	assert.Equal(t, []string{"order:62:refund", "order:62:refund"}, h.gateway.Keys())

	order, _ := h.state(t, 62)
	assert.Equal(t, models.OrderStatusRefunded, order.Status)

	_, err = h.saga.IssueRefund(context.Background(), 62, 0, "again")
	assert.True(t, errors.Is(err, models.ErrAlreadyProcessed))
	assert.Equal(t, 2, h.gateway.Calls())
}

func TestIssueRefund_RejectsAmountAboveTotal(t *testing.T) {
	h := newHarness(t)
	h.order(t, 63, hostingPlan(t, "growth"))
	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 63, paid()))

	for _, amount := range []int64{4501, -1} {
		_, err := h.saga.IssueRefund(context.Background(), 63, amount, "goodwill")
		assert.True(t, errors.Is(err, models.ErrInvalidRefundAmount), "amount %d", amount)
	}
	assert.Zero(t, h.gateway.Calls())

	res, err := h.saga.IssueRefund(context.Background(), 63, 1500, "partial goodwill")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), res.Amount)
}

// failingFinalize fails the first Finalize, as a ledger outage after provisioning would.
type failingFinalize struct {
	*memstore.Store
	failed bool
}

func (f *failingFinalize) Finalize(ctx context.Context, orderID int64) (models.OrderStatus, error) {
	if !f.failed {
		f.failed = true
		return "", errors.New("connection reset")
	}
	return f.Store.Finalize(ctx, orderID)
}

func TestHandlePaymentSuccess_RedeliveryResumesInterruptedRun(t *testing.T) {
	h := newHarness(t)
	h.order(t, 45, registration(t, "acme.com"), hostingPlan(t, "growth"))

	ledger := &failingFinalize{Store: h.store}
	h.saga.ledger = ledger

	err := h.saga.HandlePaymentSuccess(context.Background(), 45, paid())
	require.Error(t, err)

	order, _ := h.state(t, 45)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)

	// the broker redelivers the same event
	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 45, paid()))

	order, items := h.state(t, 45)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	for _, it := range items {
		assert.Equal(t, models.ItemStatusCompleted, it.Status)
	}
	assert.Equal(t, 1, h.registrar.Calls())
	assert.Equal(t, 1, h.hosting.Calls())
	assert.Equal(t, 1, countKind(h.recorder, models.AuditOrderCompleted))
}

func TestHandlePaymentSuccess_BacksOffWhileRunHoldsLock(t *testing.T) {
	h := newHarness(t)
	h.order(t, 46, hostingPlan(t, "growth"))
	h.saga.locker = &stubLocker{held: true}

	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 46, paid()))

	order, _ := h.state(t, 46)
	assert.Equal(t, models.OrderStatusPendingPayment, order.Status)
	assert.Zero(t, h.hosting.Calls())
}

func TestGetOrderView_HidesErrors(t *testing.T) {
	h := newHarness(t)
	h.order(t, 70, registration(t, "acme.com"), hostingPlan(t, "growth"))
	h.hosting.FailAlways(resilient.Errorf(resilient.KindClient, "internal vendor detail"))
	require.NoError(t, h.saga.HandlePaymentSuccess(context.Background(), 70, paid()))

	view, err := h.saga.GetOrderView(context.Background(), 70)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPartialFailure, view.Status)
	require.Len(t, view.Items, 2)

	raw, err := json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "internal vendor detail")

	detail, err := h.saga.GetOrderDetail(context.Background(), 70)
	require.NoError(t, err)
	assert.True(t, detail.CanRetry)
	require.Len(t, detail.FailedItems, 1)
	assert.Contains(t, detail.FailedItems[0].Error, "internal vendor detail")
}

func uniq(keys []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
