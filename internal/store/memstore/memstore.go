// Package memstore is an in-memory fulfillment ledger with the same transition rules as the
// Postgres store. A single mutex stands in for row locks.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"fulfillment-service/internal/models"
)

type Store struct {
	mu sync.Mutex

	seq       int64
	customers map[int64]models.Customer
	orders    map[int64]*models.Order
	items     map[int64]*models.OrderItem
	payments  map[int64][]*models.Payment
	domains   []models.DomainRecord
	hosting   []models.HostingAccount
	security  []models.SecurityAccount
	audit     []models.AuditLog

	now func() time.Time
}

func New() *Store {
	return &Store{
		customers: make(map[int64]models.Customer),
		orders:    make(map[int64]*models.Order),
		items:     make(map[int64]*models.OrderItem),
		payments:  make(map[int64][]*models.Payment),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// AddCustomer stores a customer, assigning an id when it has none.
func (s *Store) AddCustomer(c models.Customer) models.Customer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.nextID()
	}
	s.customers[c.ID] = c
	return c
}

// AddOrder stores an order awaiting payment with its items. Zero ids are assigned,
// items default to pending.
func (s *Store) AddOrder(order models.Order, items ...models.OrderItem) (models.Order, []models.OrderItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ID == 0 {
		order.ID = s.nextID()
	}
	if order.Status == "" {
		order.Status = models.OrderStatusPendingPayment
	}
	if order.PaymentStatus == "" {
		order.PaymentStatus = models.PaymentStatusPending
	}
	if order.Currency == "" {
		order.Currency = "USD"
	}
	order.PlacedAt = s.now()
	order.UpdatedAt = order.PlacedAt
	s.orders[order.ID] = &order

	stored := make([]models.OrderItem, 0, len(items))
	for i, item := range items {
		item := item
		if item.ID == 0 {
			item.ID = s.nextID()
		}
		item.OrderID = order.ID
		item.Position = i
		if item.Status == "" {
			item.Status = models.ItemStatusPending
		}
		if item.TermMonths == 0 {
			item.TermMonths = 12
		}
		item.UpdatedAt = order.PlacedAt
		s.items[item.ID] = &item
		stored = append(stored, item)
	}

	return order, stored
}

// SetUpdatedAt backdates an order, used to simulate a stalled run.
func (s *Store) SetUpdatedAt(orderID int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[orderID]; ok {
		o.UpdatedAt = at
	}
}

// SetItemStatus forces an item status, used to simulate a crash mid-dispatch.
func (s *Store) SetItemStatus(itemID int64, status models.ItemStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[itemID]; ok {
		it.Status = status
	}
}

func (s *Store) GetOrder(_ context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderID)
	}
	order := *o
	return &order, s.itemsOf(orderID), nil
}

func (s *Store) GetCustomer(_ context.Context, customerID int64) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[customerID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrCustomerNotFound, customerID)
	}
	return &c, nil
}

func (s *Store) GetPayments(_ context.Context, orderID int64) ([]models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Payment, 0, len(s.payments[orderID]))
	for _, p := range s.payments[orderID] {
		out = append(out, *p)
	}
	return out, nil
}

func (s *Store) BeginProcessing(_ context.Context, orderID int64, payment models.PaymentData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderID)
	}
	if o.Status != models.OrderStatusPendingPayment {
		return fmt.Errorf("%w: order %d is %s", models.ErrAlreadyProcessed, orderID, o.Status)
	}

	now := s.now()
	o.Status = models.OrderStatusProcessing
	o.PaymentStatus = models.PaymentStatusCompleted
	o.PaymentReference = optional(payment.GatewayReference)
	o.PaidAt = &now
	o.UpdatedAt = now

	p := s.newPayment(o, payment, models.PaymentStatusCompleted)
	p.ProcessedAt = &now
	return nil
}

func (s *Store) StartItems(_ context.Context, orderID int64, itemIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range itemIDs {
		it, ok := s.items[id]
		if !ok || it.OrderID != orderID || it.Status == models.ItemStatusCompleted {
			continue
		}
		it.Status = models.ItemStatusProcessing
		it.UpdatedAt = now
	}
	return nil
}

func (s *Store) MarkItem(_ context.Context, itemID int64, outcome models.ItemOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("%w: %d", models.ErrItemNotFound, itemID)
	}
	if it.Status == models.ItemStatusCompleted {
		return nil
	}

	now := s.now()
	customerID := s.orders[it.OrderID].CustomerID

	switch outcome.Status {
	case models.ItemStatusCompleted:
		if d := outcome.Domain; d != nil {
			d.ID, d.CustomerID, d.CreatedAt = s.nextID(), customerID, now
			s.domains = append(s.domains, *d)
			it.DomainID = &d.ID
		}
		if h := outcome.Hosting; h != nil {
			h.ID, h.CustomerID, h.CreatedAt = s.nextID(), customerID, now
			s.hosting = append(s.hosting, *h)
			it.HostingAccountID = &h.ID
		}
		if sa := outcome.Security; sa != nil {
			sa.ID, sa.CustomerID, sa.CreatedAt = s.nextID(), customerID, now
			s.security = append(s.security, *sa)
			it.SecurityAccountID = &sa.ID
		}
		it.Status = models.ItemStatusCompleted
		it.ExternalReference = optional(outcome.ExternalReference)
		it.FulfilledAt = &now
		it.LastError, it.LastErrorKind = nil, nil
	case models.ItemStatusFailed:
		it.Status = models.ItemStatusFailed
		it.RetryCount++
		msg := outcome.ErrorMessage
		it.LastError = &msg
		it.LastErrorKind = optional(outcome.ErrorKind)
	default:
		return fmt.Errorf("%w: item outcome %q", models.ErrInvalidTransition, outcome.Status)
	}

	it.UpdatedAt = now
	return nil
}

func (s *Store) Finalize(_ context.Context, orderID int64) (models.OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return "", fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderID)
	}

	next := models.DeriveOrderStatus(s.itemsOf(orderID))
	if next == models.OrderStatusProcessing {
		return o.Status, nil
	}
	if !models.CanTransition(o.Status, next) {
		return "", fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, o.Status, next)
	}

	now := s.now()
	o.Status = next
	if next == models.OrderStatusCompleted {
		o.CompletedAt = &now
	}
	o.UpdatedAt = now
	return next, nil
}

func (s *Store) RecordPaymentFailure(_ context.Context, orderID int64, payment models.PaymentData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderID)
	}
	if o.Status != models.OrderStatusPendingPayment {
		return fmt.Errorf("%w: order %d is %s", models.ErrAlreadyProcessed, orderID, o.Status)
	}

	now := s.now()
	o.Status = models.OrderStatusFailed
	o.PaymentStatus = models.PaymentStatusFailed
	o.UpdatedAt = now

	p := s.newPayment(o, payment, models.PaymentStatusFailed)
	p.FailedAt = &now
	p.FailureReason = optional(payment.FailureMessage)
	return nil
}

func (s *Store) RecordRefund(_ context.Context, orderID int64, refund models.RefundData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderID)
	}
	if o.Status == models.OrderStatusRefunded {
		return fmt.Errorf("%w: order %d already refunded", models.ErrAlreadyProcessed, orderID)
	}
	if !models.CanTransition(o.Status, models.OrderStatusRefunded) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, o.Status, models.OrderStatusRefunded)
	}

	var target *models.Payment
	for _, p := range s.payments[orderID] {
		if p.Status == models.PaymentStatusCompleted {
			target = p
		}
	}
	if target == nil {
		return fmt.Errorf("%w: no completed payment for order %d", models.ErrPaymentNotFound, orderID)
	}

	amount := refund.Amount
	if amount <= 0 {
		amount = target.Amount
	}

	now := s.now()
	target.Status = models.PaymentStatusRefunded
	target.RefundedAt = &now
	target.RefundedAmount = &amount
	target.RefundReason = optional(refund.Reason)

	o.Status = models.OrderStatusRefunded
	o.PaymentStatus = models.PaymentStatusRefunded
	o.UpdatedAt = now
	return nil
}

func (s *Store) ResetItem(_ context.Context, itemID int64) (*models.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrItemNotFound, itemID)
	}
	if it.Status != models.ItemStatusFailed {
		return nil, fmt.Errorf("%w: item %d is %s, only failed items can be reset", models.ErrInvalidTransition, itemID, it.Status)
	}

	it.RetryCount = 0
	it.UpdatedAt = s.now()
	item := *it
	return &item, nil
}

func (s *Store) ListRetryableOrders(_ context.Context, maxRetries, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]bool)
	for _, it := range s.items {
		o := s.orders[it.OrderID]
		if o.PaymentStatus != models.PaymentStatusCompleted {
			continue
		}
		if o.Status != models.OrderStatusPartialFailure && o.Status != models.OrderStatusFailed {
			continue
		}
		if it.IsRetryable(maxRetries) {
			seen[o.ID] = true
		}
	}
	return limitIDs(seen, limit), nil
}

func (s *Store) ListStalledOrders(_ context.Context, before time.Time, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]bool)
	for id, o := range s.orders {
		if o.Status == models.OrderStatusProcessing && o.UpdatedAt.Before(before) {
			seen[id] = true
		}
	}
	return limitIDs(seen, limit), nil
}

func (s *Store) InsertAuditLog(_ context.Context, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = s.nextID()
	entry.CreatedAt = s.now()
	if len(entry.Metadata) == 0 {
		entry.Metadata = json.RawMessage("{}")
	}
	s.audit = append(s.audit, *entry)
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Domains() []models.DomainRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DomainRecord(nil), s.domains...)
}

func (s *Store) HostingAccounts() []models.HostingAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.HostingAccount(nil), s.hosting...)
}

func (s *Store) SecurityAccounts() []models.SecurityAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SecurityAccount(nil), s.security...)
}

func (s *Store) AuditLogs() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditLog(nil), s.audit...)
}

func (s *Store) itemsOf(orderID int64) []models.OrderItem {
	var out []models.OrderItem
	for _, it := range s.items {
		if it.OrderID == orderID {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) newPayment(o *models.Order, data models.PaymentData, status models.PaymentStatus) *models.Payment {
	amount, currency := data.Amount, data.Currency
	if amount <= 0 {
		amount = o.TotalAmount
	}
	if currency == "" {
		currency = o.Currency
	}
	payload := data.Raw
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	p := &models.Payment{
		ID:               s.nextID(),
		OrderID:          o.ID,
		Amount:           amount,
		Currency:         currency,
		Status:           status,
		Gateway:          data.Gateway,
		GatewayReference: optional(data.GatewayReference),
		GatewayPayload:   payload,
		CreatedAt:        s.now(),
	}
	s.payments[o.ID] = append(s.payments[o.ID], p)
	return p
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func limitIDs(set map[int64]bool, limit int) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}
