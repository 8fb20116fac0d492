package service

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
)

// Ledger is the transactional record the orchestrator drives. Every method is one
// atomic step and safe to repeat after a failure.
type Ledger interface {
	GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error)
	GetCustomer(ctx context.Context, customerID int64) (*models.Customer, error)

	BeginProcessing(ctx context.Context, orderID int64, payment models.PaymentData) error
	StartItems(ctx context.Context, orderID int64, itemIDs []int64) error
	MarkItem(ctx context.Context, itemID int64, outcome models.ItemOutcome) error
	Finalize(ctx context.Context, orderID int64) (models.OrderStatus, error)

	RecordPaymentFailure(ctx context.Context, orderID int64, payment models.PaymentData) error
	RecordRefund(ctx context.Context, orderID int64, refund models.RefundData) error
	ResetItem(ctx context.Context, itemID int64) (*models.OrderItem, error)

	ListRetryableOrders(ctx context.Context, maxRetries, limit int) ([]int64, error)
	ListStalledOrders(ctx context.Context, before time.Time, limit int) ([]int64, error)
}

// Locker serializes operator and cron entry points per order.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// Settings tunes the saga.
type Settings struct {
	MaxItemRetries   int
	Nameservers      []string
	TempDomainSuffix string
	LockTTL          time.Duration
	StalledAfter     time.Duration
	MaxParallel      int
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxItemRetries:   models.DefaultMaxItemRetries,
		Nameservers:      []string{"ns1.hostsblue.com", "ns2.hostsblue.com"},
		TempDomainSuffix: "temp.hostsblue.com",
		LockTTL:          2 * time.Minute,
		StalledAfter:     15 * time.Minute,
		MaxParallel:      8,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.MaxItemRetries <= 0 {
		s.MaxItemRetries = def.MaxItemRetries
	}
	if len(s.Nameservers) == 0 {
		s.Nameservers = def.Nameservers
	}
	if s.TempDomainSuffix == "" {
		s.TempDomainSuffix = def.TempDomainSuffix
	}
	if s.LockTTL <= 0 {
		s.LockTTL = def.LockTTL
	}
	if s.StalledAfter <= 0 {
		s.StalledAfter = def.StalledAfter
	}
	if s.MaxParallel <= 0 {
		s.MaxParallel = def.MaxParallel
	}
	return s
}
