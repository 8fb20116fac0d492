package models

import (
	"encoding/json"
	"time"
)

// OrderStatus is the order-level fulfillment state.
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusPartialFailure OrderStatus = "partial_failure"
	OrderStatusFailed         OrderStatus = "failed"
	OrderStatusRefunded       OrderStatus = "refunded"
)

// ItemStatus is the provisioning state of one order item.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
)

// PaymentStatus is shared by Order.PaymentStatus and Payment.Status.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// ItemKind is the fixed set of things an order can provision.
type ItemKind string

const (
	ItemKindDomainRegistration ItemKind = "domain_registration"
	ItemKindDomainTransfer     ItemKind = "domain_transfer"
	ItemKindHostingPlan        ItemKind = "hosting_plan"
	ItemKindPrivacyProtection  ItemKind = "privacy_protection"
	ItemKindSiteSecurity       ItemKind = "site_security"
)

// Order represents a customer purchase
type Order struct {
	ID               int64         `db:"id" json:"id"`
	OrderNumber      string        `db:"order_number" json:"order_number"`
	CustomerID       int64         `db:"customer_id" json:"customer_id"`
	Currency         string        `db:"currency" json:"currency"`
	TotalAmount      int64         `db:"total_amount" json:"total_amount"`
	Status           OrderStatus   `db:"status" json:"status"`
	PaymentStatus    PaymentStatus `db:"payment_status" json:"payment_status"`
	PaymentReference *string       `db:"payment_reference" json:"payment_reference,omitempty"`
	PlacedAt         time.Time     `db:"placed_at" json:"placed_at"`
	PaidAt           *time.Time    `db:"paid_at" json:"paid_at,omitempty"`
	CompletedAt      *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// OrderItem is one unit of provisioning work inside an order
type OrderItem struct {
	ID                int64           `db:"id" json:"id"`
	OrderID           int64           `db:"order_id" json:"order_id"`
	Position          int             `db:"position" json:"position"`
	Kind              ItemKind        `db:"kind" json:"kind"`
	Configuration     json.RawMessage `db:"configuration" json:"configuration"`
	TermMonths        int             `db:"term_months" json:"term_months"`
	Status            ItemStatus      `db:"status" json:"status"`
	RetryCount        int             `db:"retry_count" json:"retry_count"`
	LastError         *string         `db:"last_error" json:"-"`
	LastErrorKind     *string         `db:"last_error_kind" json:"-"`
	ExternalReference *string         `db:"external_reference" json:"external_reference,omitempty"`
	DomainID          *int64          `db:"domain_id" json:"domain_id,omitempty"`
	HostingAccountID  *int64          `db:"hosting_account_id" json:"hosting_account_id,omitempty"`
	SecurityAccountID *int64          `db:"security_account_id" json:"security_account_id,omitempty"`
	FulfilledAt       *time.Time      `db:"fulfilled_at" json:"fulfilled_at,omitempty"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Payment is an append-only record of a monetary event; refunds mutate it in place.
type Payment struct {
	ID               int64           `db:"id" json:"id"`
	OrderID          int64           `db:"order_id" json:"order_id"`
	Amount           int64           `db:"amount" json:"amount"`
	Currency         string          `db:"currency" json:"currency"`
	Status           PaymentStatus   `db:"status" json:"status"`
	Gateway          string          `db:"gateway" json:"gateway"`
	GatewayReference *string         `db:"gateway_reference" json:"gateway_reference,omitempty"`
	GatewayPayload   json.RawMessage `db:"gateway_payload" json:"-"`
	FailureReason    *string         `db:"failure_reason" json:"failure_reason,omitempty"`
	ProcessedAt      *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	FailedAt         *time.Time      `db:"failed_at" json:"failed_at,omitempty"`
	RefundedAt       *time.Time      `db:"refunded_at" json:"refunded_at,omitempty"`
	RefundedAmount   *int64          `db:"refunded_amount" json:"refunded_amount,omitempty"`
	RefundReason     *string         `db:"refund_reason" json:"refund_reason,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

// Customer is read by the orchestrator to build registrar contacts
type Customer struct {
	ID          int64   `db:"id" json:"id"`
	Email       string  `db:"email" json:"email"`
	FirstName   string  `db:"first_name" json:"first_name"`
	LastName    string  `db:"last_name" json:"last_name"`
	CompanyName *string `db:"company_name" json:"company_name,omitempty"`
	Phone       string  `db:"phone" json:"phone"`
	Address1    string  `db:"address1" json:"address1"`
	City        string  `db:"city" json:"city"`
	State       string  `db:"state" json:"state"`
	PostalCode  string  `db:"postal_code" json:"postal_code"`
	CountryCode string  `db:"country_code" json:"country_code"`
}

// DomainRecord is the provisioned resource behind a registration or transfer item
type DomainRecord struct {
	ID            int64      `db:"id" json:"id"`
	CustomerID    int64      `db:"customer_id" json:"customer_id"`
	DomainName    string     `db:"domain_name" json:"domain_name"`
	TLD           string     `db:"tld" json:"tld"`
	Status        string     `db:"status" json:"status"`
	IsTransfer    bool       `db:"is_transfer" json:"is_transfer"`
	ExpiryDate    *time.Time `db:"expiry_date" json:"expiry_date,omitempty"`
	Privacy       bool       `db:"privacy_enabled" json:"privacy_enabled"`
	RegistrarID   string     `db:"registrar_id" json:"registrar_id"`
	TransferState *string    `db:"transfer_status" json:"transfer_status,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// HostingAccount is the provisioned resource behind a hosting_plan item
type HostingAccount struct {
	ID            int64     `db:"id" json:"id"`
	CustomerID    int64     `db:"customer_id" json:"customer_id"`
	PlanID        string    `db:"plan_id" json:"plan_id"`
	SiteName      string    `db:"site_name" json:"site_name"`
	PrimaryDomain string    `db:"primary_domain" json:"primary_domain"`
	Status        string    `db:"status" json:"status"`
	SiteID        string    `db:"site_id" json:"site_id"`
	SFTPHost      string    `db:"sftp_host" json:"sftp_host"`
	SFTPUsername  string    `db:"sftp_username" json:"sftp_username"`
	AdminUsername string    `db:"admin_username" json:"admin_username"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// SecurityAccount is the provisioned resource behind a site_security item
type SecurityAccount struct {
	ID         int64     `db:"id" json:"id"`
	CustomerID int64     `db:"customer_id" json:"customer_id"`
	Domain     string    `db:"domain" json:"domain"`
	PlanSlug   string    `db:"plan_slug" json:"plan_slug"`
	AccountID  string    `db:"account_id" json:"account_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// AuditLog is one row of the operator-facing audit trail
type AuditLog struct {
	ID          int64           `db:"id" json:"id"`
	CustomerID  *int64          `db:"customer_id" json:"customer_id,omitempty"`
	Action      string          `db:"action" json:"action"`
	EntityType  string          `db:"entity_type" json:"entity_type"`
	EntityID    string          `db:"entity_id" json:"entity_id"`
	Description string          `db:"description" json:"description"`
	Metadata    json.RawMessage `db:"metadata" json:"metadata"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}
