// Package provider defines the capability interfaces the orchestrator provisions through.
// Implementations make exactly one attempt per call and return errors classified with
// the resilient package; timeouts and retries are applied by the caller.
package provider

import (
	"context"
	"fmt"
	"time"
)

// Contact is a registrant contact
type Contact struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Organization string `json:"organization,omitempty"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	Address1     string `json:"address1"`
	City         string `json:"city"`
	State        string `json:"state"`
	PostalCode   string `json:"postal_code"`
	Country      string `json:"country"`
}

// Contacts groups registrant roles; only Owner is required.
type Contacts struct {
	Owner   Contact  `json:"owner"`
	Admin   *Contact `json:"admin,omitempty"`
	Tech    *Contact `json:"tech,omitempty"`
	Billing *Contact `json:"billing,omitempty"`
}

type RegistrationRequest struct {
	Domain      string   `json:"domain"`
	Period      int      `json:"period"`
	Contacts    Contacts `json:"contacts"`
	Nameservers []string `json:"nameservers"`
	Privacy     bool     `json:"privacy"`
}

type RegistrationResult struct {
	ExternalID string    `json:"domain_id"`
	OrderID    string    `json:"order_id"`
	Expiry     time.Time `json:"expiry_date"`
}

type TransferRequest struct {
	Domain   string   `json:"domain"`
	AuthCode string   `json:"auth_code"`
	Contacts Contacts `json:"contacts"`
}

type TransferResult struct {
	ExternalID string `json:"transfer_id"`
	Status     string `json:"status"`
}

type PrivacyResult struct {
	Enabled bool `json:"privacy_enabled"`
}

// DomainRegistrar registers, transfers and configures domains.
type DomainRegistrar interface {
	Register(ctx context.Context, req RegistrationRequest, idempotencyKey string) (RegistrationResult, error)
	Transfer(ctx context.Context, req TransferRequest, idempotencyKey string) (TransferResult, error)
	SetPrivacy(ctx context.Context, domain string, enabled bool, idempotencyKey string) (PrivacyResult, error)
}

type ProvisionRequest struct {
	SiteName   string         `json:"name"`
	Domain     string         `json:"domain"`
	PlanID     string         `json:"plan_id"`
	AdminEmail string         `json:"admin_email"`
	AdminUser  string         `json:"admin_username"`
	Options    map[string]any `json:"options,omitempty"`
}

type SFTPAccess struct {
	Host     string `json:"host"`
	Username string `json:"username"`
	Port     int    `json:"port"`
}

type Credentials struct {
	AdminURL      string `json:"admin_url"`
	AdminUsername string `json:"admin_username"`
}

type ProvisionResult struct {
	SiteID      string      `json:"id"`
	Domain      string      `json:"domain"`
	Credentials Credentials `json:"credentials"`
	SFTP        SFTPAccess  `json:"sftp"`
}

// HostingProvisioner creates managed hosting sites.
type HostingProvisioner interface {
	Provision(ctx context.Context, req ProvisionRequest, idempotencyKey string) (ProvisionResult, error)
}

type RefundRequest struct {
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason,omitempty"`
}

type RefundResult struct {
	RefundID string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
}

// PaymentGateway refunds captured payments; capture itself arrives by webhook.
type PaymentGateway interface {
	Refund(ctx context.Context, req RefundRequest, idempotencyKey string) (RefundResult, error)
}

type SecurityAccountRequest struct {
	Domain   string `json:"domain"`
	PlanSlug string `json:"plan"`
	Email    string `json:"email"`
}

type SecurityAccountResult struct {
	AccountID string `json:"account_id"`
}

// SecurityProvisioner sets up website security scanning accounts.
type SecurityProvisioner interface {
	CreateAccount(ctx context.Context, req SecurityAccountRequest, idempotencyKey string) (SecurityAccountResult, error)
}

// ItemKey is the idempotency key for provisioning one order item. It is stable across
// adapter retries and saga-level retries so an ambiguous earlier attempt is never repeated
// as a new remote operation.
func ItemKey(orderID, itemID int64) string {
	return fmt.Sprintf("order:%d:item:%d:attempt", orderID, itemID)
}

// RefundKey is the idempotency key for refunding an order.
func RefundKey(orderID int64) string {
	return fmt.Sprintf("order:%d:refund", orderID)
}
