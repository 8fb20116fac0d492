package models

import "encoding/json"

// PaymentData is the gateway-specific part of a payment webhook, passed through opaquely.
type PaymentData struct {
	Gateway          string          `json:"gateway"`
	GatewayReference string          `json:"payment_id"`
	Amount           int64           `json:"amount,omitempty"`
	Currency         string          `json:"currency,omitempty"`
	FailureMessage   string          `json:"failure_message,omitempty"`
	Raw              json.RawMessage `json:"-"`
}

// RefundData describes a refund reported by, or issued through, the gateway.
type RefundData struct {
	RefundID string          `json:"refund_id,omitempty"`
	Amount   int64           `json:"amount"`
	Reason   string          `json:"reason,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// ItemOutcome is the result of one dispatch, folded into the ledger by MarkItem.
type ItemOutcome struct {
	Status            ItemStatus
	ExternalReference string

	Domain   *DomainRecord
	Hosting  *HostingAccount
	Security *SecurityAccount

	ErrorKind    string
	ErrorMessage string
}

// Succeeded builds a completed outcome.
func Succeeded(externalRef string) ItemOutcome {
	return ItemOutcome{Status: ItemStatusCompleted, ExternalReference: externalRef}
}

// Failed builds a failed outcome.
func Failed(kind, message string) ItemOutcome {
	return ItemOutcome{Status: ItemStatusFailed, ErrorKind: kind, ErrorMessage: message}
}
