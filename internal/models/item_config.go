package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidItemConfig marks a configuration payload that cannot be provisioned as-is.
var ErrInvalidItemConfig = errors.New("invalid item configuration")

// ItemConfig is the tagged union of per-kind configuration payloads.
type ItemConfig interface {
	Kind() ItemKind
	Validate() error
}

type DomainRegistrationConfig struct {
	Domain      string   `json:"domain"`
	TLD         string   `json:"tld"`
	Privacy     bool     `json:"privacy"`
	Nameservers []string `json:"nameservers,omitempty"`
}

type DomainTransferConfig struct {
	Domain   string `json:"domain"`
	TLD      string `json:"tld"`
	AuthCode string `json:"authCode"`
}

type HostingPlanConfig struct {
	PlanID   string         `json:"planId"`
	SiteName string         `json:"siteName,omitempty"`
	Domain   string         `json:"domain,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type PrivacyProtectionConfig struct {
	Domain string `json:"domain"`
}

type SiteSecurityConfig struct {
	Domain   string `json:"domain"`
	PlanSlug string `json:"planSlug"`
}

func (DomainRegistrationConfig) Kind() ItemKind { return ItemKindDomainRegistration }
func (DomainTransferConfig) Kind() ItemKind     { return ItemKindDomainTransfer }
func (HostingPlanConfig) Kind() ItemKind        { return ItemKindHostingPlan }
func (PrivacyProtectionConfig) Kind() ItemKind  { return ItemKindPrivacyProtection }
func (SiteSecurityConfig) Kind() ItemKind       { return ItemKindSiteSecurity }

// FQDN joins the label and the TLD ("acme" + ".com"); a domain that already carries its TLD is kept.
func (c DomainRegistrationConfig) FQDN() string { return joinDomain(c.Domain, c.TLD) }

func (c DomainTransferConfig) FQDN() string { return joinDomain(c.Domain, c.TLD) }

func (c DomainRegistrationConfig) Validate() error {
	if strings.TrimSpace(c.Domain) == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidItemConfig)
	}
	return nil
}

func (c DomainTransferConfig) Validate() error {
	if strings.TrimSpace(c.Domain) == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidItemConfig)
	}
	if strings.TrimSpace(c.AuthCode) == "" {
		return fmt.Errorf("%w: authCode is required for a transfer", ErrInvalidItemConfig)
	}
	return nil
}

func (c HostingPlanConfig) Validate() error {
	if strings.TrimSpace(c.PlanID) == "" {
		return fmt.Errorf("%w: planId is required", ErrInvalidItemConfig)
	}
	return nil
}

func (c PrivacyProtectionConfig) Validate() error {
	if strings.TrimSpace(c.Domain) == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidItemConfig)
	}
	return nil
}

func (c SiteSecurityConfig) Validate() error {
	if strings.TrimSpace(c.Domain) == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidItemConfig)
	}
	if strings.TrimSpace(c.PlanSlug) == "" {
		return fmt.Errorf("%w: planSlug is required", ErrInvalidItemConfig)
	}
	return nil
}

var configDecoders = map[ItemKind]func(json.RawMessage) (ItemConfig, error){
	ItemKindDomainRegistration: decodeAs[DomainRegistrationConfig],
	ItemKindDomainTransfer:     decodeAs[DomainTransferConfig],
	ItemKindHostingPlan:        decodeAs[HostingPlanConfig],
	ItemKindPrivacyProtection:  decodeAs[PrivacyProtectionConfig],
	ItemKindSiteSecurity:       decodeAs[SiteSecurityConfig],
}

// ParseItemConfig resolves an item's payload into its concrete configuration type.
func ParseItemConfig(kind ItemKind, raw json.RawMessage) (ItemConfig, error) {
	decode, ok := configDecoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown item kind %q", ErrInvalidItemConfig, kind)
	}
	cfg, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeAs[T ItemConfig](raw json.RawMessage) (ItemConfig, error) {
	var cfg T
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidItemConfig, err)
	}
	return cfg, nil
}

func joinDomain(label, tld string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	tld = strings.ToLower(strings.TrimSpace(tld))
	if tld == "" {
		return label
	}
	if !strings.HasPrefix(tld, ".") {
		tld = "." + tld
	}
	if strings.HasSuffix(label, tld) {
		return label
	}
	return label + tld
}
