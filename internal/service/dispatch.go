package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/provider"
	"fulfillment-service/internal/resilient"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Providers groups the capability adapters, one per vendor kind.
type Providers struct {
	Registrar provider.DomainRegistrar
	Hosting   provider.HostingProvisioner
	Payment   provider.PaymentGateway
	Security  provider.SecurityProvisioner
}

// dispatchInput is everything one item handler may look at.
type dispatchInput struct {
	order    *models.Order
	customer *models.Customer
	item     models.OrderItem
	siblings []models.OrderItem
	key      string
}

type itemHandler func(ctx context.Context, in dispatchInput, cfg models.ItemConfig) (models.ItemOutcome, error)

// Dispatcher provisions single order items through the adapter matching their kind.
type Dispatcher struct {
	providers Providers
	client    *resilient.Client
	settings  Settings
	handlers  map[models.ItemKind]itemHandler
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher with the item kind dispatch table
func NewDispatcher(providers Providers, client *resilient.Client, settings Settings) *Dispatcher {
	d := &Dispatcher{
		providers: providers,
		client:    client,
		settings:  settings.withDefaults(),
		logger:    util.GetLogger(),
	}

	d.handlers = map[models.ItemKind]itemHandler{
		models.ItemKindDomainRegistration: d.registerDomain,
		models.ItemKindDomainTransfer:     d.transferDomain,
		models.ItemKindHostingPlan:        d.provisionHosting,
		models.ItemKindPrivacyProtection:  d.enablePrivacy,
		models.ItemKindSiteSecurity:       d.createSecurityAccount,
	}

	return d
}

// Dispatch runs one item to a terminal outcome. It never returns an error: every failure,
// including an unusable configuration, becomes a failed outcome with a classified kind.
func (d *Dispatcher) Dispatch(ctx context.Context, in dispatchInput) models.ItemOutcome {
	ctx, span := util.StartSpan(ctx, "Dispatcher.Dispatch", in.order.ID)
	defer span.End()

	start := time.Now()
	kind := in.item.Kind
	in.key = provider.ItemKey(in.order.ID, in.item.ID)

	outcome, err := d.dispatch(ctx, in)
	util.ItemDispatchLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

	if err != nil {
		util.RecordError(span, err)
		errKind := resilient.KindOf(err)
		util.ItemsProvisionedTotal.WithLabelValues(string(kind), string(errKind)).Inc()

		d.logger.Warn("Item provisioning failed",
			zap.Int64("order_id", in.order.ID),
			zap.Int64("item_id", in.item.ID),
			zap.String("kind", string(kind)),
			zap.String("error_kind", string(errKind)),
			zap.Error(err))

		return models.Failed(string(errKind), err.Error())
	}

	util.ItemsProvisionedTotal.WithLabelValues(string(kind), "success").Inc()
	d.logger.Info("Item provisioned",
		zap.Int64("order_id", in.order.ID),
		zap.Int64("item_id", in.item.ID),
		zap.String("kind", string(kind)),
		zap.String("external_reference", outcome.ExternalReference))

	return outcome
}

func (d *Dispatcher) dispatch(ctx context.Context, in dispatchInput) (models.ItemOutcome, error) {
	cfg, err := models.ParseItemConfig(in.item.Kind, in.item.Configuration)
	if err != nil {
		return models.ItemOutcome{}, resilient.New(resilient.KindClient, err)
	}

	handler, ok := d.handlers[in.item.Kind]
	if !ok {
		return models.ItemOutcome{}, resilient.Errorf(resilient.KindClient, "no provisioner for item kind %q", in.item.Kind)
	}

	return handler(ctx, in, cfg)
}

func (d *Dispatcher) registerDomain(ctx context.Context, in dispatchInput, cfg models.ItemConfig) (models.ItemOutcome, error) {
	c := cfg.(models.DomainRegistrationConfig)
	domain := c.FQDN()

	contacts, err := contactsFor(in.customer)
	if err != nil {
		return models.ItemOutcome{}, err
	}

	nameservers := c.Nameservers
	if len(nameservers) == 0 {
		nameservers = d.settings.Nameservers
	}

	req := provider.RegistrationRequest{
		Domain:      domain,
		Period:      registrationPeriod(in.item.TermMonths),
		Contacts:    contacts,
		Nameservers: nameservers,
		Privacy:     c.Privacy || hasPrivacyItem(in.siblings, domain),
	}

	res, err := resilient.Call(ctx, d.client, "registrar.register", in.key,
		func(ctx context.Context, key string) (provider.RegistrationResult, error) {
			return d.providers.Registrar.Register(ctx, req, key)
		})
	if err != nil {
		return models.ItemOutcome{}, err
	}

	outcome := models.Succeeded(res.ExternalID)
	outcome.Domain = &models.DomainRecord{
		DomainName:  domain,
		TLD:         tldOf(domain),
		Status:      "active",
		ExpiryDate:  optionalTime(res.Expiry),
		Privacy:     req.Privacy,
		RegistrarID: res.ExternalID,
	}
	return outcome, nil
}

func (d *Dispatcher) transferDomain(ctx context.Context, in dispatchInput, cfg models.ItemConfig) (models.ItemOutcome, error) {
	c := cfg.(models.DomainTransferConfig)
	domain := c.FQDN()

	contacts, err := contactsFor(in.customer)
	if err != nil {
		return models.ItemOutcome{}, err
	}

	req := provider.TransferRequest{Domain: domain, AuthCode: c.AuthCode, Contacts: contacts}

	res, err := resilient.Call(ctx, d.client, "registrar.transfer", in.key,
		func(ctx context.Context, key string) (provider.TransferResult, error) {
			return d.providers.Registrar.Transfer(ctx, req, key)
		})
	if err != nil {
		return models.ItemOutcome{}, err
	}

	transferStatus := res.Status
	outcome := models.Succeeded(res.ExternalID)
	outcome.Domain = &models.DomainRecord{
		DomainName:    domain,
		TLD:           tldOf(domain),
		Status:        "pending_transfer",
		IsTransfer:    true,
		RegistrarID:   res.ExternalID,
		TransferState: &transferStatus,
	}
	return outcome, nil
}

func (d *Dispatcher) provisionHosting(ctx context.Context, in dispatchInput, cfg models.ItemConfig) (models.ItemOutcome, error) {
	c := cfg.(models.HostingPlanConfig)

	domain := strings.ToLower(strings.TrimSpace(c.Domain))
	if domain == "" {
		domain = fmt.Sprintf("%d-%d.%s", in.order.ID, in.item.ID, d.settings.TempDomainSuffix)
	}
	siteName := c.SiteName
	if siteName == "" {
		siteName = domain
	}

	var adminEmail string
	if in.customer != nil {
		adminEmail = in.customer.Email
	}

	req := provider.ProvisionRequest{
		SiteName:   siteName,
		Domain:     domain,
		PlanID:     c.PlanID,
		AdminEmail: adminEmail,
		AdminUser:  adminUsername(in.key),
		Options:    c.Options,
	}

	res, err := resilient.Call(ctx, d.client, "hosting.provision", in.key,
		func(ctx context.Context, key string) (provider.ProvisionResult, error) {
			return d.providers.Hosting.Provision(ctx, req, key)
		})
	if err != nil {
		return models.ItemOutcome{}, err
	}

	primary := res.Domain
	if primary == "" {
		primary = domain
	}
	admin := res.Credentials.AdminUsername
	if admin == "" {
		admin = req.AdminUser
	}

	outcome := models.Succeeded(res.SiteID)
	outcome.Hosting = &models.HostingAccount{
		PlanID:        c.PlanID,
		SiteName:      siteName,
		PrimaryDomain: primary,
		Status:        "active",
		SiteID:        res.SiteID,
		SFTPHost:      res.SFTP.Host,
		SFTPUsername:  res.SFTP.Username,
		AdminUsername: admin,
	}
	return outcome, nil
}

func (d *Dispatcher) enablePrivacy(ctx context.Context, in dispatchInput, cfg models.ItemConfig) (models.ItemOutcome, error) {
	c := cfg.(models.PrivacyProtectionConfig)
	domain := joinLabel(c.Domain)

	_, err := resilient.Call(ctx, d.client, "registrar.privacy", in.key,
		func(ctx context.Context, key string) (provider.PrivacyResult, error) {
			return d.providers.Registrar.SetPrivacy(ctx, domain, true, key)
		})
	if err != nil {
		return models.ItemOutcome{}, err
	}

	return models.Succeeded(domain), nil
}

func (d *Dispatcher) createSecurityAccount(ctx context.Context, in dispatchInput, cfg models.ItemConfig) (models.ItemOutcome, error) {
	c := cfg.(models.SiteSecurityConfig)
	domain := joinLabel(c.Domain)

	req := provider.SecurityAccountRequest{Domain: domain, PlanSlug: c.PlanSlug}
	if in.customer != nil {
		req.Email = in.customer.Email
	}

	res, err := resilient.Call(ctx, d.client, "security.create_account", in.key,
		func(ctx context.Context, key string) (provider.SecurityAccountResult, error) {
			return d.providers.Security.CreateAccount(ctx, req, key)
		})
	if err != nil {
		return models.ItemOutcome{}, err
	}

	outcome := models.Succeeded(res.AccountID)
	outcome.Security = &models.SecurityAccount{
		Domain:    domain,
		PlanSlug:  c.PlanSlug,
		AccountID: res.AccountID,
	}
	return outcome, nil
}

// registrationPeriod converts a billing term to whole registration years, at least one.
func registrationPeriod(termMonths int) int {
	years := (termMonths + 11) / 12
	if years < 1 {
		return 1
	}
	return years
}

func contactsFor(c *models.Customer) (provider.Contacts, error) {
	if c == nil {
		return provider.Contacts{}, resilient.Errorf(resilient.KindClient, "registrant contact unavailable: customer not found")
	}

	owner := provider.Contact{
		FirstName:  c.FirstName,
		LastName:   c.LastName,
		Email:      c.Email,
		Phone:      c.Phone,
		Address1:   c.Address1,
		City:       c.City,
		State:      c.State,
		PostalCode: c.PostalCode,
		Country:    c.CountryCode,
	}
	if c.CompanyName != nil {
		owner.Organization = *c.CompanyName
	}

	return provider.Contacts{Owner: owner, Admin: &owner, Tech: &owner, Billing: &owner}, nil
}

func hasPrivacyItem(items []models.OrderItem, domain string) bool {
	for _, it := range items {
		if it.Kind != models.ItemKindPrivacyProtection {
			continue
		}
		cfg, err := models.ParseItemConfig(it.Kind, it.Configuration)
		if err == nil && joinLabel(cfg.(models.PrivacyProtectionConfig).Domain) == domain {
			return true
		}
	}
	return false
}

// bundledRegistration finds the same-order registration whose request carries the privacy
// flag for a privacy item. Such an item is never sent to the registrar on its own.
func bundledRegistration(item models.OrderItem, siblings []models.OrderItem) (models.OrderItem, bool) {
	if item.Kind != models.ItemKindPrivacyProtection {
		return models.OrderItem{}, false
	}
	cfg, err := models.ParseItemConfig(item.Kind, item.Configuration)
	if err != nil {
		return models.OrderItem{}, false
	}
	domain := joinLabel(cfg.(models.PrivacyProtectionConfig).Domain)

	for _, it := range siblings {
		if it.Kind != models.ItemKindDomainRegistration {
			continue
		}
		reg, err := models.ParseItemConfig(it.Kind, it.Configuration)
		if err == nil && reg.(models.DomainRegistrationConfig).FQDN() == domain {
			return it, true
		}
	}
	return models.OrderItem{}, false
}

// FollowRegistration settles a bundled privacy item from its registration. regOutcome is
// the registration's result in this run; when the registration was not dispatched (ran is
// false) its ledger state decides.
func (d *Dispatcher) FollowRegistration(item, reg models.OrderItem, regOutcome models.ItemOutcome, ran bool) models.ItemOutcome {
	domain := ""
	if cfg, err := models.ParseItemConfig(item.Kind, item.Configuration); err == nil {
		domain = joinLabel(cfg.(models.PrivacyProtectionConfig).Domain)
	}

	var outcome models.ItemOutcome
	switch {
	case ran && regOutcome.Status == models.ItemStatusCompleted,
		!ran && reg.Status == models.ItemStatusCompleted:
		outcome = models.Succeeded("bundled:" + domain)
	case ran:
		outcome = models.Failed(regOutcome.ErrorKind, "domain registration failed: "+regOutcome.ErrorMessage)
	default:
		kind := string(resilient.KindClient)
		if reg.LastErrorKind != nil && *reg.LastErrorKind != "" {
			kind = *reg.LastErrorKind
		}
		outcome = models.Failed(kind, fmt.Sprintf("domain registration for %s is %s", domain, reg.Status))
	}

	label := "success"
	if outcome.Status != models.ItemStatusCompleted {
		label = outcome.ErrorKind
	}
	util.ItemsProvisionedTotal.WithLabelValues(string(item.Kind), label).Inc()

	d.logger.Info("Bundled item settled by registration",
		zap.Int64("order_id", item.OrderID),
		zap.Int64("item_id", item.ID),
		zap.Int64("registration_item_id", reg.ID),
		zap.String("status", string(outcome.Status)))

	return outcome
}

// adminUsername derives a stable hosting admin login from the item's idempotency key.
func adminUsername(key string) string {
	return "hb_" + strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String(), "-", "")[:10]
}

func joinLabel(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

func tldOf(domain string) string {
	if i := strings.Index(domain, "."); i >= 0 {
		return domain[i+1:]
	}
	return ""
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
