package main

import (
	"net/http"

	"fulfillment-service/config"
	"fulfillment-service/internal/cache"
	"fulfillment-service/internal/provider"
	"fulfillment-service/internal/provider/fake"
	"fulfillment-service/internal/service"
)

// buildProviders selects the fake or live adapters once, at startup
func buildProviders(cfg *config.Config) service.Providers {
	if cfg.Vendors.Mode != "live" {
		return service.Providers{
			Registrar: fake.NewRegistrar(),
			Hosting:   fake.NewHosting(),
			Payment:   fake.NewGateway(),
			Security:  fake.NewSecurity(),
		}
	}

	// per-attempt deadlines come from the resilient client's context
	httpClient := &http.Client{}
	v := cfg.Vendors

	return service.Providers{
		Registrar: provider.NewHTTPRegistrar(
			provider.NewTransport(v.RegistrarURL, httpClient), v.RegistrarUsername, v.RegistrarAPIKey),
		Hosting: provider.NewHTTPHosting(
			provider.NewTransport(v.HostingURL, httpClient), v.HostingAPIKey,
			cache.NewTTL[string](cfg.Cache.Size, cfg.Cache.TTL)),
		Payment: provider.NewHTTPGateway(
			provider.NewTransport(v.PaymentURL, httpClient), v.PaymentAPIKey),
		Security: provider.NewHTTPSecurity(
			provider.NewTransport(v.SecurityURL, httpClient), v.SecurityPartnerID, v.SecurityPartnerKey),
	}
}
