package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 10*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, 3, cfg.Provider.MaxAttempts)
	assert.Equal(t, 3, cfg.Fulfillment.MaxItemRetries)
	assert.Equal(t, 72*time.Hour, cfg.Webhook.DedupeTTL)
	assert.Equal(t, []string{"ns1.hostsblue.com", "ns2.hostsblue.com"}, cfg.Fulfillment.Nameservers)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PROVIDER_TIMEOUT", "2s")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("FULFILLMENT_MAX_ITEM_RETRIES", "5")
	t.Setenv("VENDOR_MODE", "live")

	cfg := Load()

	assert.Equal(t, 2*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5, cfg.Fulfillment.MaxItemRetries)
	assert.Equal(t, "live", cfg.Vendors.Mode)
}

func TestGetDuration_Invalid(t *testing.T) {
	t.Setenv("SOME_TIMEOUT", "soon")
	assert.Equal(t, time.Minute, getDuration("SOME_TIMEOUT", time.Minute))
}
