package producer

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error = %v", err)
	}
	if cfg.APIBaseURL != "http://localhost:8080" {
		t.Fatalf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if !cfg.SeedCustomers || cfg.Customers != 50 || cfg.BulkEvery != 5 {
		t.Fatalf("seed/customers/bulk = %v/%d/%d", cfg.SeedCustomers, cfg.Customers, cfg.BulkEvery)
	}
	if cfg.BatchSize <= 0 {
		t.Fatalf("BatchSize = %d", cfg.BatchSize)
	}
	if cfg.Interval <= 0 {
		t.Fatalf("Interval = %s", cfg.Interval)
	}
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapLookup(map[string]string{
		"CRMPIPE_DEMO_API_URL":        "http://demo.local:18080/",
		"CRMPIPE_DEMO_PRODUCER_ID":    "seed-a",
		"CRMPIPE_DEMO_BATCH_SIZE":     "99",
		"CRMPIPE_DEMO_INTERVAL":       "1500ms",
		"CRMPIPE_DEMO_HTTP_TIMEOUT":   "30s",
		"CRMPIPE_DEMO_SEED_CUSTOMERS": "false",
		"CRMPIPE_DEMO_CUSTOMERS":      "333",
		"CRMPIPE_DEMO_BULK_EVERY":     "0",
		"CRMPIPE_DEMO_SEED":           "12345",
		"CRMPIPE_DEMO_API_KEY":        "abc",
	}))
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error = %v", err)
	}
	if cfg.APIBaseURL != "http://demo.local:18080" {
		t.Fatalf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.ProducerID != "seed-a" {
		t.Fatalf("ProducerID = %q", cfg.ProducerID)
	}
	if cfg.BatchSize != 99 {
		t.Fatalf("BatchSize = %d", cfg.BatchSize)
	}
	if cfg.Interval != 1500*time.Millisecond {
		t.Fatalf("Interval = %s", cfg.Interval)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Fatalf("HTTPTimeout = %s", cfg.HTTPTimeout)
	}
	if cfg.SeedCustomers {
		t.Fatal("SeedCustomers = true, want false")
	}
	if cfg.Customers != 333 {
		t.Fatalf("Customers = %d", cfg.Customers)
	}
	if cfg.BulkEvery != 0 {
		t.Fatalf("BulkEvery = %d", cfg.BulkEvery)
	}
	if cfg.Seed != 12345 {
		t.Fatalf("Seed = %d", cfg.Seed)
	}
	if cfg.APIKey != "abc" {
		t.Fatalf("APIKey = %q", cfg.APIKey)
	}
}

func TestLoadConfigFromEnvRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"CRMPIPE_DEMO_BATCH_SIZE": "0",
		"CRMPIPE_DEMO_CUSTOMERS":  "0",
		"CRMPIPE_DEMO_BULK_EVERY": "-1",
		"CRMPIPE_DEMO_INTERVAL":   "soon",
	}
	for key, value := range cases {
		_, err := LoadConfigFromEnv(mapLookup(map[string]string{key: value}))
		if err == nil || !strings.Contains(err.Error(), key) {
			t.Fatalf("%s=%s: error = %v, want validation error", key, value, err)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}
