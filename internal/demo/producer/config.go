package producer

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Config struct {
	APIBaseURL    string
	APIKey        string
	ProducerID    string
	BatchSize     int
	Interval      time.Duration
	HTTPTimeout   time.Duration
	SeedCustomers bool
	Customers     int
	// BulkEvery sends every Nth batch through the bulk endpoint; 0 never does.
	BulkEvery int
	Seed      int64
}

func DefaultConfig() Config {
	return Config{
		APIBaseURL:    "http://localhost:8080",
		APIKey:        "",
		ProducerID:    "demo-producer",
		BatchSize:     10,
		Interval:      time.Second,
		HTTPTimeout:   10 * time.Second,
		SeedCustomers: true,
		Customers:     50,
		BulkEvery:     5,
		Seed:          time.Now().UTC().UnixNano(),
	}
}

func LoadConfigFromEnv(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	cfg := DefaultConfig()
	steps := []func() error{
		func() error { return applyString(lookup, "CRMPIPE_DEMO_API_URL", &cfg.APIBaseURL) },
		func() error { return applyString(lookup, "CRMPIPE_DEMO_API_KEY", &cfg.APIKey) },
		func() error { return applyString(lookup, "CRMPIPE_DEMO_PRODUCER_ID", &cfg.ProducerID) },
		func() error { return applyInt(lookup, "CRMPIPE_DEMO_BATCH_SIZE", &cfg.BatchSize) },
		func() error { return applyDuration(lookup, "CRMPIPE_DEMO_INTERVAL", &cfg.Interval) },
		func() error { return applyDuration(lookup, "CRMPIPE_DEMO_HTTP_TIMEOUT", &cfg.HTTPTimeout) },
		func() error { return applyBool(lookup, "CRMPIPE_DEMO_SEED_CUSTOMERS", &cfg.SeedCustomers) },
		func() error { return applyInt(lookup, "CRMPIPE_DEMO_CUSTOMERS", &cfg.Customers) },
		func() error { return applyInt(lookup, "CRMPIPE_DEMO_BULK_EVERY", &cfg.BulkEvery) },
		func() error { return applyInt64(lookup, "CRMPIPE_DEMO_SEED", &cfg.Seed) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return Config{}, err
		}
	}

	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return Config{}, fmt.Errorf("CRMPIPE_DEMO_API_URL is required")
	}
	if strings.TrimSpace(cfg.ProducerID) == "" {
		return Config{}, fmt.Errorf("CRMPIPE_DEMO_PRODUCER_ID is required")
	}
	if cfg.BatchSize <= 0 {
		return Config{}, fmt.Errorf("CRMPIPE_DEMO_BATCH_SIZE must be > 0")
	}
	if cfg.Interval <= 0 {
		return Config{}, fmt.Errorf("CRMPIPE_DEMO_INTERVAL must be > 0")
	}
	if cfg.HTTPTimeout <= 0 {
		return Config{}, fmt.Errorf("CRMPIPE_DEMO_HTTP_TIMEOUT must be > 0")
	}
	if cfg.Customers <= 0 {
		return Config{}, fmt.Errorf("CRMPIPE_DEMO_CUSTOMERS must be > 0")
	}
	if cfg.BulkEvery < 0 {
		return Config{}, fmt.Errorf("CRMPIPE_DEMO_BULK_EVERY must be >= 0")
	}

	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.ProducerID = strings.TrimSpace(cfg.ProducerID)
	return cfg, nil
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}
