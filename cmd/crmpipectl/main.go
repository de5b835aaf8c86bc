package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/crmpipe/crmpipe/internal/cli/crmpipectl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("CRMPIPE_CLI_TIMEOUT")), 30*time.Second)
	options := crmpipectl.Options{
		BaseURL: envOr("CRMPIPE_API_URL", "http://localhost:8080"),
		APIKey:  strings.TrimSpace(os.Getenv("CRMPIPE_API_KEY")),
		Timeout: timeout,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}

	code := crmpipectl.Run(context.Background(), os.Args[1:], options)
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid CRMPIPE_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
