package crmpipectl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("crmpipectl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "crmpipe API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 30*time.Second), "HTTP timeout (e.g. 10s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	cmd, err := parseCommand(command, fs.Args()[1:], stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + cmd.path
	code, responseBody, err := doRequest(ctx, client, cmd.method, endpoint, *apiKey, cmd.body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

type request struct {
	method string
	path   string
	body   any
}

func parseCommand(command string, args []string, stderr io.Writer) (request, error) {
	sub := flag.NewFlagSet(command, flag.ContinueOnError)
	sub.SetOutput(stderr)

	switch command {
	case "health":
		return request{method: http.MethodGet, path: "/v1/health"}, sub.Parse(args)
	case "ready":
		return request{method: http.MethodGet, path: "/v1/ready"}, sub.Parse(args)
	case "customer":
		if err := sub.Parse(args); err != nil {
			return request{}, err
		}
		id, err := strconv.ParseInt(sub.Arg(0), 10, 64)
		if err != nil || id <= 0 {
			return request{}, fmt.Errorf("customer requires a positive numeric id")
		}
		return request{method: http.MethodGet, path: "/v1/customers/" + strconv.FormatInt(id, 10)}, nil
	case "dead-letters":
		return request{method: http.MethodGet, path: "/v1/dead-letters"}, sub.Parse(args)
	case "dead-letters-export", "dead-letters-replay":
		limit := sub.Int("limit", 0, "max messages to move (0 uses the server default)")
		if err := sub.Parse(args); err != nil {
			return request{}, err
		}
		path := "/v1/dead-letters/export"
		if command == "dead-letters-replay" {
			path = "/v1/dead-letters/replay"
		}
		return request{method: http.MethodPost, path: path, body: map[string]any{"limit": *limit}}, nil
	case "archive-replay":
		key := sub.String("key", "", "archive object key returned by dead-letters-export")
		remove := sub.Bool("remove", false, "delete the archive after a complete replay")
		if err := sub.Parse(args); err != nil {
			return request{}, err
		}
		if strings.TrimSpace(*key) == "" {
			return request{}, fmt.Errorf("archive-replay requires -key")
		}
		return request{
			method: http.MethodPost,
			path:   "/v1/dead-letters/archives/replay",
			body:   map[string]any{"key": strings.TrimSpace(*key), "remove": *remove},
		}, nil
	default:
		return request{}, fmt.Errorf("unknown command %q", command)
	}
}

func doRequest(ctx context.Context, client *http.Client, method, url, apiKey string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: crmpipectl [flags] <command> [command flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                              GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                               GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  customer <id>                       GET /v1/customers/{id}")
	_, _ = fmt.Fprintln(w, "  dead-letters                        GET /v1/dead-letters")
	_, _ = fmt.Fprintln(w, "  dead-letters-export [-limit N]      POST /v1/dead-letters/export")
	_, _ = fmt.Fprintln(w, "  dead-letters-replay [-limit N]      POST /v1/dead-letters/replay")
	_, _ = fmt.Fprintln(w, "  archive-replay -key K [-remove]     POST /v1/dead-letters/archives/replay")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
