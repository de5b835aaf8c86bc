package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/crmpipe/crmpipe/internal/crm"
)

type Service struct {
	cfg       Config
	log       *slog.Logger
	http      *http.Client
	generator *Generator
	batches   int
}

type acceptedResponse struct {
	Status string `json:"status"`
	Queue  string `json:"queue"`
	Count  int    `json:"count"`
}

func NewService(cfg Config, logger *slog.Logger, client *http.Client) (*Service, error) {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if cfg.Customers <= 0 {
		return nil, fmt.Errorf("customer count must be > 0")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	return &Service{
		cfg:       cfg,
		log:       logger,
		http:      client,
		generator: NewGenerator(cfg.Seed, cfg.ProducerID, cfg.Customers),
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	seeded := !s.cfg.SeedCustomers

	for {
		if !seeded {
			if err := s.seedCustomers(ctx); err != nil {
				s.log.Error("failed to seed demo customers", slog.Any("error", err))
			} else {
				seeded = true
			}
		} else {
			if err := s.produceOnce(ctx); err != nil {
				s.log.Error("failed to publish demo orders", slog.Any("error", err))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// seedCustomers creates the customers orders will reference in one bulk
// import.
func (s *Service) seedCustomers(ctx context.Context) error {
	customers := make([]crm.CustomerInput, 0, s.cfg.Customers)
	for i := 0; i < s.cfg.Customers; i++ {
		customers = append(customers, s.generator.NextCustomer())
	}
	accepted, err := s.post(ctx, "/v1/customers/bulk", customers)
	if err != nil {
		return fmt.Errorf("seed customers: %w", err)
	}
	s.log.Info("seeded demo customers", slog.String("queue", accepted.Queue), slog.Int("count", accepted.Count))
	return nil
}

func (s *Service) produceOnce(ctx context.Context) error {
	s.batches++
	orders := make([]crm.OrderInput, 0, s.cfg.BatchSize)
	for i := 0; i < s.cfg.BatchSize; i++ {
		orders = append(orders, s.generator.NextOrder())
	}

	if s.cfg.BulkEvery > 0 && s.batches%s.cfg.BulkEvery == 0 {
		accepted, err := s.post(ctx, "/v1/orders/bulk", orders)
		if err != nil {
			return fmt.Errorf("bulk orders: %w", err)
		}
		s.log.Info("published demo order batch", slog.String("queue", accepted.Queue), slog.Int("count", accepted.Count))
		return nil
	}

	for _, order := range orders {
		if _, err := s.post(ctx, "/v1/orders", order); err != nil {
			return fmt.Errorf("order for customer %d: %w", order.CustomerID, err)
		}
	}
	s.log.Info("published demo orders", slog.Int("count", len(orders)))
	return nil
}

func (s *Service) post(ctx context.Context, path string, body any) (acceptedResponse, error) {
	var accepted acceptedResponse
	status, raw, err := s.doJSON(ctx, http.MethodPost, path, body, &accepted)
	if err != nil {
		return acceptedResponse{}, err
	}
	if status != http.StatusAccepted {
		return acceptedResponse{}, fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(raw)))
	}
	return accepted, nil
}

func (s *Service) doJSON(ctx context.Context, method, path string, requestBody any, responseBody any) (int, []byte, error) {
	var payload io.Reader
	if requestBody != nil {
		raw, err := json.Marshal(requestBody)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.APIBaseURL+path, payload)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", s.cfg.APIKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}

	if responseBody != nil && resp.StatusCode < 300 && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, responseBody); err != nil {
			return resp.StatusCode, body, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, body, nil
}
