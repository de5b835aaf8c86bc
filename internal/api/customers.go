package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/crmpipe/crmpipe/internal/bus"
	"github.com/crmpipe/crmpipe/internal/crm"
	"github.com/crmpipe/crmpipe/internal/ingest"
)

type acceptedResponse struct {
	Status string `json:"status"`
	Queue  string `json:"queue"`
	Count  int    `json:"count"`
}

func handleCreateCustomer(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	acceptPayload(deps, w, r, bus.QueueCustomerCreated, func(body []byte) (any, int, error) {
		in, err := ingest.DecodeCustomer(body)
		return in, 1, err
	})
}

func handleBulkCustomers(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	acceptPayload(deps, w, r, bus.QueueCustomersBulkImport, func(body []byte) (any, int, error) {
		in, err := ingest.DecodeCustomers(body)
		return in, len(in), err
	})
}

func handleCreateOrder(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	acceptPayload(deps, w, r, bus.QueueOrderCreated, func(body []byte) (any, int, error) {
		in, err := ingest.DecodeOrder(body)
		return in, 1, err
	})
}

func handleBulkOrders(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	acceptPayload(deps, w, r, bus.QueueOrdersBulkImport, func(body []byte) (any, int, error) {
		in, err := ingest.DecodeOrders(body)
		return in, len(in), err
	})
}

// acceptPayload validates the body, publishes the normalized record(s) and
// answers 202 once the broker confirmed the message. Processing happens
// asynchronously in the worker.
func acceptPayload(deps Dependencies, w http.ResponseWriter, r *http.Request, queue string, decode func([]byte) (any, int, error)) {
	if deps.Publisher == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PUBLISHER_NOT_CONFIGURED", "publisher is not configured", false, nil)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body is too large", false, map[string]any{"limit": tooLarge.Limit})
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_BODY", "failed to read request body", false, map[string]any{"details": err.Error()})
		return
	}

	record, count, err := decode(body)
	if err != nil {
		code := "INVALID_PAYLOAD"
		if errors.Is(err, ingest.ErrDecode) {
			code = "INVALID_JSON"
		}
		writeError(r.Context(), w, http.StatusBadRequest, code, "request body failed validation", false, map[string]any{"details": err.Error()})
		return
	}

	if err := bus.PublishJSON(r.Context(), deps.Publisher, queue, record); err != nil {
		if errors.Is(err, bus.ErrPublishFailure) {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "PUBLISH_FAILED", "message broker did not accept the message", true, map[string]any{"details": err.Error()})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "PUBLISH_FAILED", "failed to publish message", true, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", Queue: queue, Count: count})
}

func handleGetCustomer(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Customers == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "STORE_NOT_CONFIGURED", "customer store is not configured", false, nil)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ID", "customer id must be a positive integer", false, map[string]any{"id": r.PathValue("id")})
		return
	}

	customer, err := deps.Customers.GetCustomer(r.Context(), id)
	if err != nil {
		if errors.Is(err, crm.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "CUSTOMER_NOT_FOUND", "customer does not exist", false, map[string]any{"id": id})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "STORE_ERROR", "failed to load customer", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, customer)
}
