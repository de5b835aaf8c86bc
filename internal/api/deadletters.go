package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/crmpipe/crmpipe/internal/bus"
	"github.com/crmpipe/crmpipe/internal/deadletter"
	"github.com/crmpipe/crmpipe/internal/storage"
)

type limitRequest struct {
	Limit int `json:"limit"`
}

type archiveReplayRequest struct {
	Key    string `json:"key"`
	Remove bool   `json:"remove"`
}

func handleDeadLetterStats(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireDeadLetters(deps, w, r) {
		return
	}
	stats, err := deps.DeadLetters.Stats(r.Context())
	if err != nil {
		writeDeadLetterError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func handleDeadLetterExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireDeadLetters(deps, w, r) {
		return
	}
	var request limitRequest
	if !decodeOptionalBody(w, r, &request) {
		return
	}
	result, err := deps.DeadLetters.Export(r.Context(), request.Limit)
	if err != nil {
		writeDeadLetterError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func handleDeadLetterReplay(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireDeadLetters(deps, w, r) {
		return
	}
	var request limitRequest
	if !decodeOptionalBody(w, r, &request) {
		return
	}
	result, err := deps.DeadLetters.Replay(r.Context(), request.Limit)
	if err != nil {
		writeError(r.Context(), w, statusForDeadLetterError(err), "REPLAY_FAILED", "dead-letter replay stopped early", true, map[string]any{
			"details": err.Error(),
			"result":  result,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func handleArchiveReplay(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireDeadLetters(deps, w, r) {
		return
	}
	var request archiveReplayRequest
	if !decodeOptionalBody(w, r, &request) {
		return
	}
	if request.Key == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "KEY_REQUIRED", "archive key is required", false, nil)
		return
	}
	result, err := deps.DeadLetters.ReplayArchive(r.Context(), request.Key, request.Remove)
	if err != nil {
		writeError(r.Context(), w, statusForDeadLetterError(err), "ARCHIVE_REPLAY_FAILED", "archive replay failed", !errors.Is(err, deadletter.ErrInvalidRequest), map[string]any{
			"details": err.Error(),
			"result":  result,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func requireDeadLetters(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.DeadLetters == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DEAD_LETTERS_NOT_CONFIGURED", "dead-letter service is not configured", false, nil)
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body as the zero request.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}

func writeDeadLetterError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForDeadLetterError(err)
	writeError(r.Context(), w, status, "DEAD_LETTER_ERROR", "dead-letter operation failed", status >= 500, map[string]any{"details": err.Error()})
}

func statusForDeadLetterError(err error) int {
	switch {
	case errors.Is(err, deadletter.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, deadletter.ErrArchiveTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, bus.ErrPublishFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
