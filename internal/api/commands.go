package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/tally/internal/ledger"
	"github.com/hyperengineering/tally/internal/metrics"
	"github.com/hyperengineering/tally/internal/store"
	tallysync "github.com/hyperengineering/tally/internal/sync"
	"github.com/hyperengineering/tally/internal/validation"
)

// MaxCommandBodyBytes bounds the size of command parameters.
const MaxCommandBodyBytes = 1 << 20

// ExecuteCommand handles POST /api/v1/commands/{command}.
//
// Every request carries an Idempotency-Key. The outcome of the first
// attempt, success or client error, is cached under that key and replayed
// verbatim for retries, so a client that re-sends a request after a restart
// never applies it twice. Server errors are not cached. Requests that arrive
// with the same key while the first is still running wait for it and share
// its outcome.
func (h *Handler) ExecuteCommand(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	name := chi.URLParam(r, "command")

	requestID := r.Header.Get(tallysync.IdempotencyHeader)
	if requestID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}
	if verr := validation.ValidateID(tallysync.IdempotencyHeader, requestID); verr != nil {
		WriteProblem(w, r, http.StatusBadRequest, verr.Error())
		return
	}

	label := name
	if _, ok := h.registry.Get(name); !ok {
		label = "unknown"
	}

	params, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxCommandBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge, "Command parameters too large")
			return
		}
		WriteProblem(w, r, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if !json.Valid(params) {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON")
		return
	}

	origin := store.Origin{SourceID: SourceIDFromContext(ctx), RequestID: requestID}
	v, err, _ := h.inflight.Do(commandFlight+requestID, func() (any, error) {
		// The outcome is shared, so a caller going away must not cancel it.
		return h.runCommand(context.WithoutCancel(ctx), r, name, origin, params)
	})
	if err != nil {
		slog.Error("command execution failed",
			"component", "api",
			"action", "command_failed",
			"command", label,
			"request_id", requestID,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}
	res := v.(*commandResult)

	if res.command != name {
		WriteProblemConflict(w, r, "Idempotency-Key was already used for "+res.command)
		return
	}
	replay := res.replay || !res.leader(r)
	if replay {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	writeRaw(w, res.status, res.data)

	duration := time.Since(start)
	switch {
	case replay:
		h.metrics.CommandExecuted(label, metrics.OutcomeReplay, duration)
		slog.Info("command idempotent replay",
			"component", "api",
			"action", "command_replay",
			"command", name,
			"request_id", requestID,
			"status", res.status,
		)
	case res.execErr != nil:
		h.metrics.CommandExecuted(label, metrics.OutcomeFailure, duration)
		level := slog.LevelInfo
		if res.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(ctx, level, "command rejected",
			"component", "api",
			"action", "command_failed",
			"command", name,
			"request_id", requestID,
			"status", res.status,
			"error", res.execErr,
			"duration_ms", duration.Milliseconds(),
		)
	default:
		h.metrics.CommandExecuted(label, metrics.OutcomeSuccess, duration)
		h.metrics.ChangeLogEntries("command", res.out.Changes)
		slog.Info("command executed",
			"component", "api",
			"action", "command",
			"command", name,
			"request_id", requestID,
			"source_id", origin.SourceID,
			"changes", res.out.Changes,
			"remote_sequence", res.out.Sequence,
			"duration_ms", duration.Milliseconds(),
		)
	}
}

// commandFlight prefixes command idempotency keys in Handler.inflight.
const commandFlight = "command:"

// commandResult is the outcome of one command attempt, shared by every
// request that carried the same idempotency key while it ran.
type commandResult struct {
	command string
	status  int
	data    []byte
	replay  bool
	out     *ledger.Outcome
	execErr error
	req     *http.Request
}

// leader reports whether r is the request that ran the command.
func (c *commandResult) leader(r *http.Request) bool {
	return c.req == r
}

// runCommand replays the cached outcome of origin.RequestID, or executes the
// command and caches its outcome. A returned error means neither happened.
func (h *Handler) runCommand(ctx context.Context, r *http.Request, name string, origin store.Origin, params []byte) (*commandResult, error) {
	rec, found, err := h.store.CheckIdempotency(ctx, origin.RequestID)
	if err != nil {
		return nil, err
	}
	if found {
		return &commandResult{
			command: rec.Command,
			status:  rec.Status,
			data:    rec.Response,
			replay:  true,
			req:     r,
		}, nil
	}

	res := &commandResult{command: name, status: http.StatusOK, req: r}
	var body any
	res.out, res.execErr = ledger.Execute(ctx, h.store, h.registry, name, origin, params)
	if res.execErr != nil {
		res.status, body = problemFor(r, res.execErr)
	} else {
		body = tallysync.CommandResponse{
			RequestID:      origin.RequestID,
			Command:        name,
			Changes:        res.out.Changes,
			RemoteSequence: res.out.Sequence,
			Result:         res.out.Response,
		}
	}
	res.data, err = json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}

	if res.status < http.StatusInternalServerError {
		err := h.store.RecordIdempotency(ctx, store.IdempotencyRecord{
			RequestID: origin.RequestID,
			Command:   name,
			Status:    res.status,
			Response:  res.data,
		}, h.idempotencyTTL)
		if err != nil {
			slog.Warn("failed to cache idempotency",
				"component", "api",
				"command", name,
				"request_id", origin.RequestID,
				"error", err,
			)
		}
	}
	return res, nil
}

// writeRaw writes an encoded JSON body. Error statuses carry problem documents.
func writeRaw(w http.ResponseWriter, status int, data []byte) {
	contentType := "application/json"
	if status >= http.StatusBadRequest {
		contentType = "application/problem+json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write(data)
}
