package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hyperengineering/tally/internal/store"
	tallysync "github.com/hyperengineering/tally/internal/sync"
	"github.com/hyperengineering/tally/internal/types"
)

const (
	// MaxPushEntries is the maximum entries per push request.
	MaxPushEntries = 1000

	// pushCommand is the command name push outcomes are cached under.
	pushCommand = "push"
)

// pushCollections are the collections clients may seed. Drafts, errors and
// derived values never leave the client.
var pushCollections = map[string]bool{
	types.CollectionTransaction:          true,
	types.CollectionTransactionViolation: true,
	types.CollectionMergeTransaction:     true,
	types.CollectionReport:               true,
	types.CollectionReportAction:         true,
	types.CollectionPolicy:               true,
}

// SyncPush handles POST /api/v1/sync/push
func (h *Handler) SyncPush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	// 1. Parse request
	var req tallysync.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	// 2. Validate request structure
	if err := validatePushRequest(req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// 3. Check schema version
	serverVersion := h.schemaVersion(r)
	if req.SchemaVersion > serverVersion {
		writeSchemaMismatch(w, r, req.SchemaVersion, serverVersion)
		return
	}

	// 4. Validate entries
	if errs := validatePushEntries(req.Entries); len(errs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, tallysync.PushErrorResponse{
			Accepted: 0,
			Errors:   errs,
		})
		return
	}

	// 5. Replay entries once per push ID; concurrent retries share the outcome
	v, err, _ := h.inflight.Do(pushFlight+req.PushID, func() (any, error) {
		return h.runPush(context.WithoutCancel(ctx), r, req)
	})
	if err != nil {
		slog.Error("push transaction failed",
			"component", "api",
			"action", "sync_push_failed",
			"push_id", req.PushID,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}
	res := v.(*pushResult)
	if res.replay || res.req != r {
		w.Header().Set("X-Idempotent-Replay", "true")
		writeRaw(w, res.status, res.data)
		slog.Info("push idempotent replay",
			"component", "api",
			"action", "sync_push_replay",
			"push_id", req.PushID,
		)
		return
	}

	writeRaw(w, http.StatusOK, res.data)
	h.metrics.ChangeLogEntries(pushCommand, len(req.Entries))

	slog.Info("push completed",
		"component", "api",
		"action", "sync_push",
		"push_id", req.PushID,
		"source_id", req.SourceID,
		"entries", len(req.Entries),
		"remote_sequence", res.remoteSeq,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// pushFlight prefixes push IDs in Handler.inflight.
const pushFlight = "push:"

type pushResult struct {
	status    int
	data      []byte
	replay    bool
	remoteSeq int64
	req       *http.Request
}

// runPush replays the cached outcome of req.PushID, or applies its entries
// and caches the outcome. An error means nothing was committed.
func (h *Handler) runPush(ctx context.Context, r *http.Request, req tallysync.PushRequest) (*pushResult, error) {
	rec, found, err := h.store.CheckIdempotency(ctx, req.PushID)
	if err != nil {
		return nil, fmt.Errorf("idempotency check: %w", err)
	}
	if found {
		return &pushResult{status: rec.Status, data: rec.Response, replay: true, req: r}, nil
	}

	origin := store.Origin{SourceID: req.SourceID, RequestID: req.PushID}
	remoteSeq, err := h.store.ExecuteInTx(ctx, origin, func(tx store.DocumentTx) error {
		return replayEntries(ctx, tx, req.Entries)
	})
	if err != nil {
		return nil, err
	}

	respBytes, err := json.Marshal(tallysync.PushResponse{
		Accepted:       len(req.Entries),
		RemoteSequence: remoteSeq,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	err = h.store.RecordIdempotency(ctx, store.IdempotencyRecord{
		RequestID: req.PushID,
		Command:   pushCommand,
		Status:    http.StatusOK,
		Response:  respBytes,
	}, h.idempotencyTTL)
	if err != nil {
		slog.Warn("failed to cache idempotency", "component", "api", "push_id", req.PushID, "error", err)
	}
	return &pushResult{status: http.StatusOK, data: respBytes, remoteSeq: remoteSeq, req: r}, nil
}

func replayEntries(ctx context.Context, tx store.DocumentTx, entries []tallysync.ChangeLogEntry) error {
	for _, e := range entries {
		var err error
		switch e.Operation {
		case tallysync.OperationUpsert:
			err = tx.Put(ctx, e.Key, e.Payload)
		case tallysync.OperationDelete:
			err = tx.Delete(ctx, e.Key)
		}
		if err != nil {
			return fmt.Errorf("replay %s: %w", e.Key, err)
		}
	}
	return nil
}

// validatePushRequest validates the push request structure.
func validatePushRequest(req tallysync.PushRequest) error {
	if req.PushID == "" {
		return fmt.Errorf("push_id is required")
	}
	if req.SourceID == "" {
		return fmt.Errorf("source_id is required")
	}
	if req.SchemaVersion < 1 {
		return fmt.Errorf("schema_version must be >= 1")
	}
	if len(req.Entries) == 0 {
		return fmt.Errorf("entries array is required")
	}
	if len(req.Entries) > MaxPushEntries {
		return fmt.Errorf("entries exceeds maximum of %d", MaxPushEntries)
	}
	return nil
}

// validatePushEntries checks every entry and returns one error per bad entry.
func validatePushEntries(entries []tallysync.ChangeLogEntry) []tallysync.PushError {
	var errs []tallysync.PushError
	reject := func(e tallysync.ChangeLogEntry, msg string) {
		errs = append(errs, tallysync.PushError{
			Sequence: e.Sequence,
			Key:      e.Key,
			Code:     tallysync.PushErrorValidation,
			Message:  msg,
		})
	}

	for _, e := range entries {
		collection, id, ok := types.SplitKey(e.Key)
		if !ok || id == "" {
			reject(e, "key must be {collection}_{id}")
			continue
		}
		if !pushCollections[collection] {
			reject(e, "collection "+collection+" cannot be pushed")
			continue
		}
		switch e.Operation {
		case tallysync.OperationUpsert:
			var doc any
			if err := json.Unmarshal(e.Payload, &doc); err != nil || doc == nil {
				reject(e, "upsert requires a JSON payload")
			}
		case tallysync.OperationDelete:
		default:
			reject(e, "operation must be upsert or delete")
		}
	}
	return errs
}

// writeSchemaMismatch answers a push from a client newer than the server.
func writeSchemaMismatch(w http.ResponseWriter, r *http.Request, clientVersion, serverVersion int) {
	body := struct {
		Problem
		ClientVersion int `json:"client_version"`
		ServerVersion int `json:"server_version"`
	}{
		Problem: newProblem(r, http.StatusConflict,
			fmt.Sprintf("client schema version %d is ahead of server version %d; upgrade the server", clientVersion, serverVersion)),
		ClientVersion: clientVersion,
		ServerVersion: serverVersion,
	}
	body.Type = "https://tally.dev/errors/schema-mismatch"
	body.Title = "Schema Version Mismatch"
	writeProblemBody(w, http.StatusConflict, body)
}

// SyncDelta handles GET /api/v1/sync/delta?after={seq}&limit={n}.
// Entries are returned in sequence order; has_more tells the client to ask
// again from last_sequence.
func (h *Handler) SyncDelta(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := slog.With("component", "api", "action", "sync_delta")

	req, err := parseDeltaRequest(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.deltaPage(ctx, req)
	if err != nil {
		log.Error("delta query failed", "after", req.After, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to retrieve delta")
		return
	}
	writeJSON(w, http.StatusOK, resp)
	h.metrics.ChangeLogEntries("delta", len(resp.Entries))

	log.Info("sync delta served",
		"source_id", SourceIDFromContext(ctx),
		"after", req.After,
		"limit", req.Limit,
		"entries_returned", len(resp.Entries),
		"last_sequence", resp.LastSequence,
		"latest_sequence", resp.LatestSequence,
		"has_more", resp.HasMore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (h *Handler) deltaPage(ctx context.Context, req tallysync.DeltaRequest) (tallysync.DeltaResponse, error) {
	resp := tallysync.DeltaResponse{
		Entries:      []tallysync.ChangeLogEntry{},
		LastSequence: req.After,
	}

	// Entries committed after latest is read are returned by the next pull.
	latest, err := h.store.GetLatestSequence(ctx)
	if err != nil {
		return resp, fmt.Errorf("latest sequence: %w", err)
	}
	entries, err := h.store.GetChangeLogAfter(ctx, req.After, req.Limit)
	if err != nil {
		return resp, fmt.Errorf("change log after %d: %w", req.After, err)
	}

	if n := len(entries); n > 0 {
		resp.Entries = entries
		resp.LastSequence = entries[n-1].Sequence
	}
	if resp.LastSequence > latest {
		latest = resp.LastSequence
	}
	resp.LatestSequence = latest
	resp.HasMore = len(entries) == req.Limit && resp.LastSequence < latest
	return resp, nil
}

// parseDeltaRequest reads after (required, >= 0) and limit (optional,
// clamped to MaxDeltaLimit) from the query string.
func parseDeltaRequest(r *http.Request) (tallysync.DeltaRequest, error) {
	q := r.URL.Query()
	req := tallysync.DeltaRequest{Limit: tallysync.DefaultDeltaLimit}

	raw, ok := q["after"]
	if !ok || raw[0] == "" {
		return req, errors.New("missing required query parameter: after")
	}
	after, err := strconv.ParseInt(raw[0], 10, 64)
	if err != nil || after < 0 {
		return req, fmt.Errorf("invalid after %q: must be a non-negative integer", raw[0])
	}
	req.After = after

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return req, fmt.Errorf("invalid limit %q: must be a positive integer", v)
		}
		req.Limit = min(limit, tallysync.MaxDeltaLimit)
	}
	return req, nil
}
