// Package queue sends optimistic mutations to the backend. Requests are
// persisted before they are dispatched so they survive restarts, and every
// outcome is handed to the reconciler exactly once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/tally/internal/metrics"
	"github.com/hyperengineering/tally/internal/optimistic"
	"github.com/hyperengineering/tally/internal/store"
)

// DefaultWorkers is the number of requests that may be in flight at once.
const DefaultWorkers = 4

// ErrEmptyRequestID is returned when enqueuing a request without an ID.
var ErrEmptyRequestID = errors.New("empty request id")

// Request is one queued backend call. ID is the idempotency key.
type Request struct {
	ID       string
	Command  string
	Params   json.RawMessage
	Data     optimistic.Data
	Keys     []string
	QueuedAt time.Time
	Attempts int
}

// Mutation returns the optimistic mutation the request carries.
func (r Request) Mutation() optimistic.Mutation {
	return optimistic.Mutation{
		ID:      r.ID,
		Command: r.Command,
		Params:  r.Params,
		Data:    r.Data,
		Keys:    r.Keys,
	}
}

// Transport delivers a request to the backend and returns its response body.
// Any error is a failed outcome.
type Transport interface {
	Send(ctx context.Context, req Request) (json.RawMessage, error)
}

// Storage persists queued requests.
type Storage interface {
	EnqueueRequest(ctx context.Context, r store.QueuedRequest) error
	PendingRequests(ctx context.Context) ([]store.QueuedRequest, error)
	RecordAttempt(ctx context.Context, requestID string) error
	UpdateRequestData(ctx context.Context, requestID string, data json.RawMessage) error
	DeleteRequest(ctx context.Context, requestID string) error
}

// Resolver receives request outcomes. *optimistic.Reconciler satisfies it.
type Resolver interface {
	Resolve(id string, result optimistic.Result) error
	Restore(m optimistic.Mutation) error
}

type item struct {
	req      Request
	inFlight bool
}

// Queue dispatches requests in enqueue order. Requests that share a cache key
// are sent one at a time in that order; unrelated requests may be in flight
// together, up to the number of workers.
type Queue struct {
	transport Transport
	resolver  Resolver
	storage   Storage
	workers   int
	metrics   *metrics.Metrics

	mu      sync.Mutex
	items   []*item
	changed chan struct{}
	// rebased holds data rewritten before its request was enqueued.
	rebased map[string]optimistic.Data
}

// Option configures a Queue.
type Option func(*Queue)

// WithStorage persists requests in s.
func WithStorage(s Storage) Option {
	return func(q *Queue) {
		q.storage = s
	}
}

// WithWorkers sets how many requests may be in flight at once.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithMetrics records queue depth and dispatch latency on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// New creates a Queue sending through t and resolving through r.
func New(t Transport, r Resolver, opts ...Option) *Queue {
	q := &Queue{
		transport: t,
		resolver:  r,
		workers:   DefaultWorkers,
		changed:   make(chan struct{}),
		rebased:   make(map[string]optimistic.Data),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Dispatch enqueues a mutation. It satisfies optimistic.Dispatcher.
func (q *Queue) Dispatch(ctx context.Context, m optimistic.Mutation) error {
	return q.Enqueue(ctx, Request{
		ID:      m.ID,
		Command: m.Command,
		Params:  m.Params,
		Data:    m.Data,
		Keys:    m.Keys,
	})
}

// Enqueue persists req and schedules it for dispatch.
func (q *Queue) Enqueue(ctx context.Context, req Request) error {
	if req.ID == "" {
		return ErrEmptyRequestID
	}
	if req.QueuedAt.IsZero() {
		req.QueuedAt = time.Now().UTC()
	}

	// mu is held while persisting so Rebased cannot interleave.
	q.mu.Lock()
	defer q.mu.Unlock()
	if data, ok := q.rebased[req.ID]; ok {
		req.Data = data
		delete(q.rebased, req.ID)
	}

	if q.storage != nil {
		data, err := json.Marshal(req.Data)
		if err != nil {
			return fmt.Errorf("marshal request data: %w", err)
		}
		err = q.storage.EnqueueRequest(ctx, store.QueuedRequest{
			ID:       req.ID,
			Command:  req.Command,
			Params:   req.Params,
			Data:     data,
			Keys:     req.Keys,
			QueuedAt: req.QueuedAt,
			Attempts: req.Attempts,
		})
		if err != nil {
			return fmt.Errorf("persist request %s: %w", req.ID, err)
		}
	}

	q.items = append(q.items, &item{req: req})
	depth := len(q.items)
	q.notifyLocked()

	q.metrics.SetQueueDepth(depth)
	slog.Debug("request queued",
		"component", "queue",
		"action", "enqueue",
		"request_id", req.ID,
		"command", req.Command,
		"depth", depth,
	)
	return nil
}

// Rebased stores the rewritten data of a pending mutation so a restart
// restores its current rollback state. It satisfies
// optimistic.RebaseHandler.
func (q *Queue) Rebased(m optimistic.Mutation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var it *item
	for _, x := range q.items {
		if x.req.ID == m.ID {
			it = x
			break
		}
	}
	if it == nil {
		// Begin ran but Dispatch has not enqueued yet.
		q.rebased[m.ID] = m.Data
		return
	}
	it.req.Data = m.Data
	if q.storage == nil {
		return
	}

	data, err := json.Marshal(m.Data)
	if err == nil {
		err = q.storage.UpdateRequestData(context.Background(), m.ID, data)
	}
	if err != nil {
		slog.Error("persist rebased request failed",
			"component", "queue",
			"action", "rebase",
			"request_id", m.ID,
			"error", err,
		)
	}
}

// Load reads persisted requests left by a previous run and registers their
// mutations with the resolver. It must be called before Run.
func (q *Queue) Load(ctx context.Context) (int, error) {
	if q.storage == nil {
		return 0, nil
	}
	stored, err := q.storage.PendingRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("load queued requests: %w", err)
	}

	loaded := make([]*item, 0, len(stored))
	for _, s := range stored {
		req := Request{
			ID:       s.ID,
			Command:  s.Command,
			Params:   s.Params,
			Keys:     s.Keys,
			QueuedAt: s.QueuedAt,
			Attempts: s.Attempts,
		}
		if len(s.Data) > 0 {
			if err := json.Unmarshal(s.Data, &req.Data); err != nil {
				return 0, fmt.Errorf("decode data of %s: %w", s.ID, err)
			}
		}
		if err := q.resolver.Restore(req.Mutation()); err != nil {
			return 0, fmt.Errorf("restore %s: %w", s.ID, err)
		}
		loaded = append(loaded, &item{req: req})
	}

	q.mu.Lock()
	q.items = append(loaded, q.items...)
	depth := len(q.items)
	q.notifyLocked()
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	if len(loaded) > 0 {
		slog.Info("queued requests restored",
			"component", "queue",
			"action", "load",
			"count", len(loaded),
		)
	}
	return len(loaded), nil
}

// Run dispatches requests until ctx is cancelled. Requests in flight when
// ctx is cancelled stay persisted and are sent again on the next run.
func (q *Queue) Run(ctx context.Context) error {
	slog.Info("worker started",
		"component", "queue",
		"worker", "dispatch",
		"workers", q.workers,
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			q.work(gctx)
			return nil
		})
	}
	err := g.Wait()

	slog.Info("worker stopped",
		"component", "queue",
		"worker", "dispatch",
		"reason", "context_cancelled",
	)
	return err
}

func (q *Queue) work(ctx context.Context) {
	for ctx.Err() == nil {
		it, changed := q.next()
		if it == nil {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				continue
			}
		}
		q.process(ctx, it)
	}
}

// next claims the oldest request that shares no key with an earlier
// unfinished request. It returns a channel closed on the next state change.
func (q *Queue) next() (*item, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	blocked := make(map[string]struct{})
	for _, it := range q.items {
		free := !it.inFlight
		for _, k := range it.req.Keys {
			if _, ok := blocked[k]; ok {
				free = false
			}
		}
		if free {
			it.inFlight = true
			return it, q.changed
		}
		for _, k := range it.req.Keys {
			blocked[k] = struct{}{}
		}
	}
	return nil, q.changed
}

func (q *Queue) process(ctx context.Context, it *item) {
	req := it.req
	if q.storage != nil {
		if err := q.storage.RecordAttempt(ctx, req.ID); err != nil && ctx.Err() == nil {
			slog.Warn("record attempt failed",
				"component", "queue",
				"request_id", req.ID,
				"error", err,
			)
		}
	}

	start := time.Now()
	resp, err := q.transport.Send(ctx, req)
	duration := time.Since(start)

	if err != nil && ctx.Err() != nil {
		// Shutting down: the backend may or may not have seen the request.
		// Leave it persisted for the next run, which re-sends it with the
		// same idempotency key.
		q.mu.Lock()
		it.inFlight = false
		q.mu.Unlock()
		return
	}
	q.metrics.ObserveDispatch(req.Command, duration)

	if rerr := q.resolver.Resolve(req.ID, optimistic.ResultOf(resp, err)); rerr != nil {
		slog.Error("resolve failed",
			"component", "queue",
			"action", "resolve_failed",
			"request_id", req.ID,
			"command", req.Command,
			"error", rerr,
		)
	}

	if q.storage != nil {
		if derr := q.storage.DeleteRequest(context.WithoutCancel(ctx), req.ID); derr != nil {
			slog.Error("delete queued request failed",
				"component", "queue",
				"request_id", req.ID,
				"error", derr,
			)
		}
	}

	q.mu.Lock()
	for i, x := range q.items {
		if x == it {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	depth := len(q.items)
	q.notifyLocked()
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	slog.Info("request completed",
		"component", "queue",
		"action", "dispatch",
		"request_id", req.ID,
		"command", req.Command,
		"ok", err == nil,
		"duration_ms", duration.Milliseconds(),
	)
}

// notifyLocked wakes every idle worker. Must be called with mu held.
func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Pending returns the unfinished requests in enqueue order.
func (q *Queue) Pending() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Request, len(q.items))
	for i, it := range q.items {
		out[i] = it.req
	}
	return out
}

// Len returns the number of unfinished requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
