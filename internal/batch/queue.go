// Package batch coalesces project mutations into composite GraphQL requests.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/events"
	"github.com/TheMichaelB/whsync/internal/models"
)

// Executor sends one GraphQL document.
type Executor interface {
	Execute(ctx context.Context, query string, variables map[string]interface{}) (*models.GraphQLResponse, error)
}

// Request describes one mutation to queue.
type Request struct {
	Type       OpType
	EntityType models.EntityType
	Input      map[string]interface{}
	Immediate  bool
}

// Operation is a queued mutation.
type Operation struct {
	ID         string
	Type       OpType
	EntityType models.EntityType
	Input      map[string]interface{}
	Timestamp  time.Time

	done chan result
}

type result struct {
	data json.RawMessage
	err  error
}

func (op *Operation) settle(data json.RawMessage, err error) {
	op.done <- result{data: data, err: err}
}

// Stats counts queue activity.
type Stats struct {
	Requests        int `json:"requests"`
	Operations      int `json:"operations"`
	Failed          int `json:"failed"`
	RejectedAliases int `json:"rejected_aliases"`
}

// Queue batches mutations issued within a debounce window.
type Queue struct {
	mu         sync.Mutex
	exec       Executor
	enabled    bool
	debounce   time.Duration
	maxSize    int
	immediate  map[OpType]bool
	pending    []*Operation
	timer      *time.Timer
	processing bool
	stats      Stats
	onFlushed  func([]models.EntityType)

	ctx    context.Context
	cancel context.CancelFunc
	logger *events.Logger
}

// NewQueue creates a queue in front of exec.
func NewQueue(cfg config.BatchConfig, exec Executor, logger *events.Logger) *Queue {
	immediate := make(map[OpType]bool, len(cfg.ImmediateTypes))
	for _, t := range cfg.ImmediateTypes {
		immediate[OpType(t)] = true
	}

	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		exec:      exec,
		enabled:   cfg.Enabled,
		debounce:  cfg.Debounce,
		maxSize:   maxSize,
		immediate: immediate,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.WithField("component", "batch_queue"),
	}
}

// OnFlushed registers a callback run after every successfully transported
// batch with the entity types it touched.
func (q *Queue) OnFlushed(fn func([]models.EntityType)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFlushed = fn
}

// Do queues req and blocks until it is settled. Immediate requests, types
// in the immediate set and requests on a disabled queue run alone.
func (q *Queue) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	if !req.Type.IsValid() {
		return nil, fmt.Errorf("unknown operation type %q", req.Type)
	}

	op := &Operation{
		ID:         uuid.NewString(),
		Type:       req.Type,
		EntityType: req.EntityType,
		Input:      req.Input,
		Timestamp:  time.Now(),
		done:       make(chan result, 1),
	}

	q.mu.Lock()
	runAlone := req.Immediate || !q.enabled || q.immediate[req.Type]
	q.mu.Unlock()

	if runAlone {
		q.execute(ctx, []*Operation{op})
		r := <-op.done
		return r.data, r.err
	}

	q.enqueue(op)

	select {
	case r := <-op.done:
		return r.data, r.err
	case <-ctx.Done():
		// The operation stays in its batch; only the wait is abandoned
		return nil, ctx.Err()
	}
}

func (q *Queue) enqueue(op *Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, op)

	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}

	if len(q.pending) >= q.maxSize {
		go q.flush()
		return
	}

	q.timer = time.AfterFunc(q.debounce, q.flush)
}

// Pending returns the number of queued operations.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns a copy of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Flush drains pending operations before returning.
func (q *Queue) Flush(ctx context.Context) error {
	for {
		q.mu.Lock()
		idle := len(q.pending) == 0 && !q.processing
		q.mu.Unlock()
		if idle {
			return nil
		}

		q.flush()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Close cancels in-flight batches. Pending operations are rejected.
func (q *Queue) Close() {
	q.cancel()

	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, op := range pending {
		op.settle(nil, context.Canceled)
	}
}

// flush sends up to maxSize pending operations. Flushes never overlap;
// operations queued meanwhile are sent by a follow-up flush.
func (q *Queue) flush() {
	q.mu.Lock()
	if q.processing || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	q.processing = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}

	n := len(q.pending)
	if n > q.maxSize {
		n = q.maxSize
	}
	ops := append([]*Operation(nil), q.pending[:n]...)
	q.pending = append([]*Operation(nil), q.pending[n:]...)
	q.mu.Unlock()

	q.execute(q.ctx, ops)

	q.mu.Lock()
	q.processing = false
	more := len(q.pending) > 0
	q.mu.Unlock()

	if more {
		q.flush()
	}
}

func (q *Queue) execute(ctx context.Context, ops []*Operation) {
	logger := q.logger.WithField("operations", len(ops))

	mutation, err := BuildMutation(ops)
	if err != nil {
		q.rejectAll(ops, err)
		return
	}

	q.mu.Lock()
	q.stats.Requests++
	q.stats.Operations += len(ops)
	q.mu.Unlock()

	resp, err := q.exec.Execute(ctx, mutation.Query, mutation.Variables)
	if err != nil {
		logger.WithError(err).Warn("Batch request failed")
		q.rejectAll(ops, err)
		return
	}

	declared := make(map[string]bool, len(mutation.Aliases))
	for _, alias := range mutation.Aliases {
		declared[alias] = true
	}

	rejected := 0
	for key := range resp.Data {
		if !ValidAlias(key) || !declared[key] {
			rejected++
			logger.WithField("alias", key).Warn("Ignoring unexpected response key")
		}
	}

	outcomes := make([]result, len(ops))
	failed := 0
	for i := range ops {
		alias := mutation.Aliases[i]
		if !ValidAlias(alias) {
			failed++
			outcomes[i].err = fmt.Errorf("%w: %q", models.ErrInvalidAlias, alias)
			continue
		}

		data, ok := resp.Data[alias]
		if !ok || len(data) == 0 || string(data) == "null" {
			failed++
			if gqlErr := resp.ErrorFor(alias); gqlErr != nil {
				apiErr := models.NewAPIError(200, gqlErr.Message)
				apiErr.Code = models.ErrCodeGraphQL
				apiErr.Errors = []models.GraphQLError{*gqlErr}
				outcomes[i].err = apiErr
			} else {
				outcomes[i].err = fmt.Errorf("%w: %s", models.ErrMissingResult, alias)
			}
			continue
		}

		outcomes[i].data = data
	}

	q.mu.Lock()
	q.stats.Failed += failed
	q.stats.RejectedAliases += rejected
	onFlushed := q.onFlushed
	q.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"failed":   failed,
		"rejected": rejected,
	}).Debug("Batch settled")

	// Caches are invalidated before any caller is woken
	if onFlushed != nil {
		onFlushed(entityTypes(ops))
	}

	for i, op := range ops {
		op.settle(outcomes[i].data, outcomes[i].err)
	}
}

func (q *Queue) rejectAll(ops []*Operation, err error) {
	q.mu.Lock()
	q.stats.Failed += len(ops)
	q.mu.Unlock()

	for _, op := range ops {
		op.settle(nil, err)
	}
}

func entityTypes(ops []*Operation) []models.EntityType {
	seen := make(map[models.EntityType]bool)
	var out []models.EntityType
	for _, op := range ops {
		if op.EntityType == "" || seen[op.EntityType] {
			continue
		}
		seen[op.EntityType] = true
		out = append(out, op.EntityType)
	}
	return out
}
