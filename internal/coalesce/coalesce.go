// Package coalesce deduplicates concurrent storage operations and serializes
// bursts into periodic batched calls against the storage collaborator.
package coalesce

import (
	"context"
	"encoding/json"
	"time"

	"sync"

	"boorusync/internal/logging"
	"boorusync/internal/metrics"
	"boorusync/internal/storage"
)

// RequestType is the kind of queued storage operation.
type RequestType string

const (
	TypeGet    RequestType = "get"
	TypeSave   RequestType = "save"
	TypeRemove RequestType = "remove"
	TypeCheck  RequestType = "check"
)

// FlushInterval is the cadence of the batch flush loop.
const FlushInterval = 500 * time.Millisecond

var cacheableTypes = []RequestType{TypeGet, TypeCheck}

// Future resolves once the flush pass that carries its request completes.
type Future struct {
	done  chan struct{}
	value json.RawMessage
	err   error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

// Wait blocks until the future resolves or ctx is cancelled. The value is nil
// for absent keys and for save/remove acknowledgements; check requests yield
// the JSON booleans "true"/"false".
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(value json.RawMessage) {
	f.value = value
	close(f.done)
}

func (f *Future) reject(err error) {
	f.err = err
	close(f.done)
}

type request struct {
	typ      RequestType
	key      string
	value    any
	database string
	future   *Future
}

func queueKey(typ RequestType, key, database string) string {
	return string(typ) + "-" + key + "-" + database
}

// Queue batches storage requests. Cacheable types (get, check) keep at most
// one in-flight future per (type, key, database); later callers share it,
// including after resolution, until Invalidate drops the entry.
type Queue struct {
	db *storage.DB

	mu      sync.Mutex
	pending []*request
	cached  map[string]*Future
}

func New(db *storage.DB) *Queue {
	return &Queue{db: db, cached: make(map[string]*Future)}
}

// Enqueue queues one storage operation and returns its future.
func (q *Queue) Enqueue(typ RequestType, key string, value any, database string) *Future {
	q.mu.Lock()
	defer q.mu.Unlock()
	qk := queueKey(typ, key, database)
	if cacheable(typ) {
		if f, ok := q.cached[qk]; ok {
			metrics.CoalescedRequests.Inc()
			return f
		}
	}
	req := &request{typ: typ, key: key, value: value, database: database, future: newFuture()}
	q.pending = append(q.pending, req)
	if cacheable(typ) {
		q.cached[qk] = req.future
	}
	return req.future
}

// Invalidate drops cached get/check futures for key so the next Enqueue
// issues a fresh storage request.
func (q *Queue) Invalidate(key, database string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, typ := range cacheableTypes {
		delete(q.cached, queueKey(typ, key, database))
	}
}

// Run flushes the queue every FlushInterval until ctx is cancelled, then
// performs one final flush so shutdown does not strand queued writes.
func (q *Queue) Run(ctx context.Context) error {
	t := time.NewTicker(FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			q.Flush(context.Background())
			return ctx.Err()
		case <-t.C:
			q.Flush(ctx)
		}
	}
}

// Flush drains the pending queue, partitions it by database then by type, and
// issues one batched storage call per group. A failed batch rejects every
// future in its group; the queue keeps running.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	metrics.CoalesceFlushes.Inc()
	byDatabase := make(map[string][]*request)
	for _, req := range batch {
		byDatabase[req.database] = append(byDatabase[req.database], req)
	}
	for database, requests := range byDatabase {
		q.flushDatabase(ctx, database, requests)
	}
}

func (q *Queue) flushDatabase(ctx context.Context, database string, requests []*request) {
	byType := make(map[RequestType][]*request)
	for _, req := range requests {
		byType[req.typ] = append(byType[req.typ], req)
	}

	if saves := byType[TypeSave]; len(saves) > 0 {
		values := make(map[string]any, len(saves))
		for _, req := range saves {
			values[req.key] = req.value
		}
		err := q.db.BatchSave(ctx, database, values)
		settleAcks(saves, err, database, "save")
	}
	if removes := byType[TypeRemove]; len(removes) > 0 {
		err := q.db.BatchRemove(ctx, database, keysOf(removes))
		settleAcks(removes, err, database, "remove")
	}
	if checks := byType[TypeCheck]; len(checks) > 0 {
		data, err := q.db.BatchCheck(ctx, database, keysOf(checks))
		if err != nil {
			q.rejectCached(checks, err, database, "check")
		} else {
			for _, req := range checks {
				b, _ := json.Marshal(data[req.key])
				req.future.resolve(b)
			}
		}
	}
	if gets := byType[TypeGet]; len(gets) > 0 {
		data, err := q.db.BatchGet(ctx, database, keysOf(gets))
		if err != nil {
			q.rejectCached(gets, err, database, "get")
		} else {
			for _, req := range gets {
				req.future.resolve(data[req.key])
			}
		}
	}
}

// rejectCached fails every future in the group and evicts their cache
// entries, so a later Enqueue retries against storage.
func (q *Queue) rejectCached(requests []*request, err error, database, typ string) {
	logging.Error("storage_batch_error", map[string]any{"database": database, "type": typ, "error": err.Error()})
	metrics.CoalesceErrors.Inc()
	q.mu.Lock()
	for _, req := range requests {
		delete(q.cached, queueKey(req.typ, req.key, req.database))
	}
	q.mu.Unlock()
	for _, req := range requests {
		req.future.reject(err)
	}
}

func settleAcks(requests []*request, err error, database, typ string) {
	if err != nil {
		logging.Error("storage_batch_error", map[string]any{"database": database, "type": typ, "error": err.Error()})
		metrics.CoalesceErrors.Inc()
		for _, req := range requests {
			req.future.reject(err)
		}
		return
	}
	for _, req := range requests {
		req.future.resolve(nil)
	}
}

func keysOf(requests []*request) []string {
	keys := make([]string, len(requests))
	for i, req := range requests {
		keys[i] = req.key
	}
	return keys
}

func cacheable(typ RequestType) bool {
	return typ == TypeGet || typ == TypeCheck
}
