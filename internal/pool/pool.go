// Package pool moves completed upload results into the user's currently
// selected collection, with bounded retry via a staleness window.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"boorusync/internal/cache"
	"boorusync/internal/logging"
	"boorusync/internal/metrics"
	"boorusync/internal/model"
	"boorusync/internal/notice"
	"boorusync/internal/pclient"
	"boorusync/internal/storage"
	"boorusync/internal/tracker"
)

const (
	currentPoolKey   = "current-pool"
	priorPoolKey     = "prior-pool"
	failedPoolAddKey = "failed-pool-adds"
)

// StalenessWindow bounds how long a completed record without resolved
// associations keeps triggering lookups. Records older than the window are
// left untouched (intentionally lossy).
const StalenessWindow = 15 * time.Second

// Poster posts broadcast messages to sibling instances.
type Poster interface {
	Post(msg model.Message)
}

// Engine assigns completed uploads into the selected pool.
type Engine struct {
	db       *storage.DB
	tracker  *tracker.Tracker
	cache    *cache.Cache
	client   pclient.Client
	notifier notice.Notifier
	poster   Poster
	siteID   int
	now      func() time.Time

	mu        sync.Mutex
	loaded    bool
	current   *model.PoolReference
	prior     *model.PoolReference
	attempted map[int]bool // association lookup fired per record id
}

func New(db *storage.DB, t *tracker.Tracker, c *cache.Cache, client pclient.Client, notifier notice.Notifier, siteID int) *Engine {
	return &Engine{
		db:        db,
		tracker:   t,
		cache:     c,
		client:    client,
		notifier:  notifier,
		siteID:    siteID,
		now:       time.Now,
		attempted: make(map[int]bool),
	}
}

// SetPoster registers the broadcast connection for pool changes.
func (e *Engine) SetPoster(p Poster) { e.poster = p }

// SetClock overrides the time source (tests).
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Load reads the current/prior pool references from durable storage.
func (e *Engine) Load(ctx context.Context) error {
	current, err := e.readPool(ctx, currentPoolKey)
	if err != nil {
		return err
	}
	prior, err := e.readPool(ctx, priorPoolKey)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.current = current
	e.prior = prior
	e.loaded = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) readPool(ctx context.Context, key string) (*model.PoolReference, error) {
	raw, err := e.db.Get(ctx, storage.DatabasePrebooru, key)
	if err != nil || raw == nil {
		return nil, err
	}
	var ref model.PoolReference
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// Current returns the selected pool reference, loading it on first use.
func (e *Engine) Current(ctx context.Context) (*model.PoolReference, error) {
	e.mu.Lock()
	loaded := e.loaded
	e.mu.Unlock()
	if !loaded {
		if err := e.Load(ctx); err != nil {
			return nil, err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, nil
}

// Prior returns the previously selected pool reference.
func (e *Engine) Prior(ctx context.Context) (*model.PoolReference, error) {
	if _, err := e.Current(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prior, nil
}

// Select makes pool the current selection, demoting the previous current to
// prior, persisting both, and broadcasting the change. A nil pool clears the
// selection (the prior pool becomes the last non-nil current).
func (e *Engine) Select(ctx context.Context, pool *model.PoolReference) error {
	e.mu.Lock()
	if pool != nil {
		if e.current == nil || e.current.ID != pool.ID {
			e.prior = e.current
		}
		e.current = pool
	} else {
		if e.current != nil {
			e.prior = e.current
		}
		e.current = nil
	}
	current, prior := e.current, e.prior
	e.mu.Unlock()

	if err := e.writePool(ctx, currentPoolKey, current); err != nil {
		return err
	}
	if err := e.writePool(ctx, priorPoolKey, prior); err != nil {
		return err
	}
	if e.poster != nil {
		e.poster.Post(model.PoolMessage{})
	}
	return nil
}

func (e *Engine) writePool(ctx context.Context, key string, ref *model.PoolReference) error {
	if ref == nil {
		return e.db.Remove(ctx, storage.DatabasePrebooru, key)
	}
	return e.db.Save(ctx, storage.DatabasePrebooru, key, ref)
}

// InvalidateLocal drops the locally cached pool references so the next read
// re-fetches from durable storage. Applied on a sibling's pool broadcast.
func (e *Engine) InvalidateLocal() {
	e.mu.Lock()
	e.loaded = false
	e.current = nil
	e.prior = nil
	e.mu.Unlock()
}

// FailedAdds returns the durable list of timeline items whose pool
// assignment failed, kept for manual inspection.
func (e *Engine) FailedAdds(ctx context.Context) ([]model.TimelineItemKey, error) {
	raw, err := e.db.Get(ctx, storage.DatabaseLocal, failedPoolAddKey)
	if err != nil || raw == nil {
		return nil, err
	}
	var keys []model.TimelineItemKey
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (e *Engine) recordFailedAdd(ctx context.Context, key model.TimelineItemKey) {
	keys, err := e.FailedAdds(ctx)
	if err != nil {
		logging.Error("failed_pool_adds_read_error", map[string]any{"error": err.Error()})
	}
	keys = append(keys, key)
	if err := e.db.Save(ctx, storage.DatabaseLocal, failedPoolAddKey, keys); err != nil {
		logging.Error("failed_pool_adds_save_error", map[string]any{"error": err.Error()})
	}
	metrics.PoolFailures.Inc()
}

// Run executes one assignment pass. Gated by the caller on visibility; gated
// here on a pool being selected (no selection disables the feature).
func (e *Engine) Run(ctx context.Context) error {
	current, err := e.Current(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}
	if err := e.tracker.RefreshIfStale(ctx); err != nil {
		return err
	}

	// Completed records created while the feature was disabled can never be
	// assigned; drop them up front.
	if err := e.dropNullPoolRecords(ctx); err != nil {
		return err
	}

	finished := make(map[int]struct{})
	for _, rec := range e.tracker.Records() {
		if rec.Status != model.UploadComplete {
			continue
		}
		if len(rec.Posts) > 0 && len(rec.Illusts) > 0 {
			// Assigned exactly once; success or failure, the record is done.
			e.assign(ctx, rec)
			finished[rec.ID] = struct{}{}
			continue
		}
		if e.now().Before(rec.Expires.Add(StalenessWindow)) {
			e.resolveAssociations(ctx, rec)
		}
	}

	// Finished records are pruned in the same pass that produced them.
	err = e.tracker.Update(ctx, func(records []model.UploadRecord) ([]model.UploadRecord, bool) {
		kept := records[:0]
		dirty := false
		for _, rec := range records {
			if rec.Status == model.UploadFinished {
				dirty = true
				continue
			}
			if _, done := finished[rec.ID]; done && rec.Status == model.UploadComplete {
				dirty = true
				continue
			}
			kept = append(kept, rec)
		}
		return kept, dirty
	})
	if err != nil {
		return err
	}
	e.pruneAttempted()
	return nil
}

// pruneAttempted drops lookup markers for records no longer tracked, keeping
// the map bounded by the live record list.
func (e *Engine) pruneAttempted() {
	live := make(map[int]struct{})
	for _, rec := range e.tracker.Records() {
		live[rec.ID] = struct{}{}
	}
	e.mu.Lock()
	for id := range e.attempted {
		if _, ok := live[id]; !ok {
			delete(e.attempted, id)
		}
	}
	e.mu.Unlock()
}

func (e *Engine) dropNullPoolRecords(ctx context.Context) error {
	return e.tracker.Update(ctx, func(records []model.UploadRecord) ([]model.UploadRecord, bool) {
		kept := records[:0]
		dropped := false
		for _, rec := range records {
			if rec.Status == model.UploadComplete && rec.PoolID == nil {
				dropped = true
				continue
			}
			kept = append(kept, rec)
		}
		return kept, dropped
	})
}

// assign issues one pool-element creation for a ready record. More than one
// post means the whole illustration goes in; otherwise the specific post.
func (e *Engine) assign(ctx context.Context, rec model.UploadRecord) {
	var postID, illustID *int
	if len(rec.Posts) > 1 {
		illustID = &rec.Illusts[0]
	} else {
		postID = &rec.Posts[0]
	}
	pool, err := e.client.CreatePoolElement(ctx, *rec.PoolID, postID, illustID)
	if err != nil {
		e.notifier.Error(fmt.Sprintf("Pool add failed for tweet %s: %v", rec.ItemKey, err))
		e.recordFailedAdd(ctx, rec.ItemKey)
		return
	}
	metrics.PoolAssignments.Inc()
	e.updatePoolReference(ctx, pool)
}

// updatePoolReference refreshes whichever of current/prior matches the
// returned pool. Non-matching pools only get logged; their element counts
// are refetched when selected.
func (e *Engine) updatePoolReference(ctx context.Context, pool *model.PoolReference) {
	if pool == nil {
		return
	}
	e.mu.Lock()
	var key string
	switch {
	case e.current != nil && e.current.ID == pool.ID:
		e.current = pool
		key = currentPoolKey
	case e.prior != nil && e.prior.ID == pool.ID:
		e.prior = pool
		key = priorPoolKey
	}
	e.mu.Unlock()
	if key == "" {
		logging.Info("pool_updated", map[string]any{"pool_id": pool.ID, "element_count": pool.ElementCount})
		return
	}
	if err := e.db.Save(ctx, storage.DatabasePrebooru, key, pool); err != nil {
		logging.Error("pool_save_error", map[string]any{"key": key, "error": err.Error()})
	}
}

// resolveAssociations fills a deferred record from the local cache, or fires
// a one-time illust lookup when nothing is cached yet.
func (e *Engine) resolveAssociations(ctx context.Context, rec model.UploadRecord) {
	posts := e.cache.Local(rec.ItemKey, model.EntityPost)
	illusts := e.cache.Local(rec.ItemKey, model.EntityIllust)
	if len(posts) > 0 && len(illusts) > 0 {
		e.tracker.SyncAssociations(rec.ItemKey, model.EntityPost, posts)
		e.tracker.SyncAssociations(rec.ItemKey, model.EntityIllust, illusts)
		return
	}
	e.mu.Lock()
	tried := e.attempted[rec.ID]
	e.attempted[rec.ID] = true
	e.mu.Unlock()
	if tried || len(rec.Illusts) > 0 {
		return
	}
	filter := cache.IllustsFilter(rec.ItemKey, e.siteID)
	if _, err := e.cache.QueryRemote(ctx, rec.ItemKey, model.EntityIllust, filter, nil); err != nil {
		logging.Error("illust_lookup_error", map[string]any{"tweet_id": rec.ItemKey, "error": err.Error()})
	}
}

