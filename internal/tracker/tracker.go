// Package tracker owns the durable list of in-flight upload records and
// keeps it consistent across polling cycles and sibling instances.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"boorusync/internal/cache"
	"boorusync/internal/logging"
	"boorusync/internal/metrics"
	"boorusync/internal/model"
	"boorusync/internal/notice"
	"boorusync/internal/pclient"
	"boorusync/internal/storage"

	"github.com/google/uuid"
)

const (
	recordsKey = "pending-uploads"
	uidKey     = "uploads-uid"
)

// Poster posts broadcast messages to sibling instances.
type Poster interface {
	Post(msg model.Message)
}

// Tracker maintains the upload record list. The durable copy carries a uid
// token regenerated on every persist; a mismatch between the local and
// durable uid means another instance mutated the list and the local copy
// must be reloaded.
type Tracker struct {
	db       *storage.DB
	cache    *cache.Cache
	client   pclient.Client
	notifier notice.Notifier
	poster   Poster
	siteID   int
	now      func() time.Time

	mu              sync.Mutex
	records         []model.UploadRecord
	uid             string
	displayedErrors map[int]struct{}
}

func New(db *storage.DB, c *cache.Cache, client pclient.Client, notifier notice.Notifier, siteID int) *Tracker {
	return &Tracker{
		db:              db,
		cache:           c,
		client:          client,
		notifier:        notifier,
		siteID:          siteID,
		now:             time.Now,
		displayedErrors: make(map[int]struct{}),
	}
}

// SetPoster registers the broadcast connection for list updates.
func (t *Tracker) SetPoster(p Poster) { t.poster = p }

// SetClock overrides the time source (tests).
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Load reads the durable record list and uid into memory.
func (t *Tracker) Load(ctx context.Context) error {
	records, uid, err := t.readDurable(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.records = records
	t.uid = uid
	t.mu.Unlock()
	return nil
}

func (t *Tracker) readDurable(ctx context.Context) ([]model.UploadRecord, string, error) {
	var records []model.UploadRecord
	raw, err := t.db.Get(ctx, storage.DatabaseLocal, recordsKey)
	if err != nil {
		return nil, "", err
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, "", err
		}
	}
	var uid string
	raw, err = t.db.Get(ctx, storage.DatabaseLocal, uidKey)
	if err != nil {
		return nil, "", err
	}
	if raw != nil {
		_ = json.Unmarshal(raw, &uid)
	}
	return records, uid, nil
}

// Append adds a record and persists the list.
func (t *Tracker) Append(ctx context.Context, rec model.UploadRecord) error {
	t.mu.Lock()
	t.records = append(t.records, rec)
	t.mu.Unlock()
	return t.Persist(ctx)
}

// Persist writes the in-memory list back to durable storage under a fresh
// uid and broadcasts the new list to sibling instances.
func (t *Tracker) Persist(ctx context.Context) error {
	t.mu.Lock()
	records := append([]model.UploadRecord(nil), t.records...)
	t.uid = uuid.NewString()
	uid := t.uid
	t.mu.Unlock()
	if err := t.db.Save(ctx, storage.DatabaseLocal, recordsKey, records); err != nil {
		return err
	}
	if err := t.db.Save(ctx, storage.DatabaseLocal, uidKey, uid); err != nil {
		return err
	}
	if t.poster != nil {
		t.poster.Post(model.PendingUploadsMessage{Records: records})
	}
	return nil
}

// RefreshIfStale reloads the list when the durable uid differs from the one
// last loaded, guarding against another instance's mutations.
func (t *Tracker) RefreshIfStale(ctx context.Context) error {
	raw, err := t.db.Get(ctx, storage.DatabaseLocal, uidKey)
	if err != nil {
		return err
	}
	var durable string
	if raw != nil {
		_ = json.Unmarshal(raw, &durable)
	}
	t.mu.Lock()
	stale := t.uid != durable
	t.mu.Unlock()
	if !stale {
		return nil
	}
	return t.Load(ctx)
}

// ApplyBroadcast replaces the in-memory list with a sibling's copy. No
// re-persist and no re-broadcast: the sender already did both.
func (t *Tracker) ApplyBroadcast(msg model.PendingUploadsMessage) {
	t.mu.Lock()
	t.records = append([]model.UploadRecord(nil), msg.Records...)
	t.mu.Unlock()
}

// Records returns a snapshot of the list.
func (t *Tracker) Records() []model.UploadRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.UploadRecord(nil), t.records...)
}

// Update applies fn to a copy of the list; when fn reports dirty the result
// replaces the list and is persisted. Used by the pool assignment pass.
func (t *Tracker) Update(ctx context.Context, fn func(records []model.UploadRecord) ([]model.UploadRecord, bool)) error {
	t.mu.Lock()
	next, dirty := fn(append([]model.UploadRecord(nil), t.records...))
	if dirty {
		t.records = next
	}
	t.mu.Unlock()
	if !dirty {
		return nil
	}
	return t.Persist(ctx)
}

// SyncAssociations copies freshly queried association ids into the matching
// record, mirroring the cache's update hook.
func (t *Tracker) SyncAssociations(key model.TimelineItemKey, entity model.EntityType, ids []int) {
	if entity != model.EntityPost && entity != model.EntityIllust {
		return
	}
	t.mu.Lock()
	dirty := false
	for i := range t.records {
		if t.records[i].ItemKey != key {
			continue
		}
		switch entity {
		case model.EntityPost:
			t.records[i].Posts = ids
		case model.EntityIllust:
			t.records[i].Illusts = ids
		}
		dirty = true
	}
	t.mu.Unlock()
	if dirty {
		// Persist outside the poll loop; association lookups are async.
		if err := t.Persist(context.Background()); err != nil {
			logging.Error("tracker_persist_error", map[string]any{"error": err.Error()})
		}
	}
}

// Reconcile polls the server for the status of every pending/processing
// record and folds the results into the record list and the association
// cache. Invoked on a fixed cadence while the instance is visible.
func (t *Tracker) Reconcile(ctx context.Context) error {
	if err := t.RefreshIfStale(ctx); err != nil {
		return err
	}
	pending := activeRecords(t.Records())
	if len(pending) == 0 {
		return nil
	}
	start := t.now()
	metrics.ReconcileRuns.Inc()
	ids := make([]int, len(pending))
	for i, rec := range pending {
		ids[i] = rec.ID
	}
	uploads, err := t.client.GetUploads(ctx, ids)
	if err != nil {
		metrics.ReconcileErrors.Inc()
		return err
	}
	dirty := false
	for _, upload := range uploads {
		if t.applyUploadStatus(ctx, upload) {
			dirty = true
		}
	}
	if dirty {
		if err := t.Persist(ctx); err != nil {
			return err
		}
	}
	metrics.ObserveReconcileDuration(start)
	return nil
}

// applyUploadStatus folds one poll result into its record. Returns whether
// the list changed.
func (t *Tracker) applyUploadStatus(ctx context.Context, upload model.UploadStatusResult) bool {
	t.mu.Lock()
	var rec model.UploadRecord
	found := false
	for i := range t.records {
		if t.records[i].ID == upload.ID && t.records[i].Status.Active() {
			rec = t.records[i]
			found = true
			break
		}
	}
	t.mu.Unlock()
	if !found {
		return false
	}

	dirty := false
	switch {
	case upload.Status == model.UploadComplete:
		dirty = t.completeRecord(ctx, rec, upload)
	case upload.Status == model.UploadProcessing && rec.Status.CanTransition(model.UploadProcessing):
		t.setStatus(rec.ID, model.UploadProcessing)
		dirty = true
	}
	if upload.Status == model.UploadError || len(upload.Errors) > 0 {
		t.surfaceErrors(upload)
		if rec.Status.CanTransition(model.UploadError) {
			t.setStatus(rec.ID, model.UploadError)
			dirty = true
		}
	}
	return dirty
}

func (t *Tracker) completeRecord(ctx context.Context, rec model.UploadRecord, upload model.UploadStatusResult) bool {
	key := rec.ItemKey
	if len(upload.PostIDs) > 0 {
		existing, err := t.cache.Get(ctx, key, model.EntityPost)
		if err != nil {
			logging.Error("reconcile_cache_error", map[string]any{"tweet_id": key, "error": err.Error()})
			existing = nil
		}
		// Server-reported duplicates are removed after the union so a
		// duplicate never survives via the pre-existing cached set.
		posts := model.DifferenceIDs(model.UnionIDs(existing, upload.PostIDs), upload.DuplicatePostIDs)
		t.cache.Set(ctx, key, model.EntityPost, posts, true)
		t.setPosts(rec.ID, posts)

		if len(t.cache.Local(key, model.EntityIllust)) == 0 {
			t.lookupIllusts(ctx, rec)
		} else {
			t.setIllusts(rec.ID, t.cache.Local(key, model.EntityIllust))
		}
		if len(t.cache.Local(key, model.EntityArtist)) == 0 {
			t.lookupArtists(ctx, rec)
		}
	}
	if len(upload.DuplicatePostIDs) > 0 {
		t.notifier.Notice(fmt.Sprintf("Upload #%d has duplicates(%d): %s",
			upload.ID, len(upload.DuplicatePostIDs), shortlinks(upload.DuplicatePostIDs)))
	}
	t.setStatus(rec.ID, model.UploadComplete)
	t.pruneIfEmpty(rec.ID)
	return true
}

// surfaceErrors shows each previously-unseen server error once, keyed by the
// server-assigned error id.
func (t *Tracker) surfaceErrors(upload model.UploadStatusResult) {
	t.mu.Lock()
	var display []model.UploadErrorEntry
	for _, e := range upload.Errors {
		if _, seen := t.displayedErrors[e.ID]; !seen {
			t.displayedErrors[e.ID] = struct{}{}
			display = append(display, e)
		}
	}
	t.mu.Unlock()
	if len(display) == 0 {
		return
	}
	parts := make([]string, len(display))
	for i, e := range display {
		parts[i] = e.Module + ": " + e.Message
	}
	msg := strings.Join(parts, " ;")
	if msg == "" {
		msg = "Unknown error occurred. Check the server logs."
	}
	t.notifier.Error(fmt.Sprintf("Error with upload #%d => %s", upload.ID, msg))
}

func (t *Tracker) lookupIllusts(ctx context.Context, rec model.UploadRecord) {
	filter := cache.IllustsFilter(rec.ItemKey, t.siteID)
	if _, err := t.cache.QueryRemote(ctx, rec.ItemKey, model.EntityIllust, filter, nil); err != nil {
		logging.Error("illust_lookup_error", map[string]any{"tweet_id": rec.ItemKey, "error": err.Error()})
	}
}

func (t *Tracker) lookupArtists(ctx context.Context, rec model.UploadRecord) {
	filter := cache.ArtistsFilter(rec.Account, t.siteID)
	if _, err := t.cache.QueryRemote(ctx, rec.ItemKey, model.EntityArtist, filter, rec.Idents()); err != nil {
		logging.Error("artist_lookup_error", map[string]any{"tweet_id": rec.ItemKey, "error": err.Error()})
	}
}

func (t *Tracker) setStatus(id int, status model.UploadStatus) {
	t.mu.Lock()
	for i := range t.records {
		if t.records[i].ID == id && t.records[i].Status.CanTransition(status) {
			t.records[i].Status = status
		}
	}
	t.mu.Unlock()
}

func (t *Tracker) setPosts(id int, posts []int) {
	t.mu.Lock()
	for i := range t.records {
		if t.records[i].ID == id {
			t.records[i].Posts = posts
		}
	}
	t.mu.Unlock()
}

func (t *Tracker) setIllusts(id int, illusts []int) {
	t.mu.Lock()
	for i := range t.records {
		if t.records[i].ID == id {
			t.records[i].Illusts = illusts
		}
	}
	t.mu.Unlock()
}

// pruneIfEmpty removes a completed record that produced no posts.
func (t *Tracker) pruneIfEmpty(id int) {
	t.mu.Lock()
	kept := t.records[:0]
	for _, rec := range t.records {
		if rec.ID == id && rec.Status == model.UploadComplete && len(rec.Posts) == 0 {
			continue
		}
		kept = append(kept, rec)
	}
	t.records = kept
	t.mu.Unlock()
}

func activeRecords(records []model.UploadRecord) []model.UploadRecord {
	out := make([]model.UploadRecord, 0, len(records))
	for _, rec := range records {
		if rec.Status.Active() {
			out = append(out, rec)
		}
	}
	return out
}

func shortlinks(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("post #%d", id)
	}
	return strings.Join(parts, ", ")
}
