// Package engine wires the synchronization pipeline together: one context
// struct constructed at startup owns the storage queue, association cache,
// upload tracker, pool assignment engine, and the broadcast connection.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync/atomic"
	"time"

	"boorusync/internal/bus"
	"boorusync/internal/cache"
	"boorusync/internal/coalesce"
	"boorusync/internal/config"
	"boorusync/internal/logging"
	"boorusync/internal/model"
	"boorusync/internal/notice"
	"boorusync/internal/pclient"
	"boorusync/internal/pool"
	"boorusync/internal/storage"
	"boorusync/internal/tracker"

	"golang.org/x/sync/errgroup"
)

const (
	prebooruMenuKey = "prebooru-menu"
	linkMenuKey     = "linkmenu-menu"
)

// Engine is the per-instance synchronization context.
type Engine struct {
	cfg      config.Config
	db       *storage.DB
	queue    *coalesce.Queue
	client   pclient.Client
	notifier notice.Notifier
	conn     *bus.Conn

	Cache   *cache.Cache
	Tracker *tracker.Tracker
	Pool    *pool.Engine

	visible atomic.Bool
	now     func() time.Time
}

// New builds an engine on the shared hub. Instances on the same hub and
// database model sibling tabs of one origin.
func New(cfg config.Config, db *storage.DB, client pclient.Client, hub *bus.Hub, notifier notice.Notifier) *Engine {
	queue := coalesce.New(db)
	c := cache.New(queue, client)
	t := tracker.New(db, c, client, notifier, cfg.Server.SiteID)
	p := pool.New(db, t, c, client, notifier, cfg.Server.SiteID)
	e := &Engine{
		cfg:      cfg,
		db:       db,
		queue:    queue,
		client:   client,
		notifier: notifier,
		Cache:    c,
		Tracker:  t,
		Pool:     p,
		now:      time.Now,
	}
	e.conn = hub.Connect(e.dispatch)
	c.SetPoster(e.conn)
	t.SetPoster(e.conn)
	p.SetPoster(e.conn)
	c.SetUpdateHook(t.SyncAssociations)
	e.visible.Store(true)
	return e
}

// Close detaches the engine from the broadcast hub.
func (e *Engine) Close() { e.conn.Close() }

// SetVisible flips the visibility gate; hidden instances skip their
// reconcile and pool passes.
func (e *Engine) SetVisible(v bool) { e.visible.Store(v) }

// Visible reports the visibility gate.
func (e *Engine) Visible() bool { return e.visible.Load() }

// dispatch applies a sibling's broadcast to local state. Handlers never
// re-broadcast and never issue network calls for data carried in the
// message itself.
func (e *Engine) dispatch(msg model.Message) {
	switch m := msg.(type) {
	case model.PendingUploadsMessage:
		e.Tracker.ApplyBroadcast(m)
	case model.AssociationMessage:
		e.Cache.ApplyBroadcast(m)
	case model.UIStateMessage:
		e.reloadUIState(m.Scope)
	case model.PoolMessage:
		e.Pool.InvalidateLocal()
	}
}

// Run loads durable state and drives the two periodic tasks until ctx is
// cancelled: the coalescer flush loop and the combined reconcile/pool pass.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Tracker.Load(ctx); err != nil {
		return err
	}
	if err := e.Pool.Load(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.queue.Run(ctx) })
	g.Go(func() error { return e.syncLoop(ctx) })
	return g.Wait()
}

func (e *Engine) syncLoop(ctx context.Context) error {
	interval := time.Duration(e.cfg.Poll.ReconcileSeconds * float64(time.Second))
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if !e.visible.Load() {
				continue
			}
			e.Pass(ctx)
		}
	}
}

// Pass runs one reconcile pass followed by one pool assignment pass.
// Running them back to back inside a single tick means a slow pass can
// never overlap itself.
func (e *Engine) Pass(ctx context.Context) {
	if err := e.Tracker.Reconcile(ctx); err != nil {
		logging.Error("reconcile_error", map[string]any{"error": err.Error()})
	}
	if err := e.Pool.Run(ctx); err != nil {
		logging.Error("pool_pass_error", map[string]any{"error": err.Error()})
	}
}

// Observe registers a new timeline item: its cached associations are read
// through the coalescer so bursts of new items collapse into batched
// storage fetches.
func (e *Engine) Observe(ctx context.Context, item model.TimelineItem) (map[model.EntityType][]int, error) {
	out := make(map[model.EntityType][]int, len(model.AllEntityTypes))
	for _, entity := range model.AllEntityTypes {
		ids, err := e.Cache.Get(ctx, item.Key, entity)
		if err != nil {
			return nil, err
		}
		out[entity] = ids
	}
	return out, nil
}

// Upload submits a timeline item as a new upload job. On success the new
// job id joins the item's upload association and a pending record enters
// the tracker, tagged with the currently selected pool. The server's
// duplicate-upload rejection triggers the reconciliation query set instead
// of a plain notice.
func (e *Engine) Upload(ctx context.Context, item model.TimelineItem, force bool) (*model.UploadRecord, error) {
	result, err := e.client.CreateUpload(ctx, item.RequestURL(), item.ImageURLs, force)
	if err != nil {
		if pclient.IsDuplicateUpload(err) {
			e.notifier.Notice("Upload already exists; querying existing records.")
			e.queryExisting(ctx, item)
			return nil, err
		}
		e.notifier.Error("Upload failed: " + err.Error())
		return nil, err
	}
	if result == nil {
		// Some server responses carry a null item without an error flag.
		e.notifier.Error("Upload response for tweet " + string(item.Key) + " carried no item.")
		return nil, errors.New("upload response missing item")
	}

	e.Cache.Set(ctx, item.Key, model.EntityUpload, []int{result.ID}, false)

	var poolID *int
	if current, err := e.Pool.Current(ctx); err == nil && current != nil {
		id := current.ID
		poolID = &id
	}
	rec := model.UploadRecord{
		ID:        result.ID,
		Status:    model.UploadPending,
		ItemKey:   item.Key,
		Account:   item.Account,
		AccountID: item.AccountID,
		Illusts:   []int{},
		Posts:     []int{},
		PoolID:    poolID,
		Expires:   e.now(),
	}
	if err := e.Tracker.Append(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// queryExisting runs the four association queries for an item the server
// already knows about.
func (e *Engine) queryExisting(ctx context.Context, item model.TimelineItem) {
	siteID := e.cfg.Server.SiteID
	queries := []struct {
		entity model.EntityType
		filter url.Values
		idents []string
	}{
		{model.EntityUpload, cache.UploadsFilter(item.Key), nil},
		{model.EntityPost, cache.PostsFilter(item.Key, siteID), nil},
		{model.EntityIllust, cache.IllustsFilter(item.Key, siteID), nil},
		{model.EntityArtist, cache.ArtistsFilter(item.Account, siteID), item.Idents()},
	}
	for _, q := range queries {
		if _, err := e.Cache.QueryRemote(ctx, item.Key, q.entity, q.filter, q.idents); err != nil {
			logging.Error("existing_query_error", map[string]any{
				"tweet_id": item.Key, "entity": q.entity, "error": err.Error(),
			})
		}
	}
}

// ToggleMenu flips a durable UI visibility flag and broadcasts the change.
func (e *Engine) ToggleMenu(ctx context.Context, scope string) (bool, error) {
	key := prebooruMenuKey
	if scope == "linkmenu" {
		key = linkMenuKey
	}
	enabled, err := e.menuFlag(ctx, key)
	if err != nil {
		return false, err
	}
	enabled = !enabled
	if err := e.db.Save(ctx, storage.DatabaseLocal, key, enabled); err != nil {
		return false, err
	}
	e.conn.Post(model.UIStateMessage{Scope: scope})
	return enabled, nil
}

func (e *Engine) menuFlag(ctx context.Context, key string) (bool, error) {
	raw, err := e.db.Get(ctx, storage.DatabaseLocal, key)
	if err != nil || raw == nil {
		return true, err
	}
	var enabled bool
	if err := json.Unmarshal(raw, &enabled); err != nil {
		return true, nil
	}
	return enabled, nil
}

// reloadUIState re-reads the durable visibility flags after a sibling's
// toggle. The daemon has no rendering surface, so the refreshed state is
// only logged.
func (e *Engine) reloadUIState(scope string) {
	key := prebooruMenuKey
	if scope == "linkmenu" {
		key = linkMenuKey
	}
	enabled, err := e.menuFlag(context.Background(), key)
	if err != nil {
		logging.Error("ui_state_error", map[string]any{"scope": scope, "error": err.Error()})
		return
	}
	logging.Info("ui_state", map[string]any{"scope": scope, "enabled": enabled})
}
