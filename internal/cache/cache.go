// Package cache maintains the association between timeline items and the
// server record ids discovered for them, write-through to durable storage
// via the request coalescer.
package cache

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"sync"

	"boorusync/internal/coalesce"
	"boorusync/internal/model"
	"boorusync/internal/pclient"
	"boorusync/internal/storage"
)

// Poster posts broadcast messages to sibling instances.
type Poster interface {
	Post(msg model.Message)
}

// Cache serves the remote association mapping. The in-memory mirror is a
// read accelerator; durable state lives behind the coalescer.
type Cache struct {
	queue  *coalesce.Queue
	client pclient.Client

	mu   sync.Mutex
	data map[model.TimelineItemKey]map[model.EntityType][]int

	// onUpdate is invoked after a remote query refreshes an association,
	// letting the tracker sync ids into its matching upload record.
	onUpdate func(key model.TimelineItemKey, entity model.EntityType, ids []int)
	poster   Poster
}

func New(queue *coalesce.Queue, client pclient.Client) *Cache {
	return &Cache{
		queue:  queue,
		client: client,
		data:   make(map[model.TimelineItemKey]map[model.EntityType][]int),
	}
}

// SetUpdateHook registers the tracker callback fired on remote query results.
func (c *Cache) SetUpdateHook(fn func(key model.TimelineItemKey, entity model.EntityType, ids []int)) {
	c.onUpdate = fn
}

// SetPoster registers the broadcast connection for association updates.
func (c *Cache) SetPoster(p Poster) { c.poster = p }

// Get returns the cached ids for (key, entity), reading through the
// coalescer on a memory miss.
func (c *Cache) Get(ctx context.Context, key model.TimelineItemKey, entity model.EntityType) ([]int, error) {
	if ids, ok := c.local(key, entity); ok {
		return ids, nil
	}
	raw, err := c.queue.Enqueue(coalesce.TypeGet, entity.StorageKey(string(key)), nil, storage.DatabasePrebooru).Wait(ctx)
	if err != nil {
		return nil, err
	}
	var ids []int
	if raw != nil {
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, err
		}
	}
	c.merge(key, entity, ids, true)
	return ids, nil
}

// Set stores ids for (key, entity). With override=false the new ids are
// unioned with the existing association; the merged set is returned. The
// write goes through the coalescer after invalidating prior cached reads.
func (c *Cache) Set(ctx context.Context, key model.TimelineItemKey, entity model.EntityType, ids []int, override bool) []int {
	merged := c.merge(key, entity, ids, override)
	c.saveAssociation(entity.StorageKey(string(key)), merged)
	return merged
}

// QueryRemote searches the server with an entity-specific filter, persists
// the resulting ids under the primary key and every alias key, refreshes the
// in-memory mirror and any matching upload record, and returns the full
// records for display. Cached state is untouched on error.
func (c *Cache) QueryRemote(ctx context.Context, key model.TimelineItemKey, entity model.EntityType, filter url.Values, aliasKeys []string) ([]model.RemoteRecord, error) {
	records, err := c.client.SearchRecords(ctx, entity, filter)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	idents := aliasKeys
	if len(idents) == 0 {
		idents = []string{string(key)}
	}
	for _, ident := range idents {
		c.saveAssociation(entity.StorageKey(ident), ids)
	}
	c.merge(key, entity, ids, true)
	if c.onUpdate != nil {
		c.onUpdate(key, entity, ids)
	}
	if c.poster != nil {
		c.poster.Post(model.AssociationMessage{ItemKey: key, Entity: entity, IDs: ids, Idents: idents})
	}
	return records, nil
}

// ApplyBroadcast merges an association update received from a sibling
// instance into the in-memory mirror only. The sender already persisted it;
// applying must not trigger storage or network traffic, nor a re-broadcast.
func (c *Cache) ApplyBroadcast(msg model.AssociationMessage) {
	c.merge(msg.ItemKey, msg.Entity, msg.IDs, true)
	for _, ident := range msg.Idents {
		c.queue.Invalidate(msg.Entity.StorageKey(ident), storage.DatabasePrebooru)
	}
}

// Invalidate drops cached reads for (key, entity) so the next Get hits
// storage again.
func (c *Cache) Invalidate(key model.TimelineItemKey, entity model.EntityType) {
	c.mu.Lock()
	if m, ok := c.data[key]; ok {
		delete(m, entity)
	}
	c.mu.Unlock()
	c.queue.Invalidate(entity.StorageKey(string(key)), storage.DatabasePrebooru)
}

// Local returns the in-memory association without touching storage.
func (c *Cache) Local(key model.TimelineItemKey, entity model.EntityType) []int {
	ids, _ := c.local(key, entity)
	return ids
}

func (c *Cache) local(key model.TimelineItemKey, entity model.EntityType) ([]int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.data[key]
	if !ok {
		return nil, false
	}
	ids, ok := m[entity]
	if !ok {
		return nil, false
	}
	return append([]int(nil), ids...), true
}

func (c *Cache) merge(key model.TimelineItemKey, entity model.EntityType, ids []int, override bool) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.data[key]
	if !ok {
		m = make(map[model.EntityType][]int)
		c.data[key] = m
	}
	if override {
		m[entity] = model.UnionIDs(ids, nil)
	} else {
		m[entity] = model.UnionIDs(m[entity], ids)
	}
	return append([]int(nil), m[entity]...)
}

func (c *Cache) saveAssociation(storageKey string, ids []int) {
	c.queue.Invalidate(storageKey, storage.DatabasePrebooru)
	c.queue.Enqueue(coalesce.TypeSave, storageKey, ids, storage.DatabasePrebooru)
}

// Filter builders for the server's nested search parameters. Site id 3 is
// the server's identifier for the timeline host.

// UploadsFilter matches upload jobs created from a timeline item's URL.
func UploadsFilter(key model.TimelineItemKey) url.Values {
	v := url.Values{}
	v.Set("search[request_url_like]", "https://twitter.com/*/status/"+string(key))
	return v
}

// PostsFilter matches posts through their illustration URL join.
func PostsFilter(key model.TimelineItemKey, siteID int) url.Values {
	v := url.Values{}
	v.Set("search[illust_urls][illust][site_illust_id]", string(key))
	v.Set("search[illust_urls][illust][site_id]", strconv.Itoa(siteID))
	return v
}

// IllustsFilter matches illusts by their site-scoped id pair.
func IllustsFilter(key model.TimelineItemKey, siteID int) url.Values {
	v := url.Values{}
	v.Set("search[site_illust_id]", string(key))
	v.Set("search[site_id]", strconv.Itoa(siteID))
	return v
}

// ArtistsFilter matches artists by account handle on the site.
func ArtistsFilter(account string, siteID int) url.Values {
	v := url.Values{}
	v.Set("search[current_site_account]", account)
	v.Set("search[site_id]", strconv.Itoa(siteID))
	return v
}
