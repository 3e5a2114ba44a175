package pool

import (
	"context"
	"errors"
	"net/url"
	"reflect"
	"testing"
	"time"

	"boorusync/internal/cache"
	"boorusync/internal/coalesce"
	"boorusync/internal/model"
	"boorusync/internal/notice"
	"boorusync/internal/storage"
	"boorusync/internal/tracker"
)

type fakeClient struct {
	searches []url.Values
	results  []model.RemoteRecord

	poolErr   error
	pool      *model.PoolReference
	gotPost   *int
	gotIllust *int
	poolCalls int
}

func (f *fakeClient) GetRecords(ctx context.Context, entity model.EntityType, ids []int) ([]model.RemoteRecord, error) {
	return nil, nil
}

func (f *fakeClient) SearchRecords(ctx context.Context, entity model.EntityType, filter url.Values) ([]model.RemoteRecord, error) {
	f.searches = append(f.searches, filter)
	return f.results, nil
}

func (f *fakeClient) CreateUpload(ctx context.Context, requestURL string, imageURLs []string, force bool) (*model.UploadStatusResult, error) {
	return nil, nil
}

func (f *fakeClient) GetUploads(ctx context.Context, ids []int) ([]model.UploadStatusResult, error) {
	return nil, nil
}

func (f *fakeClient) CreatePoolElement(ctx context.Context, poolID int, postID, illustID *int) (*model.PoolReference, error) {
	f.poolCalls++
	f.gotPost = postID
	f.gotIllust = illustID
	if f.poolErr != nil {
		return nil, f.poolErr
	}
	return f.pool, nil
}

func (f *fakeClient) GetPools(ctx context.Context, limit int) ([]model.PoolReference, error) {
	return nil, nil
}

type fixture struct {
	engine  *Engine
	tracker *tracker.Tracker
	cache   *cache.Cache
	client  *fakeClient
	rec     *notice.Recorder
	db      *storage.DB
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	client := &fakeClient{}
	c := cache.New(coalesce.New(db), client)
	rec := &notice.Recorder{}
	tr := tracker.New(db, c, client, rec, 3)
	c.SetUpdateHook(tr.SyncAssociations)
	e := New(db, tr, c, client, rec, 3)
	now := time.Now()
	e.SetClock(func() time.Time { return now })
	return &fixture{engine: e, tracker: tr, cache: c, client: client, rec: rec, db: db, now: now}
}

func (f *fixture) selectPool(t *testing.T, id int) {
	t.Helper()
	ref := &model.PoolReference{ID: id, Name: "faves", ElementCount: 0}
	if err := f.engine.Select(context.Background(), ref); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) addRecord(t *testing.T, rec model.UploadRecord) {
	t.Helper()
	if err := f.tracker.Append(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
}

func completeRecord(id int, key model.TimelineItemKey, poolID int, posts, illusts []int, expires time.Time) model.UploadRecord {
	return model.UploadRecord{
		ID:      id,
		Status:  model.UploadComplete,
		ItemKey: key,
		Account: "artist1",
		Illusts: illusts,
		Posts:   posts,
		PoolID:  &poolID,
		Expires: expires,
	}
}

func TestRunNoSelectionIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.addRecord(t, completeRecord(7, "111", 5, []int{101}, []int{55}, f.now))
	if err := f.engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.client.poolCalls != 0 {
		t.Fatalf("pool calls = %d", f.client.poolCalls)
	}
	if got := f.tracker.Records(); len(got) != 1 {
		t.Fatalf("records = %+v", got)
	}
}

func TestRunAssignsSinglePostByPostID(t *testing.T) {
	f := newFixture(t)
	f.selectPool(t, 5)
	f.client.pool = &model.PoolReference{ID: 5, Name: "faves", ElementCount: 1}
	f.addRecord(t, completeRecord(7, "111", 5, []int{101}, []int{55}, f.now))

	if err := f.engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.client.poolCalls != 1 {
		t.Fatalf("pool calls = %d", f.client.poolCalls)
	}
	if f.client.gotPost == nil || *f.client.gotPost != 101 || f.client.gotIllust != nil {
		t.Fatalf("post=%v illust=%v", f.client.gotPost, f.client.gotIllust)
	}
	if got := f.tracker.Records(); len(got) != 0 {
		t.Fatalf("assigned record not pruned: %+v", got)
	}
	// The refreshed element count lands on the stored current pool.
	current, err := f.engine.Current(context.Background())
	if err != nil || current == nil || current.ElementCount != 1 {
		t.Fatalf("current = %+v err=%v", current, err)
	}
}

func TestRunAssignsMultiPostByIllustID(t *testing.T) {
	f := newFixture(t)
	f.selectPool(t, 5)
	f.client.pool = &model.PoolReference{ID: 5, Name: "faves", ElementCount: 1}
	f.addRecord(t, completeRecord(7, "111", 5, []int{101, 102}, []int{55}, f.now))

	if err := f.engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.client.gotIllust == nil || *f.client.gotIllust != 55 || f.client.gotPost != nil {
		t.Fatalf("post=%v illust=%v", f.client.gotPost, f.client.gotIllust)
	}
}

func TestRunRecordsFailedAdd(t *testing.T) {
	f := newFixture(t)
	f.selectPool(t, 5)
	f.client.poolErr = errors.New("pool is closed")
	f.addRecord(t, completeRecord(7, "111", 5, []int{101}, []int{55}, f.now))

	if err := f.engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	keys, err := f.engine.FailedAdds(context.Background())
	if err != nil || !reflect.DeepEqual(keys, []model.TimelineItemKey{"111"}) {
		t.Fatalf("failed adds = %v err=%v", keys, err)
	}
	// Failure still finishes the record; assignment is attempted once.
	if got := f.tracker.Records(); len(got) != 0 {
		t.Fatalf("records = %+v", got)
	}
	if _, errs := f.rec.All(); len(errs) != 1 {
		t.Fatalf("error notices = %v", errs)
	}
}

func TestRunDropsNullPoolRecords(t *testing.T) {
	f := newFixture(t)
	f.selectPool(t, 5)
	rec := completeRecord(7, "111", 5, []int{101}, []int{55}, f.now)
	rec.PoolID = nil
	f.addRecord(t, rec)

	if err := f.engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.client.poolCalls != 0 {
		t.Fatalf("pool calls = %d", f.client.poolCalls)
	}
	if got := f.tracker.Records(); len(got) != 0 {
		t.Fatalf("records = %+v", got)
	}
}

func TestRunResolvesAssociationsFromCache(t *testing.T) {
	f := newFixture(t)
	f.selectPool(t, 5)
	f.client.pool = &model.PoolReference{ID: 5, Name: "faves", ElementCount: 1}
	f.addRecord(t, completeRecord(7, "111", 5, nil, nil, f.now))
	ctx := context.Background()
	f.cache.Set(ctx, "111", model.EntityPost, []int{101}, true)
	f.cache.Set(ctx, "111", model.EntityIllust, []int{55}, true)

	// First pass fills the record from the cache; second pass assigns it.
	if err := f.engine.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if f.client.poolCalls != 0 {
		t.Fatalf("assigned before associations resolved")
	}
	if err := f.engine.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if f.client.poolCalls != 1 {
		t.Fatalf("pool calls = %d", f.client.poolCalls)
	}
}

func TestRunFiresIllustLookupOnce(t *testing.T) {
	f := newFixture(t)
	f.selectPool(t, 5)
	f.addRecord(t, completeRecord(7, "111", 5, nil, nil, f.now))
	ctx := context.Background()

	if err := f.engine.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.client.searches) != 1 {
		t.Fatalf("searches = %d", len(f.client.searches))
	}
	if got := f.client.searches[0].Get("search[site_illust_id]"); got != "111" {
		t.Fatalf("filter = %v", f.client.searches[0])
	}
}

func TestRunDropsLookupMarkersWithRecords(t *testing.T) {
	f := newFixture(t)
	f.selectPool(t, 5)
	f.client.pool = &model.PoolReference{ID: 5, Name: "faves", ElementCount: 1}
	f.addRecord(t, completeRecord(7, "111", 5, nil, nil, f.now))
	ctx := context.Background()

	// Deferred record gets a one-shot lookup marker.
	if err := f.engine.Run(ctx); err != nil {
		t.Fatal(err)
	}
	f.engine.mu.Lock()
	marked := f.engine.attempted[7]
	f.engine.mu.Unlock()
	if !marked {
		t.Fatal("lookup marker not set")
	}

	// Once the record resolves and is pruned, its marker goes with it.
	f.cache.Set(ctx, "111", model.EntityPost, []int{101}, true)
	f.cache.Set(ctx, "111", model.EntityIllust, []int{55}, true)
	if err := f.engine.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Run(ctx); err != nil {
		t.Fatal(err)
	}
	f.engine.mu.Lock()
	remaining := len(f.engine.attempted)
	f.engine.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("attempted markers left: %d", remaining)
	}
}

func TestRunLeavesStaleRecordsAlone(t *testing.T) {
	f := newFixture(t)
	f.selectPool(t, 5)
	f.addRecord(t, completeRecord(7, "111", 5, nil, nil, f.now.Add(-StalenessWindow-time.Second)))
	ctx := context.Background()

	if err := f.engine.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.client.searches) != 0 || f.client.poolCalls != 0 {
		t.Fatalf("stale record touched: searches=%d pools=%d", len(f.client.searches), f.client.poolCalls)
	}
	if got := f.tracker.Records(); len(got) != 1 {
		t.Fatalf("records = %+v", got)
	}
}

func TestSelectSwapsCurrentAndPrior(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.selectPool(t, 5)
	f.selectPool(t, 6)

	current, err := f.engine.Current(ctx)
	if err != nil || current == nil || current.ID != 6 {
		t.Fatalf("current = %+v err=%v", current, err)
	}
	prior, err := f.engine.Prior(ctx)
	if err != nil || prior == nil || prior.ID != 5 {
		t.Fatalf("prior = %+v err=%v", prior, err)
	}

	// Selections survive a reload from storage.
	f.engine.InvalidateLocal()
	current, err = f.engine.Current(ctx)
	if err != nil || current == nil || current.ID != 6 {
		t.Fatalf("reloaded current = %+v err=%v", current, err)
	}

	if err := f.engine.Select(ctx, nil); err != nil {
		t.Fatal(err)
	}
	current, err = f.engine.Current(ctx)
	if err != nil || current != nil {
		t.Fatalf("cleared current = %+v err=%v", current, err)
	}
	prior, err = f.engine.Prior(ctx)
	if err != nil || prior == nil || prior.ID != 6 {
		t.Fatalf("prior after clear = %+v err=%v", prior, err)
	}
}
