package engine

import (
	"context"
	"net/url"
	"reflect"
	"testing"

	"boorusync/internal/bus"
	"boorusync/internal/config"
	"boorusync/internal/model"
	"boorusync/internal/notice"
	"boorusync/internal/pclient"
	"boorusync/internal/storage"
)

type fakeClient struct {
	uploadErr error
	uploadNil bool
	uploadID  int
	searches  []url.Values
	results   []model.RemoteRecord
	uploads   []model.UploadStatusResult
}

func (f *fakeClient) GetRecords(ctx context.Context, entity model.EntityType, ids []int) ([]model.RemoteRecord, error) {
	return nil, nil
}

func (f *fakeClient) SearchRecords(ctx context.Context, entity model.EntityType, filter url.Values) ([]model.RemoteRecord, error) {
	f.searches = append(f.searches, filter)
	return f.results, nil
}

func (f *fakeClient) CreateUpload(ctx context.Context, requestURL string, imageURLs []string, force bool) (*model.UploadStatusResult, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	if f.uploadNil {
		return nil, nil
	}
	return &model.UploadStatusResult{ID: f.uploadID, Status: model.UploadPending}, nil
}

func (f *fakeClient) GetUploads(ctx context.Context, ids []int) ([]model.UploadStatusResult, error) {
	return f.uploads, nil
}

func (f *fakeClient) CreatePoolElement(ctx context.Context, poolID int, postID, illustID *int) (*model.PoolReference, error) {
	return nil, nil
}

func (f *fakeClient) GetPools(ctx context.Context, limit int) ([]model.PoolReference, error) {
	return nil, nil
}

func newPair(t *testing.T) (*Engine, *Engine, *fakeClient, *notice.Recorder, *storage.DB) {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	client := &fakeClient{uploadID: 7}
	rec := &notice.Recorder{}
	hub := bus.NewHub()
	cfg := config.Default()
	a := New(cfg, db, client, hub, rec)
	b := New(cfg, db, client, hub, rec)
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)
	return a, b, client, rec, db
}

func TestUploadTracksAndBroadcasts(t *testing.T) {
	a, b, _, _, _ := newPair(t)
	ctx := context.Background()
	item := model.TimelineItem{Key: "111", Account: "artist1", AccountID: "998"}

	rec, err := a.Upload(ctx, item, false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != 7 || rec.Status != model.UploadPending || rec.PoolID != nil {
		t.Fatalf("record = %+v", rec)
	}
	if !reflect.DeepEqual(a.Cache.Local("111", model.EntityUpload), []int{7}) {
		t.Fatalf("upload association = %v", a.Cache.Local("111", model.EntityUpload))
	}

	// The sibling's tracker converges through the broadcast alone.
	got := b.Tracker.Records()
	if len(got) != 1 || got[0].ID != 7 || got[0].ItemKey != "111" {
		t.Fatalf("sibling records = %+v", got)
	}
}

func TestUploadTagsCurrentPool(t *testing.T) {
	a, _, _, _, _ := newPair(t)
	ctx := context.Background()
	if err := a.Pool.Select(ctx, &model.PoolReference{ID: 5, Name: "faves"}); err != nil {
		t.Fatal(err)
	}
	rec, err := a.Upload(ctx, model.TimelineItem{Key: "111", Account: "artist1"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.PoolID == nil || *rec.PoolID != 5 {
		t.Fatalf("pool id = %v", rec.PoolID)
	}
}

func TestDuplicateUploadTriggersExistingQueries(t *testing.T) {
	a, _, client, rec, _ := newPair(t)
	ctx := context.Background()
	client.uploadErr = &pclient.APIError{Message: "Upload already exists for this URL"}

	_, err := a.Upload(ctx, model.TimelineItem{Key: "111", Account: "artist1", AccountID: "998"}, false)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(client.searches) != 4 {
		t.Fatalf("searches = %d", len(client.searches))
	}
	notices, _ := rec.All()
	if len(notices) != 1 {
		t.Fatalf("notices = %v", notices)
	}
	if got := a.Tracker.Records(); len(got) != 0 {
		t.Fatalf("records = %+v", got)
	}
}

func TestUploadWithoutItemIsRejected(t *testing.T) {
	a, _, client, rec, _ := newPair(t)
	ctx := context.Background()
	// The server may answer {"error":false,"item":null}; that must surface as
	// an error, not a crash.
	client.uploadNil = true

	record, err := a.Upload(ctx, model.TimelineItem{Key: "111", Account: "artist1"}, false)
	if err == nil || record != nil {
		t.Fatalf("record=%+v err=%v", record, err)
	}
	if got := a.Tracker.Records(); len(got) != 0 {
		t.Fatalf("records = %+v", got)
	}
	if _, errs := rec.All(); len(errs) != 1 {
		t.Fatalf("error notices = %v", errs)
	}
}

func TestAssociationBroadcastReachesSibling(t *testing.T) {
	a, b, client, _, _ := newPair(t)
	ctx := context.Background()
	client.uploadErr = &pclient.APIError{Message: "Upload already exists for this URL"}
	client.results = []model.RemoteRecord{{ID: 31, Data: map[string]any{"id": float64(31)}}}
	_, _ = a.Upload(ctx, model.TimelineItem{Key: "111", Account: "artist1"}, false)

	// queryExisting broadcast associations for every entity type; the sibling
	// mirror holds them without having queried anything itself.
	for _, entity := range model.AllEntityTypes {
		if got := b.Cache.Local("111", entity); !reflect.DeepEqual(got, []int{31}) {
			t.Fatalf("sibling %s association = %v", entity, got)
		}
	}
}

func TestPoolBroadcastInvalidatesSibling(t *testing.T) {
	a, b, _, _, _ := newPair(t)
	ctx := context.Background()
	if err := a.Pool.Select(ctx, &model.PoolReference{ID: 5, Name: "faves"}); err != nil {
		t.Fatal(err)
	}
	// The sibling reloads from storage on its next read.
	current, err := b.Pool.Current(ctx)
	if err != nil || current == nil || current.ID != 5 {
		t.Fatalf("sibling current = %+v err=%v", current, err)
	}
}

func TestToggleMenuPersists(t *testing.T) {
	a, _, _, _, db := newPair(t)
	ctx := context.Background()

	enabled, err := a.ToggleMenu(ctx, "prebooru")
	if err != nil || enabled {
		t.Fatalf("toggle = %v err=%v", enabled, err)
	}
	raw, err := db.Get(ctx, storage.DatabaseLocal, "prebooru-menu")
	if err != nil || string(raw) != "false" {
		t.Fatalf("stored flag = %s err=%v", raw, err)
	}
	enabled, err = a.ToggleMenu(ctx, "prebooru")
	if err != nil || !enabled {
		t.Fatalf("second toggle = %v err=%v", enabled, err)
	}
}

func TestVisibilityGate(t *testing.T) {
	a, _, _, _, _ := newPair(t)
	if !a.Visible() {
		t.Fatal("new engine should start visible")
	}
	a.SetVisible(false)
	if a.Visible() {
		t.Fatal("gate did not flip")
	}
}
