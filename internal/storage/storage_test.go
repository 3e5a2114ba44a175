package storage

import (
	"context"
	"testing"
)

func TestSaveGetRemove(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	if err := db.Save(ctx, DatabasePrebooru, "posts-1", []int{1, 2}); err != nil {
		t.Fatal(err)
	}
	raw, err := db.Get(ctx, DatabasePrebooru, "posts-1")
	if err != nil || string(raw) != "[1,2]" {
		t.Fatalf("get = %s err=%v", raw, err)
	}
	// Same key in a different logical database is independent.
	raw, err = db.Get(ctx, DatabaseLocal, "posts-1")
	if err != nil || raw != nil {
		t.Fatalf("cross-database get = %s err=%v", raw, err)
	}
	if err := db.Remove(ctx, DatabasePrebooru, "posts-1"); err != nil {
		t.Fatal(err)
	}
	raw, err = db.Get(ctx, DatabasePrebooru, "posts-1")
	if err != nil || raw != nil {
		t.Fatalf("get after remove = %s err=%v", raw, err)
	}
	// Removing an absent key is not an error.
	if err := db.Remove(ctx, DatabasePrebooru, "posts-1"); err != nil {
		t.Fatal(err)
	}
}

func TestBatchOps(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	err = db.BatchSave(ctx, DatabasePrebooru, map[string]any{
		"illusts-1": []int{10},
		"illusts-2": []int{20},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := db.BatchGet(ctx, DatabasePrebooru, []string{"illusts-1", "illusts-2", "illusts-3"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("batch get = %v", got)
	}
	if _, ok := got["illusts-3"]; ok {
		t.Fatal("absent key should be missing from batch get")
	}

	checks, err := db.BatchCheck(ctx, DatabasePrebooru, []string{"illusts-1", "illusts-3"})
	if err != nil {
		t.Fatal(err)
	}
	if !checks["illusts-1"] || checks["illusts-3"] {
		t.Fatalf("batch check = %v", checks)
	}

	if err := db.BatchRemove(ctx, DatabasePrebooru, []string{"illusts-1", "illusts-2"}); err != nil {
		t.Fatal(err)
	}
	ok, err := db.Check(ctx, DatabasePrebooru, "illusts-1")
	if err != nil || ok {
		t.Fatalf("check after remove = %v err=%v", ok, err)
	}
}

func TestSaveOverwrites(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	if err := db.Save(ctx, DatabaseLocal, "uploads-uid", "a"); err != nil {
		t.Fatal(err)
	}
	if err := db.Save(ctx, DatabaseLocal, "uploads-uid", "b"); err != nil {
		t.Fatal(err)
	}
	raw, err := db.Get(ctx, DatabaseLocal, "uploads-uid")
	if err != nil || string(raw) != `"b"` {
		t.Fatalf("get = %s err=%v", raw, err)
	}
}
