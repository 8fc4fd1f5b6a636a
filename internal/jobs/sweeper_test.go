package jobs

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeBlobs struct {
	deleted map[string]bool
	failRef string
}

func (f *fakeBlobs) Delete(ref string) error {
	if ref == f.failRef {
		return context.DeadlineExceeded
	}
	if f.deleted == nil {
		f.deleted = map[string]bool{}
	}
	f.deleted[ref] = true
	return nil
}

func TestSweeperRemovesExpiredArtifacts(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	ctx := context.Background()
	clock := newFakeClock()
	artifacts := NewArtifactStore(rdb)

	expired := clock.Now().Add(-time.Hour)
	live := clock.Now().Add(time.Hour)
	if err := artifacts.Add(ctx, "j1", []FileRef{{BlobRef: "old-1"}, {BlobRef: "old-2"}}, expired); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	if err := artifacts.Add(ctx, "j2", []FileRef{{BlobRef: "fresh"}}, live); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	blobs := &fakeBlobs{}
	sweeper := NewSweeper(artifacts, blobs, nil, time.Minute, clock.Now)

	removed, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce returned error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if !blobs.deleted["old-1"] || !blobs.deleted["old-2"] {
		t.Fatalf("expired blobs not deleted: %#v", blobs.deleted)
	}
	if blobs.deleted["fresh"] {
		t.Fatal("live artifact must not be swept")
	}

	record, err := artifacts.Get(ctx, "old-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record != nil {
		t.Fatal("swept artifact record must be removed")
	}
	if record, _ := artifacts.Get(ctx, "fresh"); record == nil {
		t.Fatal("live artifact record must survive")
	}
}

func TestSweeperKeepsRecordWhenBlobDeleteFails(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	ctx := context.Background()
	clock := newFakeClock()
	artifacts := NewArtifactStore(rdb)

	expired := clock.Now().Add(-time.Hour)
	if err := artifacts.Add(ctx, "j1", []FileRef{{BlobRef: "stuck"}}, expired); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	sweeper := NewSweeper(artifacts, &fakeBlobs{failRef: "stuck"}, nil, time.Minute, clock.Now)
	removed, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce returned error: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
	// レコードが残っているので次回の掃除で再試行される
	if record, _ := artifacts.Get(ctx, "stuck"); record == nil {
		t.Fatal("record must survive a failed blob delete")
	}
}
