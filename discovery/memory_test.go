package discovery

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryAnnounceLookup(t *testing.T) {
	d := NewMemoryDirectory()
	ctx := context.Background()

	rec := Record{Category: "custom", Namespace: "demo", Path: "/tmp/net.hjxinxi.custom.demo", PID: 42}
	if err := d.Announce(ctx, rec, 10); err != nil {
		t.Fatal(err)
	}
	got, err := d.Lookup(ctx, "custom", "demo")
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != rec.Path || got.PID != 42 {
		t.Fatalf("unexpected record %+v", got)
	}

	d.Announce(ctx, Record{Category: "custom", Namespace: "alpha"}, 10)
	d.Announce(ctx, Record{Category: "core", Namespace: "other"}, 10)
	list, _ := d.List(ctx, "custom")
	if len(list) != 2 || list[0].Namespace != "alpha" {
		t.Fatalf("unexpected list %+v", list)
	}
	if all, _ := d.List(ctx, ""); len(all) != 3 {
		t.Fatalf("expect every category, got %+v", all)
	}

	d.Withdraw(ctx, "custom", "demo")
	if _, err := d.Lookup(ctx, "custom", "demo"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expect not found, got %v", err)
	}
}

func TestMemoryWatch(t *testing.T) {
	d := NewMemoryDirectory()
	ctx, cancel := context.WithCancel(context.Background())
	ch := d.Watch(ctx, "cache")

	d.Announce(context.Background(), Record{Category: "cache", Namespace: "a"}, 10)
	d.Announce(context.Background(), Record{Category: "cache", Namespace: "b"}, 10)

	select {
	case records := <-ch:
		// 只保留最新的列表
		if len(records) != 2 {
			t.Fatalf("expect latest list with 2 records, got %d", len(records))
		}
	case <-time.After(time.Second):
		t.Fatal("no watch event")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expect channel closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
