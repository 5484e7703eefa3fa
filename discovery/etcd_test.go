package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

// 需要本地 etcd（127.0.0.1:2379），连不上就跳过
func newTestEtcd(t *testing.T) *EtcdDirectory {
	d, err := NewEtcdDirectory([]string{"127.0.0.1:2379"}, time.Second, "/uds-rpc-test/", zap.NewNop())
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := d.client.Get(ctx, "/uds-rpc-test/"); err != nil {
		d.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestEtcdAnnounceAndLookup(t *testing.T) {
	d := newTestEtcd(t)
	ctx := context.Background()

	rec1 := Record{Category: "custom", Namespace: "n1", Path: "/tmp/net.hjxinxi.custom.n1", PID: 1}
	rec2 := Record{Category: "custom", Namespace: "n2", Path: "/tmp/net.hjxinxi.custom.n2", PID: 2}
	if err := d.Announce(ctx, rec1, 10); err != nil {
		t.Fatal(err)
	}
	if err := d.Announce(ctx, rec2, 10); err != nil {
		t.Fatal(err)
	}

	records, err := d.List(ctx, "custom")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expect 2 records, got %d", len(records))
	}

	if err := d.Withdraw(ctx, "custom", "n1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	if _, err := d.Lookup(ctx, "custom", "n1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expect not found after withdraw, got %v", err)
	}
	got, err := d.Lookup(ctx, "custom", "n2")
	if err != nil || got.Path != rec2.Path {
		t.Fatalf("unexpected %+v %v", got, err)
	}

	d.Withdraw(ctx, "custom", "n2")
}

func TestEtcdWatch(t *testing.T) {
	d := newTestEtcd(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := d.Watch(ctx, "office")
	time.Sleep(100 * time.Millisecond)
	d.Announce(context.Background(), Record{Category: "office", Namespace: "w"}, 10)
	defer d.Withdraw(context.Background(), "office", "w")

	select {
	case records := <-ch:
		if len(records) != 1 || records[0].Namespace != "w" {
			t.Fatalf("unexpected watch list %+v", records)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no watch event")
	}
}
