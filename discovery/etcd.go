package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdDirectory keeps records under {prefix}{category}/{namespace}.
//
// Each announcement is bound to a TTL lease kept alive in the background: if the server
// dies without withdrawing, the lease expires and the record disappears by itself.
type EtcdDirectory struct {
	client *clientv3.Client
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, revoked on Withdraw
}

// NewEtcdDirectory connects to the given etcd endpoints.
func NewEtcdDirectory(endpoints []string, dialTimeout time.Duration, prefix string, logger *zap.Logger) (*EtcdDirectory, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.L()
	}
	return &EtcdDirectory{client: c, prefix: prefix, logger: logger, leases: make(map[string]clientv3.LeaseID)}, nil
}

func (d *EtcdDirectory) key(category, namespace string) string {
	return d.categoryPrefix(category) + namespace
}

// categoryPrefix of "" covers every category.
func (d *EtcdDirectory) categoryPrefix(category string) string {
	if category == "" {
		return d.prefix
	}
	return d.prefix + category + "/"
}

// Announce stores rec with a lease of ttl seconds and keeps the lease alive.
func (d *EtcdDirectory) Announce(ctx context.Context, rec Record, ttl int64) error {
	lease, err := d.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	key := d.key(rec.Category, rec.Namespace)
	if _, err = d.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// the keepalive must outlive the announcing request
	ch, err := d.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
		d.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	d.mu.Lock()
	d.leases[key] = lease.ID
	d.mu.Unlock()
	return nil
}

// Withdraw deletes the record and revokes its lease, which also stops the keepalive.
func (d *EtcdDirectory) Withdraw(ctx context.Context, category, namespace string) error {
	key := d.key(category, namespace)
	d.mu.Lock()
	id, ok := d.leases[key]
	delete(d.leases, key)
	d.mu.Unlock()

	if ok {
		_, err := d.client.Revoke(ctx, id)
		return err
	}
	_, err := d.client.Delete(ctx, key)
	return err
}

func (d *EtcdDirectory) Lookup(ctx context.Context, category, namespace string) (Record, error) {
	resp, err := d.client.Get(ctx, d.key(category, namespace))
	if err != nil {
		return Record{}, err
	}
	if len(resp.Kvs) == 0 {
		return Record{}, fmt.Errorf("%s/%s: %w", category, namespace, ErrNotFound)
	}
	var rec Record
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns every record of a category.
func (d *EtcdDirectory) List(ctx context.Context, category string) ([]Record, error) {
	resp, err := d.client.Get(ctx, d.categoryPrefix(category), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec Record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			continue // skip malformed entries
		}
		records = append(records, rec)
	}
	return records, nil
}

// Watch re-lists the category on every change under its prefix.
func (d *EtcdDirectory) Watch(ctx context.Context, category string) <-chan []Record {
	ch := make(chan []Record, 1)
	go func() {
		defer close(ch)
		watchChan := d.client.Watch(ctx, d.categoryPrefix(category), clientv3.WithPrefix())
		for range watchChan {
			records, err := d.List(ctx, category)
			if err != nil {
				d.logger.Warn("directory list failed", zap.String("category", category), zap.Error(err))
				continue
			}
			select {
			case ch <- records:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (d *EtcdDirectory) Close() error {
	return d.client.Close()
}
