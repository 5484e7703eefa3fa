package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryDirectory is an in-process Directory. TTLs are ignored.
type MemoryDirectory struct {
	mu       sync.Mutex
	records  map[string]Record
	watchers map[string][]chan []Record
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		records:  make(map[string]Record),
		watchers: make(map[string][]chan []Record),
	}
}

func memKey(category, namespace string) string { return category + "/" + namespace }

func (d *MemoryDirectory) Announce(ctx context.Context, rec Record, ttl int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[memKey(rec.Category, rec.Namespace)] = rec
	d.notify(rec.Category)
	return nil
}

func (d *MemoryDirectory) Withdraw(ctx context.Context, category, namespace string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, memKey(category, namespace))
	d.notify(category)
	return nil
}

func (d *MemoryDirectory) Lookup(ctx context.Context, category, namespace string) (Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[memKey(category, namespace)]
	if !ok {
		return Record{}, fmt.Errorf("%s/%s: %w", category, namespace, ErrNotFound)
	}
	return rec, nil
}

func (d *MemoryDirectory) List(ctx context.Context, category string) ([]Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.list(category), nil
}

func (d *MemoryDirectory) list(category string) []Record {
	out := make([]Record, 0)
	for _, rec := range d.records {
		if category == "" || rec.Category == category {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out
}

func (d *MemoryDirectory) Watch(ctx context.Context, category string) <-chan []Record {
	ch := make(chan []Record, 1)
	d.mu.Lock()
	d.watchers[category] = append(d.watchers[category], ch)
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		defer d.mu.Unlock()
		ws := d.watchers[category]
		for i, w := range ws {
			if w == ch {
				d.watchers[category] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify keeps only the latest list in each watcher's buffer. Caller holds d.mu.
func (d *MemoryDirectory) notify(category string) {
	for _, c := range []string{category, ""} {
		records := d.list(c)
		for _, ch := range d.watchers[c] {
			select {
			case <-ch:
			default:
			}
			ch <- records
		}
	}
}
