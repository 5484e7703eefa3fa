// Package discovery publishes which namespaces are live on this host.
//
// A server announces its Record when it starts and withdraws it when it stops; clients
// may look a namespace up instead of computing its socket path, which also tells them
// early that nobody is serving it.
package discovery

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("namespace not announced")

// Record describes one running server.
type Record struct {
	Category  string   `json:"category"`
	Namespace string   `json:"namespace"`
	Path      string   `json:"path"`
	PID       int      `json:"pid"`
	Methods   []string `json:"methods,omitempty"`
	Signals   []string `json:"signals,omitempty"`
}

type Directory interface {
	Announce(ctx context.Context, rec Record, ttl int64) error
	Withdraw(ctx context.Context, category, namespace string) error
	Lookup(ctx context.Context, category, namespace string) (Record, error)
	// List returns the records of a category, or of all categories when category is "".
	List(ctx context.Context, category string) ([]Record, error)
	// Watch emits the full list of a category whenever it changes, until ctx is done.
	Watch(ctx context.Context, category string) <-chan []Record
}
