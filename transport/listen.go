package transport

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"

	"uds-rpc/rpcerr"
)

const probeTimeout = 500 * time.Millisecond

// Listen creates the socket at path. If a live server already answers there it fails with
// rpcerr.ErrNamespaceOccupied; a stale socket file left by a dead process is replaced.
func Listen(path string) (net.Listener, error) {
	if err := probe(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o751); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if ul, ok := l.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(true)
	}
	return l, nil
}

func probe(path string) error {
	c, err := net.DialTimeout("unix", path, probeTimeout)
	if err != nil {
		return nil
	}
	c.Close()
	return fmt.Errorf("%s: %w", path, rpcerr.ErrNamespaceOccupied)
}
