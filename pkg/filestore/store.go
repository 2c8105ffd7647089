// Package filestore resolves configured file stores (local directories and
// SFTP targets) and commits staged uploads to them with rollback on
// failure.
package filestore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/errors"
)

// Store is one destination for committed upload files.
type Store interface {
	Name() string
	Optional() bool
	Exists(ctx context.Context, relPath string) (bool, error)
	Write(ctx context.Context, relPath string, content io.Reader) error
	Delete(ctx context.Context, relPath string) error
	Open(ctx context.Context, relPath string) (io.ReadCloser, error)
}

// Pool resolves store names against the configured local and SFTP pools.
type Pool struct {
	cfg config.FileManagement
}

// NewPool creates a pool over the file_management configuration.
func NewPool(cfg config.FileManagement) *Pool {
	return &Pool{cfg: cfg}
}

// Resolve returns the stores for a comma-separated name list. SFTP stores
// sharing (host, port, username, password) are grouped onto one connection.
// The returned closer releases every connection; callers must invoke it on
// every exit path.
func (p *Pool) Resolve(names string) ([]Store, func(), error) {
	var stores []Store
	groups := map[string]*sftpConn{}

	closeAll := func() {
		for _, g := range groups {
			g.close()
		}
	}

	for _, raw := range strings.Split(names, ",") {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}

		if local, ok := p.cfg.LocalStores[name]; ok {
			stores = append(stores, newLocalStore(name, local))
			continue
		}

		if remote, ok := p.cfg.SFTPStores[name]; ok {
			key := fmt.Sprintf("%s:%d:%s:%s", remote.Host, remote.Port, remote.Username, remote.Password)
			conn, ok := groups[key]
			if !ok {
				conn = newSFTPConn(remote)
				groups[key] = conn
			}
			stores = append(stores, newSFTPStore(name, remote, conn))
			continue
		}

		closeAll()
		return nil, nil, errors.NewConfigError("unknown file store "+name, nil)
	}

	if len(stores) == 0 {
		closeAll()
		return nil, nil, errors.NewConfigError("no file stores configured", nil)
	}

	return stores, closeAll, nil
}

// Lookup returns a single store by name without grouping, for file
// responses that read from a declared store.
func (p *Pool) Lookup(name string) (Store, func(), error) {
	stores, closer, err := p.Resolve(name)
	if err != nil {
		return nil, nil, err
	}
	return stores[0], closer, nil
}
