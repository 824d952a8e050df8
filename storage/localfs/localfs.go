// Package localfs stores evidence objects as read-only files under a
// directory, sharded by the first two characters of their CID.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage"
)

// CAS is a filesystem evidence store. Every read is checked against the
// CID it was requested by.
type CAS struct {
	root string
}

var _ storage.CAS = (*CAS)(nil)

// New opens the store rooted at root, creating the directory if needed.
func New(root string) (*CAS, error) {
	if root == "" {
		return nil, errors.New("localfs: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("localfs: %w", err)
	}
	return &CAS{root: root}, nil
}

// Root returns the directory objects live under.
func (c *CAS) Root() string { return c.root }

func (c *CAS) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	id, err := storage.Sum(data)
	if err != nil {
		return cid.Undef, err
	}

	path := c.pathFor(id)
	switch existing, err := os.ReadFile(path); {
	case err == nil:
		if storage.Check(id, existing) != nil {
			return cid.Undef, storage.ErrImmutable
		}
		return id, nil
	case !errors.Is(err, fs.ErrNotExist):
		return cid.Undef, fmt.Errorf("localfs: %w", err)
	}

	if err := writeReadOnly(path, data); err != nil {
		return cid.Undef, fmt.Errorf("localfs: put %s: %w", id, err)
	}
	return id, nil
}

// writeReadOnly places data at path through a temporary file in the same
// shard, so readers never see a partial object. Concurrent writers of one
// CID carry the same bytes and either rename wins.
func writeReadOnly(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if err == nil {
		err = tmp.Chmod(0o444)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(name, path)
	}
	if err != nil {
		_ = os.Remove(name)
	}
	return err
}

func (c *CAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(c.pathFor(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("localfs: get %s: %w", id, err)
	}
	if err := storage.Check(id, data); err != nil {
		return nil, fmt.Errorf("localfs: get %s: %w", id, err)
	}
	return data, nil
}

func (c *CAS) Has(ctx context.Context, id cid.Cid) (bool, error) {
	if !id.Defined() {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(c.pathFor(id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("localfs: has %s: %w", id, err)
	}
}

func (c *CAS) pathFor(id cid.Cid) string {
	s := id.String()
	return filepath.Join(c.root, s[:2], s)
}
