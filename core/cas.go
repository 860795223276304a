package core

// cas.go – content-addressed storage. The local backend keeps raw objects
// under {root}/objects/{hh}/{hash} with atomic temp-file + rename writes;
// the unified CAS front combines it with the IPFS daemon so callers only
// ever think in hashes.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"aleph-network/pkg/utils"
)

// ErrObjectNotFound is returned when no backend holds the requested hash.
var ErrObjectNotFound = errors.New("object not found")

// NewLocalStore wires the on-disk object store rooted at dir.
func NewLocalStore(dir string, lg *log.Logger) (*LocalStore, error) {
	root := filepath.Join(dir, "objects")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, utils.Wrap(err, "object store root")
	}
	lg.Infof("cas: local objects under %s", root)
	return &LocalStore{root: root, logger: lg}, nil
}

func (l *LocalStore) objectPath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(l.root, "__", hash)
	}
	return filepath.Join(l.root, hash[:2], hash)
}

// Get returns the object bytes, or ErrObjectNotFound.
func (l *LocalStore) Get(hash string) ([]byte, error) {
	b, err := os.ReadFile(l.objectPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	return b, err
}

// Has reports whether the object exists locally.
func (l *LocalStore) Has(hash string) bool {
	_, err := os.Stat(l.objectPath(hash))
	return err == nil
}

// Size returns the stored object's byte length, or ErrObjectNotFound.
func (l *LocalStore) Size(hash string) (int64, error) {
	info, err := os.Stat(l.objectPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrObjectNotFound
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Put writes data under its SHA-256 and returns the hash. Duplicate puts are
// detected by recomputing the hash and are a cheap no-op. The temp-file +
// rename sequence keeps concurrent writers safe.
func (l *LocalStore) Put(data []byte) (string, error) {
	hash := HashBytes(data)
	path := l.objectPath(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return hash, nil
}

// PutNamed stores data that is addressed by a non-SHA-256 name (an IPFS CID
// mirrored locally). The caller is responsible for having verified the name.
func (l *LocalStore) PutNamed(name string, data []byte) error {
	path := l.objectPath(name)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Delete removes the object. Missing objects are not an error; the GC may
// race a concurrent delete.
func (l *LocalStore) Delete(hash string) error {
	err := os.Remove(l.objectPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

//---------------------------------------------------------------------
// Unified CAS
//---------------------------------------------------------------------

// NewCAS combines the local object store with the IPFS shim. ipfs may be nil
// when the node runs without a daemon; ipfs-addressed content then resolves
// only if mirrored locally.
func NewCAS(local *LocalStore, ipfs *IPFSClient, lg *log.Logger) *CAS {
	return &CAS{local: local, ipfs: ipfs, logger: lg}
}

// Get fetches content by hash: local first, then the IPFS daemon for CIDs.
// Remote hits are mirrored locally so subsequent readers stay local.
func (c *CAS) Get(ctx context.Context, hash string) ([]byte, error) {
	if b, err := c.local.Get(hash); err == nil {
		return b, nil
	} else if !errors.Is(err, ErrObjectNotFound) {
		return nil, err
	}
	if c.ipfs != nil && isCIDv0(hash) {
		b, err := c.ipfs.BlockGet(ctx, hash)
		if err != nil {
			return nil, err
		}
		if err := c.local.PutNamed(hash, b); err != nil {
			c.logger.Warnf("cas: mirror %s: %v", hash, err)
		}
		return b, nil
	}
	return nil, ErrObjectNotFound
}

// Put stores data locally and returns its SHA-256 hex.
func (c *CAS) Put(data []byte) (string, error) {
	return c.local.Put(data)
}

// Pin makes the object durable in the backend owning the hash.
func (c *CAS) Pin(ctx context.Context, hash string, storage ItemType) error {
	if storage == ItemIPFS {
		if c.ipfs == nil {
			return fmt.Errorf("ipfs backend not configured")
		}
		return c.ipfs.PinAdd(ctx, hash)
	}
	if !c.local.Has(hash) {
		return ErrObjectNotFound
	}
	return nil
}

// Unpin releases the object in the backend owning the hash.
func (c *CAS) Unpin(ctx context.Context, hash string, storage ItemType) error {
	if storage == ItemIPFS {
		if c.ipfs == nil {
			return nil
		}
		return c.ipfs.PinRm(ctx, hash)
	}
	return nil
}

// Size reports the object's byte length from the owning backend.
func (c *CAS) Size(ctx context.Context, hash string) (int64, error) {
	if n, err := c.local.Size(hash); err == nil {
		return n, nil
	}
	if c.ipfs != nil && isCIDv0(hash) {
		return c.ipfs.BlockSize(ctx, hash)
	}
	return 0, ErrObjectNotFound
}

// Delete removes the local copy and, for CIDs, unpins on the daemon.
func (c *CAS) Delete(ctx context.Context, hash string, storage ItemType) error {
	if err := c.Unpin(ctx, hash, storage); err != nil {
		c.logger.Warnf("cas: unpin %s: %v", hash, err)
	}
	return c.local.Delete(hash)
}
