package store

import (
	"errors"
	"os"
	"path/filepath"

	"p2pchat/internal/crypto"
	"p2pchat/internal/debuglog"
)

// BlobDir stores each blob as a file named by its hash.
type BlobDir struct {
	dir string
}

func NewBlobDir(dir string) (*BlobDir, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &BlobDir{dir: dir}, nil
}

func (b *BlobDir) path(h crypto.Hash) string {
	s := h.String()
	return filepath.Join(b.dir, s[:2], s)
}

func (b *BlobDir) Put(data []byte) (crypto.Hash, error) {
	h := crypto.HashBytes(data)
	path := b.path(h)
	if _, err := os.Stat(path); err == nil {
		return h, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return h, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return h, err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return h, err
	}
	if err := syncFile(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return h, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return h, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return h, err
	}
	syncDir(path)
	return h, nil
}

// Get returns the blob if present and intact. A corrupt file is reported
// as missing so it can be fetched again.
func (b *BlobDir) Get(h crypto.Hash) ([]byte, bool) {
	data, err := os.ReadFile(b.path(h))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			debuglog.Debugf("blob read %s: %v", h, err)
		}
		return nil, false
	}
	if crypto.HashBytes(data) != h {
		debuglog.Logf("blob %s failed hash check, discarding", h)
		_ = os.Remove(b.path(h))
		return nil, false
	}
	return data, true
}

func (b *BlobDir) Has(h crypto.Hash) bool {
	_, err := os.Stat(b.path(h))
	return err == nil
}
