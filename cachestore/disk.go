package cachestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DiskTier stores one file per key under a directory. File names are the hex
// SHA-256 of the key, so arbitrary locators map to safe names.
type DiskTier struct {
	dir string
}

var _ Tier = (*DiskTier)(nil)

// NewDiskTier creates dir if needed.
func NewDiskTier(dir string) (*DiskTier, error) {
	if dir == "" {
		return nil, errors.New("cachestore: empty cache dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cachestore: create cache dir: %w", err)
	}
	return &DiskTier{dir: dir}, nil
}

// Path returns the file that holds key's record.
func (d *DiskTier) Path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(d.dir, hex.EncodeToString(sum[:])+".bin")
}

func (d *DiskTier) Load(_ context.Context, key string) ([]byte, bool, error) {
	b, err := os.ReadFile(d.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Store writes to a temp file in the same directory and renames it over the
// destination.
func (d *DiskTier) Store(_ context.Context, key string, b []byte) error {
	f, err := os.CreateTemp(d.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, d.Path(key)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (d *DiskTier) Delete(_ context.Context, key string) error {
	err := os.Remove(d.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (d *DiskTier) Close(context.Context) error { return nil }
