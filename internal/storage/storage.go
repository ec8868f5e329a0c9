// Package storage keeps serialized snapshots and exported profiles as
// blobs addressed by key.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/vm-profiler/pkg/config"
)

// ErrNotExist is returned by Get for a missing key.
var ErrNotExist = errors.New("artifact does not exist")

// Storage is a flat blob namespace. Keys use "/" separated segments.
type Storage interface {
	// Put stores the content of reader under key, replacing any previous blob.
	Put(ctx context.Context, key string, reader io.Reader) error

	// Get opens the blob at key. A missing key yields an error wrapping ErrNotExist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the blob at key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// URL returns where the blob at key can be fetched from.
	URL(key string) string
}

// backend checks and opens one kind of storage.
type backend struct {
	validate func(cfg *config.StorageConfig) error
	open     func(cfg *config.StorageConfig) (Storage, error)
}

var backends = map[string]backend{
	"local": {
		validate: func(cfg *config.StorageConfig) error {
			if cfg.LocalPath == "" {
				return errors.New("local storage path is required")
			}
			return nil
		},
		open: func(cfg *config.StorageConfig) (Storage, error) {
			return NewLocalStorage(cfg.LocalPath)
		},
	},
	"cos": {
		validate: func(cfg *config.StorageConfig) error {
			return cosConfig(cfg).validate()
		},
		open: func(cfg *config.StorageConfig) (Storage, error) {
			return NewCOSStorage(cosConfig(cfg))
		},
	},
}

// backendFor resolves the configured backend, local when unset.
func backendFor(cfg *config.StorageConfig) (backend, error) {
	if cfg == nil {
		return backend{}, errors.New("storage config is nil")
	}
	kind := strings.ToLower(cfg.Type)
	if kind == "" {
		kind = "local"
	}
	b, ok := backends[kind]
	if !ok {
		return backend{}, fmt.Errorf("unsupported storage type %q (want one of %s)", cfg.Type, strings.Join(Types(), ", "))
	}
	return b, nil
}

// Types lists the supported storage types.
func Types() []string {
	types := make([]string, 0, len(backends))
	for t := range backends {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ValidateConfig checks cfg without opening the storage.
func ValidateConfig(cfg *config.StorageConfig) error {
	b, err := backendFor(cfg)
	if err != nil {
		return err
	}
	return b.validate(cfg)
}

// NewStorage opens the storage cfg describes.
func NewStorage(cfg *config.StorageConfig) (Storage, error) {
	b, err := backendFor(cfg)
	if err != nil {
		return nil, err
	}
	if err := b.validate(cfg); err != nil {
		return nil, err
	}
	return b.open(cfg)
}
