// Package memory provides an in-memory implementation of the storage
// interface backed by github.com/jellydator/ttlcache/v3. Expired items are
// rejected on read and swept in the background until Close.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/githound/mcp-auth/storage"
)

// Storage implements the storage.Storage interface using in-memory storage
type Storage struct {
	cache     *ttlcache.Cache[string, *storage.StorageItem]
	closeOnce sync.Once
}

// New creates a new in-memory storage implementation. maxItems bounds the
// number of live entries; zero means unbounded.
func New(maxItems uint64) *Storage {
	opts := []ttlcache.Option[string, *storage.StorageItem]{
		ttlcache.WithDisableTouchOnHit[string, *storage.StorageItem](),
	}
	if maxItems > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *storage.StorageItem](maxItems))
	}
	s := &Storage{cache: ttlcache.New[string, *storage.StorageItem](opts...)}

	go s.cache.Start()

	return s
}

// Get retrieves data for a specific key within the given namespace
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	options := storage.Apply(opts...)
	storageKey := buildKey(options.Namespace, key)

	entry := s.cache.Get(storageKey)
	if entry == nil {
		return nil, nil
	}
	item := entry.Value()
	if item.IsExpired() {
		s.cache.Delete(storageKey)
		return nil, nil
	}
	return item, nil
}

// Set stores data for a specific key within the given namespace
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	if err := options.Validate(); err != nil {
		return err
	}

	now := time.Now()
	item := &storage.StorageItem{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}

	ttl := ttlcache.NoTTL
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
		ttl = *options.TTL
	}

	s.cache.Set(buildKey(options.Namespace, key), item, ttl)
	return nil
}

// Take retrieves and removes a key in one step.
func (s *Storage) Take(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	options := storage.Apply(opts...)
	entry, ok := s.cache.GetAndDelete(buildKey(options.Namespace, key))
	if !ok || entry == nil {
		return nil, nil
	}
	item := entry.Value()
	if item.IsExpired() {
		return nil, nil
	}
	return item, nil
}

// Delete removes data within the given namespace
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	if options.Key != nil {
		s.cache.Delete(buildKey(options.Namespace, *options.Key))
		return nil
	}

	prefix := buildKey(options.Namespace, "")
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Delete(k)
		}
	}
	return nil
}

// Len reports the number of entries, including ones not yet swept.
func (s *Storage) Len() int { return s.cache.Len() }

// Close stops the background sweep and drops all entries.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		s.cache.Stop()
		s.cache.DeleteAll()
	})
	return nil
}

func buildKey(namespace, key string) string {
	if namespace == "" {
		return "global:" + key
	}
	return "ns:" + namespace + ":" + key
}

// Compile-time interface check
var _ storage.Storage = (*Storage)(nil)
