package cache

import (
	"context"
	"sort"
	"strings"
	"sync"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps partitions in process memory. Entries never expire; a
// partition only goes away through DeletePartition.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string]*gocache.Cache
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{partitions: make(map[string]*gocache.Cache)}
}

func (m *MemoryStore) partition(name string, create bool) *gocache.Cache {
	m.mu.RLock()
	c, ok := m.partitions[name]
	m.mu.RUnlock()
	if ok || !create {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.partitions[name]; ok {
		return c
	}
	c = gocache.New(gocache.NoExpiration, 0)
	m.partitions[name] = c
	return c
}

func (m *MemoryStore) Get(_ context.Context, partition, key string) (Object, error) {
	if err := validate(partition, key); err != nil {
		return Object{}, err
	}
	c := m.partition(partition, false)
	if c == nil {
		return Object{}, ErrNotFound
	}
	v, ok := c.Get(key)
	if !ok {
		return Object{}, ErrNotFound
	}
	return v.(Object).Clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, partition, key string, obj Object) error {
	if err := validate(partition, key); err != nil {
		return err
	}
	m.partition(partition, true).Set(key, obj.stored(), gocache.NoExpiration)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, partition, key string) error {
	if err := validate(partition, key); err != nil {
		return err
	}
	if c := m.partition(partition, false); c != nil {
		c.Delete(key)
	}
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, partition string) ([]string, error) {
	c := m.partition(partition, false)
	if c == nil {
		return nil, nil
	}
	items := c.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Partitions(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.partitions))
	for name := range m.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) DeletePartition(_ context.Context, partition string) error {
	if strings.TrimSpace(partition) == "" {
		return ErrEmptyPartition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.partitions, partition)
	return nil
}
