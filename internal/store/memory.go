package store

import (
	"context"
	"sort"
	"sync"

	"github.com/example/festivo/internal/observer"
	"github.com/example/festivo/internal/presence/domain"
)

// MemoryStore provides an in-memory keyed store suitable for tests and local
// demos. Change notifications are delivered synchronously on the writer's
// goroutine.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
	versions    map[string]uint64
	listeners   map[string]*observer.Registry[versioned]
}

// versioned is a collection snapshot tagged with the change count it reflects.
type versioned struct {
	version uint64
	records []domain.Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string][]byte),
		versions:    make(map[string]uint64),
		listeners:   make(map[string]*observer.Registry[versioned]),
	}
}

// Put stores value under collection/key and notifies subscribers.
func (m *MemoryStore) Put(_ context.Context, collection, key string, value []byte) error {
	m.mu.Lock()
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string][]byte)
		m.collections[collection] = coll
	}
	coll[key] = append([]byte(nil), value...)
	m.versions[collection]++
	m.mu.Unlock()
	m.notify(collection)
	return nil
}

// Delete removes collection/key. Deleting a missing key is not an error.
func (m *MemoryStore) Delete(_ context.Context, collection, key string) error {
	m.mu.Lock()
	_, existed := m.collections[collection][key]
	delete(m.collections[collection], key)
	if existed {
		m.versions[collection]++
	}
	m.mu.Unlock()
	if existed {
		m.notify(collection)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, collection, key string) (domain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.collections[collection][key]
	if !ok {
		return domain.Record{}, domain.ErrNotFound
	}
	return domain.Record{Key: key, Value: append([]byte(nil), value...)}, nil
}

// SubscribeCollection delivers the current contents immediately and again
// after every change until unsubscribed or ctx is done. Once the returned
// function (or ctx cancellation) has completed, onChange is not called again.
func (m *MemoryStore) SubscribeCollection(ctx context.Context, collection string, onChange func([]domain.Record)) (func(), error) {
	m.mu.Lock()
	reg, ok := m.listeners[collection]
	if !ok {
		reg = &observer.Registry[versioned]{}
		m.listeners[collection] = reg
	}
	m.mu.Unlock()

	sub := &subscription{onChange: onChange}
	unregister := reg.Subscribe(func(v versioned) { sub.deliverVersion(v.version, v.records) })
	unsubscribe := func() {
		unregister()
		sub.close()
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	initial := m.snapshot(collection)
	sub.deliverVersion(initial.version, initial.records)
	return func() {
		stop()
		unsubscribe()
	}, nil
}

func (m *MemoryStore) notify(collection string) {
	m.mu.RLock()
	reg := m.listeners[collection]
	m.mu.RUnlock()
	if reg == nil {
		return
	}
	reg.Publish(m.snapshot(collection))
}

func (m *MemoryStore) snapshot(collection string) versioned {
	m.mu.RLock()
	defer m.mu.RUnlock()
	coll := m.collections[collection]
	records := make([]domain.Record, 0, len(coll))
	for key, value := range coll {
		records = append(records, domain.Record{Key: key, Value: append([]byte(nil), value...)})
	}
	sortRecords(records)
	return versioned{version: m.versions[collection], records: records}
}

func sortRecords(records []domain.Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
}
