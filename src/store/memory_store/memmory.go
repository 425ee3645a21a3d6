package memory_store

import (
	"encoding/json"
	"sync"

	"example.com/meter-logger/src/errs"
	store_interface "example.com/meter-logger/src/store"
)

// Memory_store holds the encoded values in memory only.
type Memory_store struct {
	values map[string][]byte

	rwmutex sync.RWMutex
}

var _ store_interface.Store = (*Memory_store)(nil)

func NewMemoryStore() *Memory_store {
	return &Memory_store{values: make(map[string][]byte)}
}

func (store *Memory_store) Save(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.InvalidState, "memory_store.Save", err)
	}
	store.set(key, b)
	return nil
}

func (store *Memory_store) set(key string, b []byte) {
	store.rwmutex.Lock()
	store.values[key] = b
	store.rwmutex.Unlock()
}

func (store *Memory_store) get(key string) ([]byte, bool) {
	store.rwmutex.RLock()
	defer store.rwmutex.RUnlock()
	b, ok := store.values[key]
	return b, ok
}

func (store *Memory_store) Load(key string, v any) (bool, error) {
	b, ok := store.get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, errs.Wrap(errs.InvalidState, "memory_store.Load", err)
	}
	return true, nil
}

func (store *Memory_store) Close() error { return nil }
