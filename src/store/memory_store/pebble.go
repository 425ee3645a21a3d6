package memory_store

import (
	"encoding/json"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"

	"example.com/meter-logger/src/errs"
	store_interface "example.com/meter-logger/src/store"
)

// Cached_pebble_store serves reads from memory and writes every value through to a
// pebble db, so the state is there again after a restart.
type Cached_pebble_store struct {
	cache *Memory_store
	db    *pebble.DB
	dir   string

	close_once sync.Once
}

var _ store_interface.Store = (*Cached_pebble_store)(nil)

func NewCachedPebbleStore(dir string) (*Cached_pebble_store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errs.Wrap(errs.Configuration, "memory_store.NewCachedPebbleStore", err)
	}
	logrus.Infof("cached_pebble_store opened %s", dir)

	return &Cached_pebble_store{
		cache: NewMemoryStore(),
		db:    db,
		dir:   dir,
	}, nil
}

func (store *Cached_pebble_store) Save(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.InvalidState, "cached_pebble_store.Save", err)
	}
	store.cache.set(key, b)

	if err := store.db.Set([]byte(key), b, pebble.NoSync); err != nil {
		return errs.Wrap(errs.InvalidState, "cached_pebble_store.Save", err)
	}
	return nil
}

func (store *Cached_pebble_store) Load(key string, v any) (bool, error) {
	if _, ok := store.cache.get(key); !ok {
		b, closer, err := store.db.Get([]byte(key))
		if err == pebble.ErrNotFound {
			return false, nil
		} else if err != nil {
			return false, errs.Wrap(errs.InvalidState, "cached_pebble_store.Load", err)
		}
		store.cache.set(key, append([]byte(nil), b...))
		if err := closer.Close(); err != nil {
			logrus.Errorf("cached_pebble_store load close %s: %+v", key, err)
		}
	}
	return store.cache.Load(key, v)
}

// Close flushes the db to disk.
func (store *Cached_pebble_store) Close() error {
	var err error
	store.close_once.Do(func() {
		if err = store.db.Flush(); err != nil {
			logrus.Errorf("cached_pebble_store flush %s: %+v", store.dir, err)
		}
		if cerr := store.db.Close(); cerr != nil {
			err = errs.Wrap(errs.InvalidState, "cached_pebble_store.Close", cerr)
		}
	})
	return err
}
