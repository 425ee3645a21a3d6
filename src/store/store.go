// Package store keeps small pieces of pipeline state, such as pending derivation samples
// and group snapshots, so they survive a restart when a persistent store is configured.
package store

type Store interface {
	/*
	 *	key - unique name of the state, e.g. "calc/<meter>/<output>"
	 *	v - json serializable value
	 */
	Save(key string, v any) error

	/*
	 *	Load decodes the value saved under key into v.
	 *	found is false when nothing was saved yet.
	 */
	Load(key string, v any) (found bool, err error)

	Close() error
}

const (
	MemoryStore       = "memory_store"
	CachedPebbleStore = "cached_pebble_store"
)
