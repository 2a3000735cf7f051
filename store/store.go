package store

import "context"

// Store is the persistence boundary of the engine. Values are opaque
// byte payloads grouped by prefix: /workflow/, /execution/, /plan/,
// /step/<runID>/ and /memory/<runID>/ are the prefixes in use.
type Store interface {
	Get(ctx context.Context, prefix, key string) ([]byte, error)
	Set(ctx context.Context, prefix, key string, value []byte) error
	/**
	 * Remove a prefix and key
	 * remove an unexists prefix + key would NOT return error
	 */
	Remove(ctx context.Context, prefix, key string) error

	/**
	 * List walks keys under prefix in ascending key order.
	 * returning false from the iterator stops the walk.
	 */
	List(ctx context.Context, prefix string, iterator func(key string) bool) error
}
