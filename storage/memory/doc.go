// Package memory provides an in-memory implementation of storage.StateStore.
//
// States live in a map guarded by a sync.RWMutex; a background goroutine
// removes expired entries. It is suitable for development, testing and
// single-instance deployments. Multi-instance deployments should use
// storage/valkey or storage/redis so the callback can land on any replica.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
package memory
