// Package storage defines the short-lived OAuth flow state store.
//
// A flow state is written when a sign-in redirect is issued and read back
// exactly once when the provider calls back. The store is keyed by the
// OAuth "state" value itself, so concurrent authorization flows never share
// a slot.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process map with a cleanup goroutine
//   - storage/valkey: Valkey (SET EX + GETDEL)
//   - storage/redis: Redis via go-redis (SET + GETDEL)
package storage
