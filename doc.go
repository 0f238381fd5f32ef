// Package timeline implements the persistence contract of an event sourcing
// system. A Store durably appends opaque event and snapshot payloads for
// independently keyed entities, addresses them by caller-assigned numeric
// ids, and answers point and summary queries.
//
// Every Store implementation, in memory or durable, promises the same things:
//   - Event ids for one key are contiguous from zero, with no gaps
//   - Rewriting an id with an identical payload is a no-op success
//   - Rewriting an id with a different payload fails with ErrConflict
//   - A successful write is immediately visible to every later read
//   - Writes to one EntityKey never affect another
//
// The storetest package turns these promises into an executable conformance
// suite. The redis, bolt, sqlite and postgres packages provide durable
// backends, and MemoryStore is the in-process reference implementation.
package timeline
