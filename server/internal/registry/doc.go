// Package registry holds the live sighting records. It is a thread-safe,
// in-memory store keyed by job id with TTL expiry, a capacity bound and a
// best-value update policy: a report replaces the stored record only when its
// metric is strictly greater.
//
// Reads (Snapshot, Get) exclude expired records lazily. Physical removal is
// done by EvictExpired and EnforceCapacity, which the sweep package calls on a
// timer. Nothing is persisted; the registry is empty on every start.
package registry
