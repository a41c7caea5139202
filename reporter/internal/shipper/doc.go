// Package shipper sends sighting reports to the registry server as JSON
// POSTs to {server_url}/api/v1/report.
//
// Shipper.Ship() is non-blocking: reports are placed in an in-memory channel
// (default capacity 100). When the buffer is full the oldest entry is evicted
// so the latest sightings are always preserved.
//
// Shipper.Run() drains the buffer in a loop. On a transport error, a 5xx or a
// 429 the report goes back into the buffer and Run waits: the server's
// Retry-After when present, otherwise truncated exponential backoff
// (1s→60s, ±25% jitter). Other 4xx responses discard the report immediately.
// A 200 with accepted=false (a better report is already stored) counts as
// delivered.
//
// Auth: API key header or bearer token from the environment. The configured
// source_id travels in source_header so the server's per-source cooldown keys
// on the reporter, not its address.
//
// Wait(ctx) blocks until nothing is buffered or in flight, for draining on
// shutdown.
package shipper
