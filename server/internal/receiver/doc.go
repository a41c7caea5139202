// Package receiver is the ingest endpoint for sighting reports.
//
// Receiver.ServeHTTP accepts POST /api/v1/report (and the legacy /report)
// with a JSON body in the scanner wire format (see types.DecodeReport).
// Before a report reaches the registry it passes, in order:
//
//   - a global token bucket shared by every source (429, outcome "throttled")
//   - a body size cap (413)
//   - decoding and the jobId/objectName presence check (400)
//   - the per-source admission cooldown (429 with Retry-After)
//   - registry validation (400)
//
// The source id is the admission.source_header value when configured and
// present, else the first X-Forwarded-For hop when admission.trust_forwarded
// is set, else the remote IP. A 200 response carries
// {accepted, is_new, request_id}; a report that does not beat the stored
// metric is still a 200 with accepted=false.
//
// Receiver.Submit is the same path without HTTP, used by tests and by
// anything that embeds the registry directly.
package receiver
