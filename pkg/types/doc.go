// Package types defines the sighting report shared by the reporter and the
// server. Report is the canonical in-memory form; DecodeReport also accepts the
// loose field names older scanners send (jobId, objectName, eps, players).
package types
