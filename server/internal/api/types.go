package api

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status      string  `json:"status"`
	LiveCount   int     `json:"live_count"`   // records visible to queries
	StoredCount int     `json:"stored_count"` // includes expired, not yet swept
	Capacity    int     `json:"capacity"`
	TTLSeconds  float64 `json:"ttl_seconds"`
	Sources     int     `json:"sources"` // sources tracked by admission
	TopMetric   float64 `json:"top_metric"`
	GeneratedAt string  `json:"generated_at"` // RFC3339
}

// RecordResponse is one record in GET /api/v1/servers or
// GET /api/v1/servers/{key}.
type RecordResponse struct {
	Key           string         `json:"key"`
	Label         string         `json:"label"`
	Metric        float64        `json:"metric"`
	MetricDisplay string         `json:"metric_display"` // e.g. "1.5M/s"
	Occupancy     string         `json:"occupancy,omitempty"`
	Category      string         `json:"category,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	FirstSeen     string         `json:"first_seen"` // RFC3339
	LastSeen      string         `json:"last_seen"`  // RFC3339
	AgeSeconds    float64        `json:"age_seconds"`
	AcceptCount   int            `json:"accept_count"`
}

// LegacyRecord is the shape served on GET /servers, matching the field
// names the scanners post.
type LegacyRecord struct {
	JobID      string  `json:"jobId"`
	ObjectName string  `json:"objectName"`
	Metric     float64 `json:"eps"`
	Players    string  `json:"players,omitempty"`
	Timestamp  int64   `json:"timestamp"` // unix millis of last acceptance
}

// SnapshotResponse is the payload pushed to stream clients.
type SnapshotResponse struct {
	Records     []RecordResponse `json:"records"`
	Total       int              `json:"total"`        // live records before the top-N cut
	GeneratedAt string           `json:"generated_at"` // RFC3339
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
