package registry

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sightline/sightline/pkg/types"
)

// ErrInvalidReport is returned by Submit when the key is empty or the metric
// is negative, NaN or infinite.
var ErrInvalidReport = errors.New("invalid report")

// Clock returns the current time. Callers pass now explicitly to every
// registry operation; Clock is the type they hold to produce it.
type Clock func() time.Time

// Record is one tracked session and its best-known metadata.
type Record struct {
	Key         string
	Label       string
	Metric      float64
	Occupancy   string
	Payload     map[string]any
	FirstSeen   time.Time
	LastSeen    time.Time
	AcceptCount int
}

// clone returns a copy that shares nothing mutable with r.
func (r *Record) clone() Record {
	out := *r
	out.Payload = maps.Clone(r.Payload)
	return out
}

// Category returns payload["category"] when it is a string.
func (r Record) Category() string {
	s, _ := r.Payload["category"].(string)
	return s
}

// SubmitResult reports what Submit did with a report.
type SubmitResult struct {
	Accepted bool
	IsNew    bool

	// Record is a copy of the record as applied. When the capacity pass
	// that follows a new key evicts that same record, Accepted and IsNew
	// are false and Record is what was briefly stored.
	Record Record
}

// Filter narrows a Snapshot. Zero values disable each criterion.
type Filter struct {
	// Label is a case-insensitive substring match on Record.Label.
	Label string

	// Category is a case-insensitive exact match on payload["category"].
	Category string

	// MinMetric excludes records whose metric is below it.
	MinMetric float64

	// Limit caps the number of records returned.
	Limit int
}

// Config holds the registry bounds.
type Config struct {
	// TTL is how long a record stays live after its last accepted report.
	// Zero disables expiry.
	TTL time.Duration

	// Capacity is the maximum number of records retained. Zero disables the
	// bound.
	Capacity int

	// RefreshOnDuplicate makes a non-accepted report for an existing key
	// refresh LastSeen (and so the TTL clock) without touching the metric.
	RefreshOnDuplicate bool
}

// Registry is a thread-safe in-memory record store keyed by job id.
type Registry struct {
	mu       sync.RWMutex
	data     map[string]*Record
	ttl      time.Duration
	capacity int
	refresh  bool
}

// New creates a Registry with the given bounds.
func New(cfg Config) *Registry {
	return &Registry{
		data:     make(map[string]*Record),
		ttl:      cfg.TTL,
		capacity: cfg.Capacity,
		refresh:  cfg.RefreshOnDuplicate,
	}
}

// TTL returns the configured record lifetime.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Capacity returns the configured maximum record count.
func (r *Registry) Capacity() int { return r.capacity }

// SetRefreshOnDuplicate switches the duplicate-refresh policy at runtime.
func (r *Registry) SetRefreshOnDuplicate(on bool) {
	r.mu.Lock()
	r.refresh = on
	r.mu.Unlock()
}

// Submit validates rep and applies it at time now.
//
// A report for an unknown (or expired) key creates a record. A report for a
// live key replaces it only if rep.Metric is strictly greater than the stored
// metric; equal metrics keep the first report. Submit also enforces the
// capacity bound, since a new key may push the store over it.
func (r *Registry) Submit(rep types.Report, now time.Time) (SubmitResult, error) {
	key := strings.TrimSpace(rep.Key)
	if key == "" {
		return SubmitResult{}, fmt.Errorf("%w: key is required", ErrInvalidReport)
	}
	if math.IsNaN(rep.Metric) || math.IsInf(rep.Metric, 0) || rep.Metric < 0 {
		return SubmitResult{}, fmt.Errorf("%w: metric must be a finite non-negative number", ErrInvalidReport)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.data[key]
	if ok && r.expired(existing, now) {
		delete(r.data, key)
		ok = false
	}

	if !ok {
		rec := &Record{
			Key:         key,
			Label:       rep.Label,
			Metric:      rep.Metric,
			Occupancy:   rep.Occupancy,
			Payload:     maps.Clone(rep.Payload),
			FirstSeen:   now,
			LastSeen:    now,
			AcceptCount: 1,
		}
		r.data[key] = rec
		res := SubmitResult{Accepted: true, IsNew: true, Record: rec.clone()}
		r.enforceCapacity(r.capacity)
		if r.data[key] != rec {
			// Older than everything else stored, so it was evicted at once.
			res.Accepted, res.IsNew = false, false
		}
		return res, nil
	}

	if rep.Metric <= existing.Metric {
		if r.refresh && now.After(existing.LastSeen) {
			updated := *existing
			updated.LastSeen = now
			r.data[key] = &updated
			existing = &updated
		}
		return SubmitResult{Record: existing.clone()}, nil
	}

	// Swap in a new value so a reader holding the old pointer never sees a
	// half-written record.
	updated := &Record{
		Key:         key,
		Label:       rep.Label,
		Metric:      rep.Metric,
		Occupancy:   rep.Occupancy,
		Payload:     maps.Clone(rep.Payload),
		FirstSeen:   existing.FirstSeen,
		LastSeen:    now,
		AcceptCount: existing.AcceptCount + 1,
	}
	r.data[key] = updated
	return SubmitResult{Accepted: true, Record: updated.clone()}, nil
}

// Get returns the live record for key. An expired record is reported as not
// found and removed.
func (r *Registry) Get(key string, now time.Time) (Record, bool) {
	r.mu.RLock()
	rec, ok := r.data[key]
	if ok && !r.expired(rec, now) {
		out := rec.clone()
		r.mu.RUnlock()
		return out, true
	}
	r.mu.RUnlock()

	if ok {
		r.mu.Lock()
		// Re-check: a concurrent Submit may have replaced it.
		if cur, still := r.data[key]; still && r.expired(cur, now) {
			delete(r.data, key)
		}
		r.mu.Unlock()
	}
	return Record{}, false
}

// Snapshot returns the live records matching f, ordered by metric
// descending, then LastSeen descending, then key ascending. It never mutates
// the store.
func (r *Registry) Snapshot(now time.Time, f Filter) []Record {
	label := strings.ToLower(f.Label)

	r.mu.RLock()
	out := make([]Record, 0, len(r.data))
	for _, rec := range r.data {
		if r.expired(rec, now) {
			continue
		}
		if rec.Metric < f.MinMetric {
			continue
		}
		if label != "" && !strings.Contains(strings.ToLower(rec.Label), label) {
			continue
		}
		if f.Category != "" && !strings.EqualFold(rec.Category(), f.Category) {
			continue
		}
		out = append(out, rec.clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		if c := cmp.Compare(b.Metric, a.Metric); c != 0 {
			return c
		}
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// EvictExpired removes every record whose age exceeds the TTL and returns the
// number removed.
func (r *Registry) EvictExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, rec := range r.data {
		if r.expired(rec, now) {
			delete(r.data, key)
			removed++
		}
	}
	return removed
}

// EnforceCapacity removes the oldest records (by LastSeen, then key) until at
// most maxSize remain, and returns the number removed. maxSize <= 0 is a
// no-op.
func (r *Registry) EnforceCapacity(maxSize int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enforceCapacity(maxSize)
}

// enforceCapacity must be called with r.mu held for writing.
func (r *Registry) enforceCapacity(maxSize int) int {
	if maxSize <= 0 || len(r.data) <= maxSize {
		return 0
	}

	recs := make([]*Record, 0, len(r.data))
	for _, rec := range r.data {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b *Record) int {
		if c := a.LastSeen.Compare(b.LastSeen); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})

	excess := len(recs) - maxSize
	for _, rec := range recs[:excess] {
		delete(r.data, rec.Key)
	}
	return excess
}

// Remove deletes the record for key. It reports whether a record was present.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.data[key]
	delete(r.data, key)
	return ok
}

// Len returns the number of records held, including expired ones not yet
// swept.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// expired must be called with r.mu held.
func (r *Registry) expired(rec *Record, now time.Time) bool {
	return r.ttl > 0 && now.Sub(rec.LastSeen) > r.ttl
}
