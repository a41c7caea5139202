package api

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sightline/sightline/pkg/types"
	"github.com/sightline/sightline/server/internal/admission"
	"github.com/sightline/sightline/server/internal/registry"
)

// Handler is the HTTP handler for the query and admin endpoints.
// It reads from the registry and returns JSON responses.
type Handler struct {
	reg *registry.Registry
	lim *admission.Limiter
	mux *http.ServeMux
	now registry.Clock
}

// New creates a Handler wired to reg and registers all routes. admin wraps
// the mutating routes; pass nil to leave them open. lim may be nil.
func New(reg *registry.Registry, lim *admission.Limiter, admin func(http.Handler) http.Handler) *Handler {
	if admin == nil {
		admin = func(h http.Handler) http.Handler { return h }
	}
	h := &Handler{reg: reg, lim: lim, mux: http.NewServeMux(), now: time.Now}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/servers", h.listServers)
	h.mux.Handle("/api/v1/servers/", h.serverByKey(admin)) // subtree: extracts {key}
	h.mux.HandleFunc("/servers", h.legacyServers)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	now := h.now()
	live := h.reg.Snapshot(now, registry.Filter{})
	resp := HealthResponse{
		Status:      "ok",
		LiveCount:   len(live),
		StoredCount: h.reg.Len(),
		Capacity:    h.reg.Capacity(),
		TTLSeconds:  h.reg.TTL().Seconds(),
		GeneratedAt: now.UTC().Format(time.RFC3339),
	}
	if h.lim != nil {
		resp.Sources = h.lim.Len()
	}
	if len(live) > 0 {
		resp.TopMetric = live[0].Metric
	}
	jsonResp(w, http.StatusOK, resp)
}

// listServers returns GET /api/v1/servers: live records, best first.
func (h *Handler) listServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	f, err := parseFilter(r.URL.Query())
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.now()
	recs := h.reg.Snapshot(now, f)
	out := make([]RecordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toRecordResponse(rec, now))
	}
	jsonResp(w, http.StatusOK, out)
}

// serverByKey serves GET and DELETE on /api/v1/servers/{key}. DELETE goes
// through admin.
func (h *Handler) serverByKey(admin func(http.Handler) http.Handler) http.Handler {
	remove := admin(http.HandlerFunc(h.deleteServer))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFromPath(r.URL.Path)
		if key == "" {
			// Bare /api/v1/servers/ behaves like the list.
			h.listServers(w, r)
			return
		}

		switch r.Method {
		case http.MethodGet:
			h.getServer(w, r, key)
		case http.MethodDelete:
			remove.ServeHTTP(w, r)
		default:
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

// getServer returns one live record. Expired records are not found.
func (h *Handler) getServer(w http.ResponseWriter, _ *http.Request, key string) {
	now := h.now()
	rec, ok := h.reg.Get(key, now)
	if !ok {
		jsonErr(w, http.StatusNotFound, "server not found")
		return
	}
	jsonResp(w, http.StatusOK, toRecordResponse(rec, now))
}

// deleteServer returns DELETE /api/v1/servers/{key}.
func (h *Handler) deleteServer(w http.ResponseWriter, r *http.Request) {
	key := keyFromPath(r.URL.Path)
	if !h.reg.Remove(key) {
		jsonErr(w, http.StatusNotFound, "server not found")
		return
	}
	slog.Info("api: record removed", "key", key)
	w.WriteHeader(http.StatusNoContent)
}

// legacyServers returns GET /servers in the scanner field names.
func (h *Handler) legacyServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	f, err := parseFilter(r.URL.Query())
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	recs := h.reg.Snapshot(h.now(), f)
	out := make([]LegacyRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, LegacyRecord{
			JobID:      rec.Key,
			ObjectName: rec.Label,
			Metric:     rec.Metric,
			Players:    rec.Occupancy,
			Timestamp:  rec.LastSeen.UnixMilli(),
		})
	}
	jsonResp(w, http.StatusOK, out)
}

// BuildSnapshot returns the top records by metric for the live stream.
// top <= 0 returns every live record.
func BuildSnapshot(reg *registry.Registry, now time.Time, top int) SnapshotResponse {
	all := reg.Snapshot(now, registry.Filter{})
	total := len(all)
	if top > 0 && len(all) > top {
		all = all[:top]
	}
	out := make([]RecordResponse, 0, len(all))
	for _, rec := range all {
		out = append(out, toRecordResponse(rec, now))
	}
	return SnapshotResponse{
		Records:     out,
		Total:       total,
		GeneratedAt: now.UTC().Format(time.RFC3339),
	}
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

type queryError string

func (e queryError) Error() string { return string(e) }

// parseFilter reads q, category, min_metric and limit.
func parseFilter(q url.Values) (registry.Filter, error) {
	f := registry.Filter{
		Label:    strings.TrimSpace(q.Get("q")),
		Category: strings.TrimSpace(q.Get("category")),
	}
	if s := q.Get("min_metric"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return f, queryError("min_metric must be a number")
		}
		f.MinMetric = v
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, queryError("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func keyFromPath(p string) string {
	return strings.TrimSpace(strings.TrimPrefix(p, "/api/v1/servers/"))
}

// toRecordResponse maps a registry.Record to its JSON representation.
func toRecordResponse(rec registry.Record, now time.Time) RecordResponse {
	return RecordResponse{
		Key:           rec.Key,
		Label:         rec.Label,
		Metric:        rec.Metric,
		MetricDisplay: types.FormatMetric(rec.Metric),
		Occupancy:     rec.Occupancy,
		Category:      rec.Category(),
		Payload:       rec.Payload,
		FirstSeen:     rec.FirstSeen.UTC().Format(time.RFC3339),
		LastSeen:      rec.LastSeen.UTC().Format(time.RFC3339),
		AgeSeconds:    now.Sub(rec.LastSeen).Seconds(),
		AcceptCount:   rec.AcceptCount,
	}
}
