package receiver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sightline/sightline/pkg/types"
	"github.com/sightline/sightline/server/internal/admission"
	"github.com/sightline/sightline/server/internal/metrics"
	"github.com/sightline/sightline/server/internal/registry"
)

// ErrRateLimited is returned by Submit when the source is still inside its
// admission cooldown.
var ErrRateLimited = errors.New("rate limited")

// Notifier is told about every accepted submit. It decides on the threshold
// itself and must not block.
type Notifier interface {
	Observe(res registry.SubmitResult) bool
}

// Options tunes the HTTP side of the receiver.
type Options struct {
	// MaxBodyBytes caps the request body; larger bodies get 413.
	MaxBodyBytes int64

	// MaxPerSecond and Burst size the global token bucket shared by all
	// sources. MaxPerSecond <= 0 disables it.
	MaxPerSecond float64
	Burst        int

	// TrustForwarded takes the source id from the first X-Forwarded-For hop.
	TrustForwarded bool

	// SourceHeader names a header carrying a reporter-chosen source id.
	// It wins over the network address when present.
	SourceHeader string
}

// Receiver accepts sighting reports and feeds them to the registry.
type Receiver struct {
	reg      *registry.Registry
	lim      *admission.Limiter
	notifier Notifier

	global         *rate.Limiter
	maxBody        int64
	trustForwarded bool
	sourceHeader   string

	now registry.Clock
}

// SubmitResponse is the JSON body of a successful POST.
type SubmitResponse struct {
	Accepted  bool   `json:"accepted"`
	IsNew     bool   `json:"is_new"`
	RequestID string `json:"request_id"`
}

// New creates a Receiver. n may be nil when notifications are disabled.
func New(reg *registry.Registry, lim *admission.Limiter, n Notifier, opts Options) *Receiver {
	r := &Receiver{
		reg:            reg,
		lim:            lim,
		notifier:       n,
		maxBody:        opts.MaxBodyBytes,
		trustForwarded: opts.TrustForwarded,
		sourceHeader:   opts.SourceHeader,
		now:            time.Now,
	}
	if opts.MaxPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		r.global = rate.NewLimiter(rate.Limit(opts.MaxPerSecond), burst)
	}
	return r
}

// Submit runs one report through admission, the registry and the notifier.
//
// A source that is still cooling down gets an error wrapping ErrRateLimited
// and its report is not looked at. A report that fails validation gets an
// error wrapping registry.ErrInvalidReport. A report that does not beat the
// stored metric is not an error: the result has Accepted false.
func (r *Receiver) Submit(sourceID string, rep types.Report, now time.Time) (registry.SubmitResult, error) {
	if !r.lim.Admit(sourceID, now) {
		metrics.ReportsTotal.WithLabelValues(metrics.OutcomeRateLimited).Inc()
		return registry.SubmitResult{}, fmt.Errorf("%w: source %q", ErrRateLimited, sourceID)
	}

	res, err := r.reg.Submit(rep, now)
	if err != nil {
		metrics.ReportsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return registry.SubmitResult{}, err
	}

	switch {
	case res.IsNew:
		metrics.ReportsTotal.WithLabelValues(metrics.OutcomeNew).Inc()
	case res.Accepted:
		metrics.ReportsTotal.WithLabelValues(metrics.OutcomeUpdated).Inc()
	default:
		metrics.ReportsTotal.WithLabelValues(metrics.OutcomeSuperseded).Inc()
	}

	// The registry lock is released by now.
	if res.Accepted && r.notifier != nil {
		r.notifier.Observe(res)
	}
	return res, nil
}

// ServeHTTP handles POST /api/v1/report (and the legacy POST /report).
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if r.global != nil && !r.global.Allow() {
		metrics.ReportsTotal.WithLabelValues(metrics.OutcomeThrottled).Inc()
		w.Header().Set("Retry-After", "1")
		jsonErr(w, http.StatusTooManyRequests, "server busy")
		return
	}

	body := req.Body
	if r.maxBody > 0 {
		body = http.MaxBytesReader(w, req.Body, r.maxBody)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonErr(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		jsonErr(w, http.StatusBadRequest, "could not read body")
		return
	}

	rep, err := types.DecodeReport(data)
	if err != nil {
		metrics.ReportsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if rep.Key == "" || strings.TrimSpace(rep.Label) == "" {
		metrics.ReportsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		jsonErr(w, http.StatusBadRequest, "jobId and objectName are required")
		return
	}

	now := r.now()
	source := r.sourceID(req)
	res, err := r.Submit(source, rep, now)
	switch {
	case errors.Is(err, ErrRateLimited):
		secs := max(1, int(math.Ceil(r.lim.RetryAfter(source, now).Seconds())))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		jsonErr(w, http.StatusTooManyRequests, "rate limited")
		return
	case errors.Is(err, registry.ErrInvalidReport):
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Error("receiver: submit failed", "source", source, "err", err)
		jsonErr(w, http.StatusInternalServerError, "internal error")
		return
	}

	reqID := uuid.NewString()
	slog.Debug("receiver: report handled",
		"request_id", reqID,
		"source", source,
		"key", res.Record.Key,
		"metric", rep.Metric,
		"accepted", res.Accepted,
		"is_new", res.IsNew,
	)

	jsonResp(w, http.StatusOK, SubmitResponse{
		Accepted:  res.Accepted,
		IsNew:     res.IsNew,
		RequestID: reqID,
	})
}

// sourceID identifies the caller for admission: the configured source
// header if present, else the first X-Forwarded-For hop when the server sits
// behind a trusted proxy, else the remote IP.
func (r *Receiver) sourceID(req *http.Request) string {
	if r.sourceHeader != "" {
		if s := strings.TrimSpace(req.Header.Get(r.sourceHeader)); s != "" {
			return s
		}
	}
	if r.trustForwarded {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if s := strings.TrimSpace(first); s != "" {
				return s
			}
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
