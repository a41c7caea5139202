package shipper

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sightline/sightline/pkg/types"
	"github.com/sightline/sightline/reporter/internal/config"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0

	// ReportPath is appended to the configured server URL.
	ReportPath = "/api/v1/report"

	drainPoll = 20 * time.Millisecond
)

// Shipper buffers reports and POSTs them to the registry server.
// Ship() is non-blocking; when the buffer is full the oldest report is evicted.
// Run() must be called in a goroutine to drain the buffer and handle retries.
type Shipper struct {
	cfg      config.ReporterConfig
	endpoint string
	buf      chan types.Report
	client   *http.Client

	// pending counts reports that are buffered or in flight.
	pending atomic.Int64
}

// submitResponse mirrors the server's 200 body.
type submitResponse struct {
	Accepted  bool   `json:"accepted"`
	IsNew     bool   `json:"is_new"`
	RequestID string `json:"request_id"`
}

// sendError describes a failed POST.
type sendError struct {
	status     int // 0 for transport errors
	retryAfter time.Duration
	err        error
}

func (e *sendError) Error() string {
	if e.status == 0 {
		return e.err.Error()
	}
	return fmt.Sprintf("server returned %d: %v", e.status, e.err)
}

func (e *sendError) Unwrap() error { return e.err }

// New creates a Shipper using the given reporter config.
func New(cfg config.ReporterConfig) (*Shipper, error) {
	transport, err := newTransport(cfg.TLS)
	if err != nil {
		return nil, err
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = config.DefaultBufferSize
	}
	return &Shipper{
		cfg:      cfg,
		endpoint: cfg.ServerURL + ReportPath,
		buf:      make(chan types.Report, size),
		client:   &http.Client{Transport: transport},
	}, nil
}

// Ship enqueues rep for delivery.
// If the buffer is full the oldest entry is evicted to make room.
func (s *Shipper) Ship(rep types.Report) {
	s.pending.Add(1)
	select {
	case s.buf <- rep:
	default:
		// Buffer full: drop the oldest report, keep the newest.
		select {
		case old := <-s.buf:
			s.pending.Add(-1)
			slog.Warn("shipper: buffer full, evicted oldest report",
				"key", old.Key, "buffer_cap", cap(s.buf))
		default:
		}
		s.buf <- rep
	}
}

// Pending returns the number of reports buffered or in flight.
func (s *Shipper) Pending() int {
	return int(s.pending.Load())
}

// Wait blocks until every shipped report has been delivered or discarded,
// or ctx is done.
func (s *Shipper) Wait(ctx context.Context) error {
	t := time.NewTicker(drainPoll)
	defer t.Stop()
	for {
		if s.pending.Load() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Run drains the buffer, sending reports to the server.
// Transient failures put the report back and wait: the server's Retry-After
// when it gave one, otherwise an exponential backoff.
// Run blocks until ctx is cancelled.
func (s *Shipper) Run(ctx context.Context) {
	bo := newBackoff()

	for {
		select {
		case <-ctx.Done():
			return

		case rep := <-s.buf:
			err := s.send(ctx, rep)
			if err == nil {
				s.pending.Add(-1)
				bo.reset()
				continue
			}
			if ctx.Err() != nil {
				s.requeue(rep)
				return
			}

			var se *sendError
			if errors.As(err, &se) && isPermanent(se.status) {
				s.pending.Add(-1)
				slog.Error("shipper: permanent send error, discarding report",
					"key", rep.Key, "status", se.status, "err", err)
				continue
			}

			s.requeue(rep)
			wait := bo.next()
			if se != nil && se.retryAfter > 0 {
				wait = se.retryAfter
			}
			slog.Warn("shipper: send failed, will retry",
				"endpoint", s.endpoint,
				"key", rep.Key,
				"err", err,
				"retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

// requeue puts rep back at the tail of the buffer, or drops it when newer
// reports have filled the buffer in the meantime.
func (s *Shipper) requeue(rep types.Report) {
	select {
	case s.buf <- rep:
	default:
		s.pending.Add(-1)
		slog.Warn("shipper: buffer full, dropped report after failed send", "key", rep.Key)
	}
}

// send POSTs one report. A 200 is success whether or not the server kept the
// report; superseded reports are expected when several reporters see the same
// session.
func (s *Shipper) send(ctx context.Context, rep types.Report) error {
	body, err := json.Marshal(rep)
	if err != nil {
		// Payload values came from JSON, so this does not happen in practice.
		return &sendError{status: http.StatusBadRequest, err: err}
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return &sendError{status: http.StatusBadRequest, err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sightline-reporter")
	if s.cfg.SourceID != "" && s.cfg.SourceHeader != "" {
		req.Header.Set(s.cfg.SourceHeader, s.cfg.SourceID)
	}
	switch s.cfg.Auth.Mode {
	case "apikey":
		req.Header.Set(s.cfg.Auth.EffectiveHeader(), s.cfg.Auth.Key())
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+s.cfg.Auth.Token())
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &sendError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &sendError{
			status:     resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			err:        errors.New(string(bytes.TrimSpace(msg))),
		}
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		slog.Warn("shipper: undecodable response", "key", rep.Key, "err", err)
		return nil
	}
	if out.Accepted {
		slog.Debug("shipper: report accepted",
			"key", rep.Key, "is_new", out.IsNew, "request_id", out.RequestID)
	} else {
		slog.Debug("shipper: report superseded", "key", rep.Key, "request_id", out.RequestID)
	}
	return nil
}

// isPermanent returns true for statuses that mean the report itself will
// never be accepted and should not be retried.
func isPermanent(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return false
	}
	return status >= 400 && status < 500
}

// parseRetryAfter reads a delay-seconds Retry-After value. HTTP dates are
// not sent by the registry and yield 0.
func parseRetryAfter(v string) time.Duration {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// newTransport builds the HTTP transport with the optional CA bundle and
// verification override from cfg.
func newTransport(cfg config.TLSConfig) (*http.Transport, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.InsecureSkipVerify && cfg.CAFile == "" {
		return t, nil
	}

	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for internal CAs
	}
	if cfg.CAFile != "" {
		caPEM, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("shipper: read ca file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("shipper: no valid certs in ca file %q", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	t.TLSClientConfig = tlsCfg
	return t, nil
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// Apply ±25 % jitter.
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.current = backoffInitial
}
