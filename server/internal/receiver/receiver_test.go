package receiver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sightline/sightline/pkg/types"
	"github.com/sightline/sightline/server/internal/admission"
	"github.com/sightline/sightline/server/internal/registry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a settable registry.Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type captureNotifier struct {
	mu  sync.Mutex
	got []registry.SubmitResult
}

func (c *captureNotifier) Observe(res registry.SubmitResult) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, res)
	return true
}

type fixture struct {
	rcv   *Receiver
	reg   *registry.Registry
	lim   *admission.Limiter
	clock *fakeClock
	notes *captureNotifier
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		reg:   registry.New(registry.Config{TTL: 2 * time.Minute, Capacity: 100}),
		lim:   admission.New(30 * time.Second),
		clock: &fakeClock{now: t0},
		notes: &captureNotifier{},
	}
	opts.TrustForwarded = true
	f.rcv = New(f.reg, f.lim, f.notes, opts)
	f.rcv.now = f.clock.Now
	return f
}

func post(t *testing.T, h http.Handler, source, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/report", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if source != "" {
		req.Header.Set("X-Forwarded-For", source)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeSubmit(t *testing.T, rr *httptest.ResponseRecorder) SubmitResponse {
	t.Helper()
	var resp SubmitResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
	return resp
}

func TestServeHTTP_NewReport(t *testing.T) {
	f := newFixture(t, Options{})

	rr := post(t, f.rcv, "10.0.0.1", `{"jobId":"J1","objectName":"Dragon","eps":1500,"players":"3","maxPlayers":8,"region":"eu"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body: %s)", rr.Code, rr.Body.String())
	}
	resp := decodeSubmit(t, rr)
	if !resp.Accepted || !resp.IsNew {
		t.Errorf("response: got %+v, want accepted new", resp)
	}
	if resp.RequestID == "" {
		t.Error("request_id: missing")
	}

	rec, ok := f.reg.Get("J1", t0)
	if !ok {
		t.Fatal("registry.Get: expected record, got none")
	}
	if rec.Label != "Dragon" || rec.Metric != 1500 || rec.Occupancy != "3/8" {
		t.Errorf("record: got %+v", rec)
	}
	if rec.Payload["region"] != "eu" {
		t.Errorf("payload.region: got %v, want eu", rec.Payload["region"])
	}
}

func TestServeHTTP_Superseded_Returns200NotAccepted(t *testing.T) {
	f := newFixture(t, Options{})
	post(t, f.rcv, "a", `{"jobId":"J1","objectName":"X","metric":10}`)

	rr := post(t, f.rcv, "b", `{"jobId":"J1","objectName":"X","metric":5}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	resp := decodeSubmit(t, rr)
	if resp.Accepted || resp.IsNew {
		t.Errorf("response: got %+v, want not accepted", resp)
	}
	rec, _ := f.reg.Get("J1", t0)
	if rec.Metric != 10 {
		t.Errorf("metric: got %v, want 10", rec.Metric)
	}
}

func TestServeHTTP_MissingFields_400(t *testing.T) {
	f := newFixture(t, Options{})
	cases := map[string]string{
		"no jobId":        `{"objectName":"X","metric":1}`,
		"no objectName":   `{"jobId":"J","metric":1}`,
		"blank jobId":     `{"jobId":"  ","objectName":"X","metric":1}`,
		"not json":        `jobId=J`,
		"metric a string": `{"jobId":"J","objectName":"X","metric":"lots"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := post(t, f.rcv, "src-"+name, body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status: got %d, want 400 (body: %s)", rr.Code, rr.Body.String())
			}
		})
	}
	if f.reg.Len() != 0 {
		t.Errorf("registry.Len: got %d, want 0", f.reg.Len())
	}
}

func TestServeHTTP_NegativeMetric_400(t *testing.T) {
	f := newFixture(t, Options{})
	rr := post(t, f.rcv, "a", `{"jobId":"J","objectName":"X","metric":-1}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rr.Code)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body) //nolint:errcheck
	if !strings.Contains(body["error"], "invalid report") {
		t.Errorf("error: got %q, want it to mention invalid report", body["error"])
	}
}

func TestServeHTTP_Cooldown_429WithRetryAfter(t *testing.T) {
	f := newFixture(t, Options{})

	if rr := post(t, f.rcv, "S", `{"jobId":"J1","objectName":"X","metric":10}`); rr.Code != http.StatusOK {
		t.Fatalf("first: got %d, want 200", rr.Code)
	}

	f.clock.Advance(10 * time.Second)
	rr := post(t, f.rcv, "S", `{"jobId":"J2","objectName":"Y","metric":99}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second: got %d, want 429", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "20" {
		t.Errorf("Retry-After: got %q, want 20", got)
	}
	if _, ok := f.reg.Get("J2", f.clock.Now()); ok {
		t.Error("J2 should not have been stored")
	}

	f.clock.Advance(20 * time.Second)
	if rr := post(t, f.rcv, "S", `{"jobId":"J2","objectName":"Y","metric":99}`); rr.Code != http.StatusOK {
		t.Errorf("after cooldown: got %d, want 200", rr.Code)
	}
}

func TestServeHTTP_BodyTooLarge_413(t *testing.T) {
	f := newFixture(t, Options{MaxBodyBytes: 64})
	big := `{"jobId":"J","objectName":"` + strings.Repeat("x", 200) + `","metric":1}`
	rr := post(t, f.rcv, "a", big)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status: got %d, want 413", rr.Code)
	}
}

func TestServeHTTP_GlobalThrottle_429(t *testing.T) {
	f := newFixture(t, Options{MaxPerSecond: 0.001, Burst: 2})

	codes := make([]int, 3)
	for i := range codes {
		src := string(rune('a' + i))
		codes[i] = post(t, f.rcv, src, `{"jobId":"J`+src+`","objectName":"X","metric":1}`).Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("burst: got %v, want first two 200", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third: got %d, want 429", codes[2])
	}
}

func TestServeHTTP_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, Options{})
	rr := httptest.NewRecorder()
	f.rcv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/report", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rr.Code)
	}
}

func TestServeHTTP_NotifiesOnlyAccepted(t *testing.T) {
	f := newFixture(t, Options{})
	post(t, f.rcv, "a", `{"jobId":"J","objectName":"X","metric":10}`)
	post(t, f.rcv, "b", `{"jobId":"J","objectName":"X","metric":5}`)  // superseded
	post(t, f.rcv, "c", `{"jobId":"J","objectName":"X","metric":20}`) // improved

	if len(f.notes.got) != 2 {
		t.Fatalf("notifications: got %d, want 2", len(f.notes.got))
	}
	if !f.notes.got[0].IsNew || f.notes.got[1].IsNew {
		t.Errorf("notifications: got %+v", f.notes.got)
	}
	if f.notes.got[1].Record.Metric != 20 {
		t.Errorf("second notification metric: got %v, want 20", f.notes.got[1].Record.Metric)
	}
}

func TestSourceID(t *testing.T) {
	r := &Receiver{}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")

	if got := r.sourceID(req); got != "203.0.113.7" {
		t.Errorf("untrusted: got %q, want remote IP", got)
	}
	r.trustForwarded = true
	if got := r.sourceID(req); got != "198.51.100.1" {
		t.Errorf("trusted: got %q, want first forwarded hop", got)
	}

	r.sourceHeader = "X-Source-Id"
	if got := r.sourceID(req); got != "198.51.100.1" {
		t.Errorf("header configured but absent: got %q, want forwarded hop", got)
	}
	req.Header.Set("X-Source-Id", "scanner-7")
	if got := r.sourceID(req); got != "scanner-7" {
		t.Errorf("source header: got %q, want scanner-7", got)
	}
}

// A rate-limited attempt does not reach the registry.
func TestSubmit_RateLimitedSkipsRegistry(t *testing.T) {
	f := newFixture(t, Options{})

	if _, err := f.rcv.Submit("S", types.Report{Key: "K1", Label: "a", Metric: 1}, t0); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err := f.rcv.Submit("S", types.Report{Key: "K2", Label: "b", Metric: 1}, t0.Add(10*time.Second))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second Submit: got %v, want ErrRateLimited", err)
	}
	if f.reg.Len() != 1 {
		t.Errorf("registry.Len: got %d, want 1", f.reg.Len())
	}

	res, err := f.rcv.Submit("S", types.Report{Key: "K2", Label: "b", Metric: 1}, t0.Add(30*time.Second))
	if err != nil || !res.IsNew {
		t.Errorf("third Submit: got %+v, %v; want new record", res, err)
	}
}

func TestSubmit_NilNotifier(t *testing.T) {
	reg := registry.New(registry.Config{TTL: time.Minute, Capacity: 10})
	rcv := New(reg, admission.New(0), nil, Options{})
	if _, err := rcv.Submit("s", types.Report{Key: "k", Metric: 1}, t0); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}
