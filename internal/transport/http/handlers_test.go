package transporthttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mrcall/website-telemetry/internal/config"
	"github.com/mrcall/website-telemetry/internal/domain"
	"github.com/mrcall/website-telemetry/internal/quota"
	"github.com/mrcall/website-telemetry/internal/ratelimit"
	"github.com/mrcall/website-telemetry/internal/storage/postgres"
)

// fakeStore records inserted events and doubles as the quota counter and
// diagnostics source, so the handlers run without a database.
type fakeStore struct {
	events    []domain.Event
	insertErr error
	countErr  error
	readyErr  error
}

func (f *fakeStore) InsertEvent(_ context.Context, ev domain.Event) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) CountDemoConsents(_ context.Context, id domain.Identity, _ time.Time) (int64, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	var n int64
	for _, ev := range f.events {
		if ev.EventType != domain.EventDemoConsent {
			continue
		}
		if id.Authenticated() {
			if strings.Contains(ev.Metadata, `"uid":"`+id.UID+`"`) {
				n++
			}
		} else if ev.SessionID == id.SessionID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Ready(context.Context) error { return f.readyErr }

func (f *fakeStore) Report() config.DatabaseReport {
	return config.DatabaseReport{Host: "db.inter...", Port: "5432", Name: "tracking", User: "SET", Pass: "SET", SSL: "true"}
}

func (f *fakeStore) QueryTotals(_ context.Context, eventType *string, _, _ int64) (postgres.StatsTotals, error) {
	var n int64
	seen := map[string]struct{}{}
	for _, ev := range f.events {
		if eventType != nil && ev.EventType != *eventType {
			continue
		}
		n++
		seen[ev.SessionID] = struct{}{}
	}
	return postgres.StatsTotals{Count: n, UniqueSessions: int64(len(seen))}, nil
}

func (f *fakeStore) QueryBucketsDaily(context.Context, *string, int64, int64) ([]postgres.StatsBucket, error) {
	return nil, nil
}

func newTestDeps(store *fakeStore) *ServerDeps {
	now := func() time.Time { return time.Unix(1_700_000_000, 0) }
	return &ServerDeps{
		Cfg:     config.Config{MaxBodyBytes: 65_536},
		Store:   store,
		Diag:    store,
		Quota:   quota.NewService(store, now),
		Limiter: ratelimit.New(60, time.Minute, ratelimit.WithClock(now)),
		Logger:  slog.New(slog.NewTextHandler(testWriter{}, nil)),
		Now:     now,
	}
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func postJSON(h http.Handler, path, body, xff string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// --- Tracking ---

func TestTrack_PersistsSanitizedEvent(t *testing.T) {
	store := &fakeStore{}
	h := newTestDeps(store).Router()

	body := `{"sessionId":"sid-1","eventType":"pageview","referrer":"` + strings.Repeat("r", 2000) + `"}`
	rec := postJSON(h, "/api/track", body, "9.9.9.9")

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); !strings.Contains(got, `"ok":true`) {
		t.Fatalf("body: %s", got)
	}
	if len(store.events) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(store.events))
	}
	if got := len(store.events[0].Referrer); got != domain.MaxReferrerLen {
		t.Fatalf("referrer should be truncated to %d, got %d", domain.MaxReferrerLen, got)
	}
}

func TestTrack_RejectsUnknownEventType(t *testing.T) {
	store := &fakeStore{}
	h := newTestDeps(store).Router()

	rec := postJSON(h, "/api/track", `{"sessionId":"sid-1","eventType":"nope"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Invalid eventType") {
		t.Fatalf("body: %s", rec.Body.String())
	}
	if len(store.events) != 0 {
		t.Fatalf("no row should be persisted on rejection")
	}
}

func TestTrack_RejectsMissingFields(t *testing.T) {
	store := &fakeStore{}
	h := newTestDeps(store).Router()

	for _, body := range []string{`{}`, `{"sessionId":"sid-1"}`, `{"eventType":"pageview"}`} {
		rec := postJSON(h, "/api/track", body, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status %d, want 400", body, rec.Code)
		}
	}
	if len(store.events) != 0 {
		t.Fatalf("no rows should be persisted")
	}
}

func TestTrack_MalformedJSONIsClientError(t *testing.T) {
	h := newTestDeps(&fakeStore{}).Router()

	rec := postJSON(h, "/api/track", `{not json`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
}

func TestTrack_FailsOpenOnStoreError(t *testing.T) {
	store := &fakeStore{insertErr: errors.New("connection refused")}
	h := newTestDeps(store).Router()

	rec := postJSON(h, "/api/track", `{"sessionId":"sid-1","eventType":"pageview"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("store failure must not surface: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestTrack_RateLimitsPerClientAddress(t *testing.T) {
	h := newTestDeps(&fakeStore{}).Router()

	body := `{"sessionId":"sid-1","eventType":"pageview"}`
	for i := 0; i < 60; i++ {
		rec := postJSON(h, "/api/track", body, "1.2.3.4")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i+1, rec.Code)
		}
	}
	rec := postJSON(h, "/api/track", body, "1.2.3.4")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("61st request: got %d, want 429", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Too many requests") {
		t.Fatalf("body: %s", rec.Body.String())
	}

	// A different address still gets through.
	rec = postJSON(h, "/api/track", body, "5.6.7.8")
	if rec.Code != http.StatusOK {
		t.Fatalf("other client: got %d, want 200", rec.Code)
	}
}

func TestTrack_EnrichesGeoFromEdgeHeaders(t *testing.T) {
	store := &fakeStore{}
	h := newTestDeps(store).Router()

	req := httptest.NewRequest(http.MethodPost, "/api/track",
		strings.NewReader(`{"sessionId":"sid-1","eventType":"pageview"}`))
	req.Header.Set("X-Vercel-IP-Country", "IT")
	req.Header.Set("X-Vercel-IP-City", "Milan")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if len(store.events) != 1 {
		t.Fatalf("expected 1 event")
	}
	if store.events[0].Country != "IT" || store.events[0].City != "Milan" {
		t.Fatalf("geo not attached: %+v", store.events[0])
	}
}

func TestTrack_DuplicateSubmissionsProduceTwoRows(t *testing.T) {
	store := &fakeStore{}
	h := newTestDeps(store).Router()

	body := `{"sessionId":"sid-1","eventType":"cta_click"}`
	postJSON(h, "/api/track", body, "")
	postJSON(h, "/api/track", body, "")

	// No dedup key exists; two identical payloads are two rows.
	if len(store.events) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(store.events))
	}
}

func TestTrackStatus_Liveness(t *testing.T) {
	h := newTestDeps(&fakeStore{}).Router()

	req := httptest.NewRequest(http.MethodGet, "/api/track", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tracking endpoint active") {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

// --- Demo quota ---

func consent(session, uid string) domain.Event {
	meta := "{}"
	if uid != "" {
		meta = `{"uid":"` + uid + `"}`
	}
	return domain.Event{SessionID: session, EventType: domain.EventDemoConsent, Metadata: meta}
}

func TestDemoCheck_AnonymousExhausted(t *testing.T) {
	store := &fakeStore{events: []domain.Event{
		consent("sid-1", ""), consent("sid-1", ""), consent("sid-1", ""),
	}}
	h := newTestDeps(store).Router()

	rec := postJSON(h, "/api/demo-check", `{"sessionId":"sid-1"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var dec quota.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &dec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := quota.Decision{Allowed: false, Remaining: 0, Limit: 3, Used: 3}
	if dec != want {
		t.Fatalf("got %+v, want %+v", dec, want)
	}
}

func TestDemoCheck_AuthenticatedQuota(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 7; i++ {
		store.events = append(store.events, consent("other-session", "user-1"))
	}
	h := newTestDeps(store).Router()

	rec := postJSON(h, "/api/demo-check", `{"sessionId":"sid-1","uid":"user-1"}`, "")
	var dec quota.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &dec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := quota.Decision{Allowed: true, Remaining: 3, Limit: 10, Used: 7}
	if dec != want {
		t.Fatalf("got %+v, want %+v", dec, want)
	}
}

func TestDemoCheck_MissingSessionID(t *testing.T) {
	h := newTestDeps(&fakeStore{}).Router()

	rec := postJSON(h, "/api/demo-check", `{}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Missing sessionId") {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestDemoCheck_MalformedJSONFailsOpen(t *testing.T) {
	h := newTestDeps(&fakeStore{}).Router()

	rec := postJSON(h, "/api/demo-check", `{not json`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (fail-open)", rec.Code)
	}
	var dec quota.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &dec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec != quota.FailOpen() {
		t.Fatalf("got %+v, want fail-open default", dec)
	}
}

func TestDemoCheck_StoreErrorFailsOpen(t *testing.T) {
	store := &fakeStore{countErr: errors.New("connection refused")}
	h := newTestDeps(store).Router()

	rec := postJSON(h, "/api/demo-check", `{"sessionId":"sid-1"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var dec quota.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &dec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec != quota.FailOpen() {
		t.Fatalf("got %+v, want fail-open default", dec)
	}
}

// --- Diagnostics ---

func TestDBHealth_ReportsSanitizedConfig(t *testing.T) {
	h := newTestDeps(&fakeStore{}).Router()

	req := httptest.NewRequest(http.MethodGet, "/api/db-health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `"status":"connected"`) {
		t.Fatalf("body: %s", body)
	}
	if !strings.Contains(body, `"host":"db.inter..."`) {
		t.Fatalf("expected truncated host, body: %s", body)
	}
	if strings.Contains(body, "password") || strings.Contains(body, "secret") {
		t.Fatalf("report must never carry credentials: %s", body)
	}
}

func TestDBHealth_ReportsFailure(t *testing.T) {
	store := &fakeStore{readyErr: errors.New("dial tcp: timeout")}
	h := newTestDeps(store).Router()

	req := httptest.NewRequest(http.MethodGet, "/api/db-health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("health endpoint always answers 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"failed"`) {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

// --- Stats ---

func TestStats_TotalsWithFilter(t *testing.T) {
	store := &fakeStore{events: []domain.Event{
		{SessionID: "a", EventType: "pageview"},
		{SessionID: "a", EventType: "pageview"},
		{SessionID: "b", EventType: "cta_click"},
	}}
	h := newTestDeps(store).Router()

	req := httptest.NewRequest(http.MethodGet, "/api/stats?event_type=pageview", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp struct {
		Totals postgres.StatsTotals `json:"totals"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Totals.Count != 2 || resp.Totals.UniqueSessions != 1 {
		t.Fatalf("got %+v", resp.Totals)
	}
}

func TestStats_RequiresAPIKeyWhenConfigured(t *testing.T) {
	deps := newTestDeps(&fakeStore{})
	deps.Cfg.AdminAPIKeys = map[string]struct{}{"k1": {}}
	h := deps.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: got %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("X-API-Key", "k1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid key: got %d, want 200", rec.Code)
	}
}

func TestStats_RejectsBadRange(t *testing.T) {
	h := newTestDeps(&fakeStore{}).Router()

	req := httptest.NewRequest(http.MethodGet, "/api/stats?from=yesterday", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
}

// --- Client key derivation ---

func TestClientKey_HeaderFallbackChain(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/track", nil)
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")
	if got := ClientKey(r); got != "1.2.3.4" {
		t.Fatalf("xff: got %q", got)
	}

	r = httptest.NewRequest(http.MethodPost, "/api/track", nil)
	r.Header.Set("X-Real-IP", "9.9.9.9")
	if got := ClientKey(r); got != "9.9.9.9" {
		t.Fatalf("real-ip: got %q", got)
	}

	r = httptest.NewRequest(http.MethodPost, "/api/track", nil)
	if got := ClientKey(r); got != "unknown" {
		t.Fatalf("fallback: got %q", got)
	}
}
