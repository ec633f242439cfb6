package transporthttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mrcall/website-telemetry/internal/config"
	"github.com/mrcall/website-telemetry/internal/domain"
	"github.com/mrcall/website-telemetry/internal/quota"
	"github.com/mrcall/website-telemetry/internal/storage/postgres"
)

// EventStore is the slice of the storage gateway the handlers write to.
type EventStore interface {
	InsertEvent(ctx context.Context, ev domain.Event) error
}

// Diagnostics backs the db-health and stats endpoints.
type Diagnostics interface {
	Ready(ctx context.Context) error
	Report() config.DatabaseReport
	QueryTotals(ctx context.Context, eventType *string, from, to int64) (postgres.StatsTotals, error)
	QueryBucketsDaily(ctx context.Context, eventType *string, from, to int64) ([]postgres.StatsBucket, error)
}

// QuotaChecker is the demo quota contract.
type QuotaChecker interface {
	Check(ctx context.Context, id domain.Identity) (quota.Decision, error)
}

// Limiter admits or denies one request for a client key.
type Limiter interface {
	Admit(key string) bool
}

type ServerDeps struct {
	Cfg     config.Config
	Store   EventStore
	Diag    Diagnostics
	Quota   QuotaChecker
	Limiter Limiter
	Logger  *slog.Logger
	Now     func() time.Time
}

// --- Tracking ---

// HandleTrack records one telemetry event.
//
// Failure policy is asymmetric on purpose: throttling and validation
// failures are reported truthfully (429/400) because they are the caller's
// to act on; anything after validation — a dead store, a failed insert — is
// logged and answered with success, because tracking must never degrade the
// site for a visitor.
func (d *ServerDeps) HandleTrack(w http.ResponseWriter, r *http.Request) {
	if !d.Limiter.Admit(ClientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	var sub domain.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	ev, err := domain.Normalize(&sub)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev.SetGeo(r.Header.Get("X-Vercel-IP-Country"), r.Header.Get("X-Vercel-IP-City"))

	if err := d.Store.InsertEvent(r.Context(), ev); err != nil {
		d.Logger.Error("failed to record event", "error", err, "event_type", ev.EventType)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleTrackStatus is a liveness probe that doubles as a cache-buster for
// the tracking path.
func (d *ServerDeps) HandleTrackStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "tracking endpoint active"})
}

// --- Demo quota ---

type demoCheckReq struct {
	SessionID string `json:"sessionId"`
	UID       string `json:"uid,omitempty"`
}

// HandleDemoCheck answers whether the identity may start another demo.
// Unlike the tracking endpoint, a malformed body here is treated like a
// backend fault and falls open: the check is advisory and must never stand
// between a visitor and the demo.
func (d *ServerDeps) HandleDemoCheck(w http.ResponseWriter, r *http.Request) {
	var req demoCheckReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		d.Logger.Error("demo-check: unreadable body", "error", err)
		writeJSON(w, http.StatusOK, quota.FailOpen())
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "Missing sessionId")
		return
	}

	dec, err := d.Quota.Check(r.Context(), domain.Identity{SessionID: req.SessionID, UID: req.UID})
	if err != nil {
		d.Logger.Error("demo-check failed", "error", err)
		writeJSON(w, http.StatusOK, quota.FailOpen())
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

// --- Diagnostics ---

func (d *ServerDeps) HandleDBHealth(w http.ResponseWriter, r *http.Request) {
	report := d.Diag.Report()
	if err := d.Diag.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "failed",
			"error":  err.Error(),
			"config": report,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "connected",
		"config": report,
	})
}

// --- Stats ---

type statsResp struct {
	Totals  postgres.StatsTotals   `json:"totals"`
	Buckets []postgres.StatsBucket `json:"buckets,omitempty"`
}

const defaultWindowSeconds = int64(24 * 60 * 60)
const maxWindowSeconds = int64(90 * 24 * 60 * 60) // cap at 90 days (guardrail)

func (d *ServerDeps) HandleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	eventType := strings.TrimSpace(q.Get("event_type"))
	fromStr := q.Get("from")
	toStr := q.Get("to")
	groupBy := q.Get("group_by")

	now := d.Now().Unix()
	var from, to int64
	var err error

	switch {
	case fromStr == "" && toStr == "":
		from, to = now-defaultWindowSeconds, now
	case fromStr != "" && toStr == "":
		from, err = strconv.ParseInt(fromStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be epoch seconds")
			return
		}
		to = now
	case fromStr == "" && toStr != "":
		to, err = strconv.ParseInt(toStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be epoch seconds")
			return
		}
		from = to - defaultWindowSeconds
	default:
		from, err = strconv.ParseInt(fromStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be epoch seconds")
			return
		}
		to, err = strconv.ParseInt(toStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be epoch seconds")
			return
		}
	}

	if to-from > maxWindowSeconds {
		from = to - maxWindowSeconds
	}

	var evPtr *string
	if eventType != "" {
		evPtr = &eventType
	}

	ctx := r.Context()
	tot, err := d.Diag.QueryTotals(ctx, evPtr, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query error")
		return
	}

	resp := statsResp{Totals: tot}
	if groupBy == "day" {
		resp.Buckets, err = d.Diag.QueryBucketsDaily(ctx, evPtr, from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "query error")
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Router ---

func (d *ServerDeps) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if d.Logger != nil {
		r.Use(RequestLogger(d.Logger))
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(BodyLimit(d.Cfg.MaxBodyBytes))
			r.Post("/track", d.HandleTrack)
			r.Post("/demo-check", d.HandleDemoCheck)
		})
		r.Get("/track", d.HandleTrackStatus)
		r.Get("/db-health", d.HandleDBHealth)

		r.Group(func(r chi.Router) {
			r.Use(APIKeyAuth(d.Cfg.AdminAPIKeys))
			r.Get("/stats", d.HandleStats)
		})
	})

	return r
}
