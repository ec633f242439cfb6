// Package quota enforces the rolling 24-hour demo usage limit.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/mrcall/website-telemetry/internal/domain"
)

// Authenticated identities get a materially higher limit than anonymous
// sessions because a uid is harder to spoof or reset than a cleared
// localStorage session id.
const (
	LimitAnonymous     = 3
	LimitAuthenticated = 10

	Window = 24 * time.Hour
)

// ConsentCounter is the slice of the event store the service needs.
type ConsentCounter interface {
	CountDemoConsents(ctx context.Context, id domain.Identity, since time.Time) (int64, error)
}

// Decision is the advisory answer returned to the client. The client is
// expected to record a demo_consent event right after an allowed check;
// that event is what increments future counts. Two concurrent checks for
// the same identity can therefore both pass just under the limit — an
// accepted imprecision, not something this service tries to serialize.
type Decision struct {
	Allowed   bool  `json:"allowed"`
	Remaining int64 `json:"remaining"`
	Limit     int64 `json:"limit"`
	Used      int64 `json:"used"`
}

type Service struct {
	counter ConsentCounter
	now     func() time.Time
}

func NewService(counter ConsentCounter, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{counter: counter, now: now}
}

// Check counts the identity's demo_consent events over the last 24 hours
// and compares against the identity-class limit. Store errors are returned
// to the caller; the endpoint decides how to degrade.
func (s *Service) Check(ctx context.Context, id domain.Identity) (Decision, error) {
	limit := int64(LimitAnonymous)
	if id.Authenticated() {
		limit = LimitAuthenticated
	}

	since := s.now().Add(-Window)
	used, err := s.counter.CountDemoConsents(ctx, id, since)
	if err != nil {
		return Decision{}, fmt.Errorf("quota check: %w", err)
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   used < limit,
		Remaining: remaining,
		Limit:     limit,
		Used:      used,
	}, nil
}

// FailOpen is the permissive default returned when the store is unreachable:
// a quota outage must never block the demo.
func FailOpen() Decision {
	return Decision{Allowed: true, Remaining: 1, Limit: LimitAnonymous, Used: 0}
}
