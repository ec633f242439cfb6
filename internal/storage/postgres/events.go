package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/mrcall/website-telemetry/internal/domain"
)

// nullable maps the empty string to NULL so optional columns stay NULL
// instead of collecting empty strings.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertEvent appends one immutable row. created_at is assigned by the
// database so every aggregate query shares a single clock.
func (db *DB) InsertEvent(ctx context.Context, ev domain.Event) error {
	if db.pool == nil {
		return db.err
	}

	var width any
	if ev.ScreenWidth > 0 {
		width = ev.ScreenWidth
	}

	_, err := db.pool.Exec(ctx, `
INSERT INTO website_events
  (session_id, event_type, page_path, referrer,
   utm_source, utm_medium, utm_campaign, utm_content, utm_term,
   locale, user_agent, screen_width, country, city, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15::jsonb)`,
		ev.SessionID,
		ev.EventType,
		nullable(ev.PagePath),
		nullable(ev.Referrer),
		nullable(ev.UTMSource),
		nullable(ev.UTMMedium),
		nullable(ev.UTMCampaign),
		nullable(ev.UTMContent),
		nullable(ev.UTMTerm),
		nullable(ev.Locale),
		nullable(ev.UserAgent),
		width,
		nullable(ev.Country),
		nullable(ev.City),
		ev.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// CountDemoConsents counts demo_consent rows newer than since, scoped to the
// authenticated uid (stored inside metadata) when present, otherwise to the
// anonymous session id.
func (db *DB) CountDemoConsents(ctx context.Context, id domain.Identity, since time.Time) (int64, error) {
	if db.pool == nil {
		return 0, db.err
	}

	var (
		sql string
		key string
	)
	if id.Authenticated() {
		sql = `SELECT count(*) FROM website_events
 WHERE event_type = $1 AND metadata->>'uid' = $2 AND created_at > $3`
		key = id.UID
	} else {
		sql = `SELECT count(*) FROM website_events
 WHERE event_type = $1 AND session_id = $2 AND created_at > $3`
		key = id.SessionID
	}

	var n int64
	err := db.pool.QueryRow(ctx, sql, domain.EventDemoConsent, key, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count consents: %w", err)
	}
	return n, nil
}
