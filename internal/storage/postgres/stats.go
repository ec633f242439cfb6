package postgres

import (
	"context"
	"fmt"
)

type StatsTotals struct {
	Count          int64 `json:"count"`
	UniqueSessions int64 `json:"unique_sessions"`
}

type StatsBucket struct {
	BucketStart    int64 `json:"bucket_start"`
	Count          int64 `json:"count"`
	UniqueSessions int64 `json:"unique_sessions"`
}

// eventType is optional (nil or empty string means "no filter")
func (db *DB) QueryTotals(ctx context.Context, eventType *string, from, to int64) (StatsTotals, error) {
	var res StatsTotals
	if db.pool == nil {
		return res, db.err
	}

	cond := "WHERE created_at >= to_timestamp($1) AND created_at <= to_timestamp($2)"
	args := []any{from, to}
	if eventType != nil && *eventType != "" {
		cond += " AND event_type=$3"
		args = append(args, *eventType)
	}

	sql := "SELECT COUNT(*)::bigint, COUNT(DISTINCT session_id)::bigint FROM website_events " + cond
	row := db.pool.QueryRow(ctx, sql, args...)
	if err := row.Scan(&res.Count, &res.UniqueSessions); err != nil {
		return res, fmt.Errorf("scan totals: %w", err)
	}
	return res, nil
}

func (db *DB) QueryBucketsDaily(ctx context.Context, eventType *string, from, to int64) ([]StatsBucket, error) {
	if db.pool == nil {
		return nil, db.err
	}

	cond := "WHERE created_at >= to_timestamp($1) AND created_at <= to_timestamp($2)"
	args := []any{from, to}
	if eventType != nil && *eventType != "" {
		cond += " AND event_type=$3"
		args = append(args, *eventType)
	}

	sql := fmt.Sprintf(`
SELECT
  EXTRACT(EPOCH FROM date_trunc('day', created_at))::bigint AS bucket_start,
  COUNT(*)::bigint AS cnt,
  COUNT(DISTINCT session_id)::bigint AS uniq
FROM website_events
%s
GROUP BY 1
ORDER BY 1 ASC`, cond)

	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatsBucket
	for rows.Next() {
		var b StatsBucket
		if err := rows.Scan(&b.BucketStart, &b.Count, &b.UniqueSessions); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
