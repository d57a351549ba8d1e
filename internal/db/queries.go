package db

import (
	"context"
	"fmt"
	"time"

	"github.com/HanTheDev/usage-watchdog/internal/models"
	"github.com/jackc/pgx/v5"
)

// upsertChunkSize bounds the per-batch statement cost of rollup writes.
const upsertChunkSize = 1000

// ruleRowLimit caps every rule query so one noisy window cannot flood alerts.
const ruleRowLimit = 100

// hourlyQuery builds the GROUP BY for one aggregation dimension. created_at
// is unix seconds in the logs table; token sums treat NULL columns as 0.
func hourlyQuery(dim models.Dimension) string {
	keyExpr := "''"
	uniqueUsers := "COUNT(DISTINCT user_id)"
	groupBy := "GROUP BY 1 ORDER BY 1"

	switch dim {
	case models.DimUser:
		keyExpr = "user_id::text"
		// The dimension key is the user, so the distinct count is fixed.
		uniqueUsers = "1::bigint"
		groupBy = "GROUP BY 1, 2 ORDER BY 1, 2"
	case models.DimModel:
		keyExpr = "COALESCE(model_name, '')"
		groupBy = "GROUP BY 1, 2 ORDER BY 1, 2"
	case models.DimChannel:
		keyExpr = "channel_id::text"
		groupBy = "GROUP BY 1, 2 ORDER BY 1, 2"
	}

	return fmt.Sprintf(`
        SELECT
            date_trunc('hour', to_timestamp(created_at)) AS hour_bucket,
            %s AS dimension_key,
            COUNT(*) AS request_count,
            COALESCE(SUM(COALESCE(prompt_tokens, 0) + COALESCE(completion_tokens, 0)), 0)::bigint AS total_tokens,
            COALESCE(SUM(COALESCE(prompt_tokens, 0)), 0)::bigint AS prompt_tokens,
            COALESCE(SUM(COALESCE(completion_tokens, 0)), 0)::bigint AS completion_tokens,
            COALESCE(SUM(COALESCE(quota, 0)), 0)::bigint AS quota_sum,
            %s AS unique_users,
            COUNT(DISTINCT token_id) AS unique_tokens
        FROM logs
        WHERE created_at >= $1
          AND created_at < $2
        %s
    `, keyExpr, uniqueUsers, groupBy)
}

// HourlyRollups computes the rollup rows for one dimension over [start, end).
func (db *DB) HourlyRollups(ctx context.Context, dim models.Dimension, start, end time.Time) ([]models.HourlyRollup, error) {
	rows, err := db.RO.Query(ctx, hourlyQuery(dim), start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rollups []models.HourlyRollup
	for rows.Next() {
		r := models.HourlyRollup{Dimension: dim}
		err := rows.Scan(
			&r.HourBucket,
			&r.DimensionKey,
			&r.RequestCount,
			&r.TotalTokens,
			&r.PromptTokens,
			&r.CompletionTokens,
			&r.QuotaSum,
			&r.UniqueUsers,
			&r.UniqueTokens,
		)
		if err != nil {
			return nil, err
		}
		rollups = append(rollups, r)
	}

	return rollups, rows.Err()
}

const upsertRollupQuery = `
    INSERT INTO agg_usage_hourly (
        hour_bucket, dimension, dimension_key,
        request_count, total_tokens, prompt_tokens, completion_tokens,
        quota_sum, unique_users, unique_tokens
    ) VALUES (
        $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
    ) ON CONFLICT (hour_bucket, dimension, dimension_key) DO UPDATE SET
        request_count = EXCLUDED.request_count,
        total_tokens = EXCLUDED.total_tokens,
        prompt_tokens = EXCLUDED.prompt_tokens,
        completion_tokens = EXCLUDED.completion_tokens,
        quota_sum = EXCLUDED.quota_sum,
        unique_users = EXCLUDED.unique_users,
        unique_tokens = EXCLUDED.unique_tokens,
        updated_at = CURRENT_TIMESTAMP
`

// UpsertRollups writes rollup rows in chunks. Re-running the same window is
// an idempotent replace; a chunk failure aborts the whole call.
func (db *DB) UpsertRollups(ctx context.Context, rollups []models.HourlyRollup) (int64, error) {
	var total int64

	for i := 0; i < len(rollups); i += upsertChunkSize {
		chunk := rollups[i:min(i+upsertChunkSize, len(rollups))]

		batch := &pgx.Batch{}
		for _, r := range chunk {
			batch.Queue(upsertRollupQuery,
				r.HourBucket,
				r.Dimension,
				r.DimensionKey,
				r.RequestCount,
				r.TotalTokens,
				r.PromptTokens,
				r.CompletionTokens,
				r.QuotaSum,
				r.UniqueUsers,
				r.UniqueTokens,
			)
		}

		br := db.Agg.SendBatch(ctx, batch)
		affected, err := drainBatch(br, len(chunk))
		total += affected
		if err != nil {
			return total, fmt.Errorf("upsert rollup chunk: %w", err)
		}
	}

	return total, nil
}

func drainBatch(br pgx.BatchResults, n int) (int64, error) {
	defer br.Close()

	var affected int64
	for i := 0; i < n; i++ {
		ct, err := br.Exec()
		if err != nil {
			return affected, err
		}
		affected += ct.RowsAffected()
	}
	return affected, nil
}

// DeleteRollupsBefore drops rollup rows older than cutoff.
func (db *DB) DeleteRollupsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ct, err := db.Agg.Exec(ctx, `DELETE FROM agg_usage_hourly WHERE hour_bucket < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// Both burst conditions sit in the HAVING clause so the row cap applies only
// to groups that already qualify.
const burstQuery = `
    SELECT
        l.token_id,
        COALESCE(t.name, '') AS token_name,
        COUNT(*) AS request_count,
        MIN(l.created_at) AS first_request,
        MAX(l.created_at) AS last_request
    FROM logs l
    LEFT JOIN tokens t ON l.token_id = t.id
    WHERE l.created_at >= $1
      AND l.created_at < $2
    GROUP BY l.token_id, t.name
    HAVING COUNT(*) >= $3
       AND MAX(l.created_at) - MIN(l.created_at) <= $4
    ORDER BY request_count DESC
    LIMIT $5
`

// BurstCandidates returns per-token request counts over [start, end) for
// tokens at or above the request limit whose first-to-last span fits inside
// windowSec seconds.
func (db *DB) BurstCandidates(ctx context.Context, start, end time.Time, limit, windowSec int) ([]models.BurstFinding, error) {
	rows, err := db.RO.Query(ctx, burstQuery, start.Unix(), end.Unix(), limit, windowSec, ruleRowLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []models.BurstFinding
	for rows.Next() {
		var f models.BurstFinding
		if err := rows.Scan(&f.TokenID, &f.TokenName, &f.RequestCount, &f.FirstRequest, &f.LastRequest); err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}

	return findings, rows.Err()
}

// SharedTokenCandidates returns tokens used by at least usersThreshold
// distinct accounts over [start, end).
func (db *DB) SharedTokenCandidates(ctx context.Context, start, end time.Time, usersThreshold int) ([]models.SharedTokenFinding, error) {
	query := `
        SELECT
            l.token_id,
            COALESCE(t.name, '') AS token_name,
            COUNT(DISTINCT l.user_id) AS user_count,
            COALESCE(string_agg(DISTINCT u.username, ',' ORDER BY u.username), '') AS users,
            COUNT(*) AS total_requests
        FROM logs l
        LEFT JOIN tokens t ON l.token_id = t.id
        LEFT JOIN users u ON l.user_id = u.id
        WHERE l.created_at >= $1
          AND l.created_at < $2
        GROUP BY l.token_id, t.name
        HAVING COUNT(DISTINCT l.user_id) >= $3
        ORDER BY user_count DESC
        LIMIT $4
    `

	rows, err := db.RO.Query(ctx, query, start.Unix(), end.Unix(), usersThreshold, ruleRowLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []models.SharedTokenFinding
	for rows.Next() {
		var f models.SharedTokenFinding
		if err := rows.Scan(&f.TokenID, &f.TokenName, &f.UserCount, &f.Users, &f.TotalRequests); err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}

	return findings, rows.Err()
}

// IPFanoutCandidates returns source IPs seen from at least usersThreshold
// distinct accounts over [start, end). Rows without an IP are ignored.
func (db *DB) IPFanoutCandidates(ctx context.Context, start, end time.Time, usersThreshold int) ([]models.IPFanoutFinding, error) {
	query := `
        SELECT
            l.ip,
            COUNT(DISTINCT l.user_id) AS user_count,
            COALESCE(string_agg(DISTINCT u.username, ',' ORDER BY u.username), '') AS users,
            COUNT(*) AS total_requests
        FROM logs l
        LEFT JOIN users u ON l.user_id = u.id
        WHERE l.created_at >= $1
          AND l.created_at < $2
          AND l.ip IS NOT NULL
          AND l.ip <> ''
        GROUP BY l.ip
        HAVING COUNT(DISTINCT l.user_id) >= $3
        ORDER BY user_count DESC
        LIMIT $4
    `

	rows, err := db.RO.Query(ctx, query, start.Unix(), end.Unix(), usersThreshold, ruleRowLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []models.IPFanoutFinding
	for rows.Next() {
		var f models.IPFanoutFinding
		if err := rows.Scan(&f.IP, &f.UserCount, &f.Users, &f.TotalRequests); err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}

	return findings, rows.Err()
}

// TokenStats returns mean and standard deviation of per-request token counts
// over [start, end), considering only rows with a positive token count.
func (db *DB) TokenStats(ctx context.Context, start, end time.Time) (mean, stddev float64, err error) {
	query := `
        SELECT
            COALESCE(AVG(COALESCE(prompt_tokens, 0) + COALESCE(completion_tokens, 0)), 0),
            COALESCE(STDDEV(COALESCE(prompt_tokens, 0) + COALESCE(completion_tokens, 0)), 0)
        FROM logs
        WHERE created_at >= $1
          AND created_at < $2
          AND (COALESCE(prompt_tokens, 0) + COALESCE(completion_tokens, 0)) > 0
    `

	err = db.RO.QueryRow(ctx, query, start.Unix(), end.Unix()).Scan(&mean, &stddev)
	return mean, stddev, err
}

// BigRequests returns requests whose token count exceeds threshold over
// [start, end).
func (db *DB) BigRequests(ctx context.Context, start, end time.Time, threshold float64) ([]models.BigRequestFinding, error) {
	query := `
        SELECT
            l.token_id,
            COALESCE(t.name, '') AS token_name,
            l.user_id,
            COALESCE(u.username, '') AS username,
            (COALESCE(l.prompt_tokens, 0) + COALESCE(l.completion_tokens, 0))::bigint AS token_count,
            l.created_at
        FROM logs l
        LEFT JOIN tokens t ON l.token_id = t.id
        LEFT JOIN users u ON l.user_id = u.id
        WHERE l.created_at >= $1
          AND l.created_at < $2
          AND (COALESCE(l.prompt_tokens, 0) + COALESCE(l.completion_tokens, 0)) > $3
        ORDER BY token_count DESC
        LIMIT $4
    `

	rows, err := db.RO.Query(ctx, query, start.Unix(), end.Unix(), threshold, ruleRowLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []models.BigRequestFinding
	for rows.Next() {
		var f models.BigRequestFinding
		if err := rows.Scan(&f.TokenID, &f.TokenName, &f.UserID, &f.Username, &f.TokenCount, &f.CreatedAt); err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}

	return findings, rows.Err()
}
