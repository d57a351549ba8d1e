package db

import (
	"strings"
	"testing"

	"github.com/HanTheDev/usage-watchdog/internal/models"
)

func TestHourlyQuery(t *testing.T) {
	cases := []struct {
		dim     models.Dimension
		keyExpr string
	}{
		{models.DimGlobal, "'' AS dimension_key"},
		{models.DimUser, "user_id::text AS dimension_key"},
		{models.DimModel, "COALESCE(model_name, '') AS dimension_key"},
		{models.DimChannel, "channel_id::text AS dimension_key"},
	}

	for _, tc := range cases {
		q := hourlyQuery(tc.dim)
		if !strings.Contains(q, tc.keyExpr) {
			t.Errorf("%s query missing key expression %q", tc.dim, tc.keyExpr)
		}
		if !strings.Contains(q, "date_trunc('hour', to_timestamp(created_at))") {
			t.Errorf("%s query missing hour bucket", tc.dim)
		}
		if !strings.Contains(q, "created_at >= $1") || !strings.Contains(q, "created_at < $2") {
			t.Errorf("%s query window is not half-open on [start, end)", tc.dim)
		}
	}

	// The per-user dimension key is the user, so unique_users is constant.
	if q := hourlyQuery(models.DimUser); !strings.Contains(q, "1::bigint AS unique_users") {
		t.Error("user dimension should pin unique_users to 1")
	}
	if q := hourlyQuery(models.DimGlobal); !strings.Contains(q, "COUNT(DISTINCT user_id) AS unique_users") {
		t.Error("global dimension should count distinct users")
	}
}

func TestUpsertRollupQueryIsIdempotent(t *testing.T) {
	if !strings.Contains(upsertRollupQuery, "ON CONFLICT (hour_bucket, dimension, dimension_key) DO UPDATE") {
		t.Error("upsert must replace on the rollup unique key")
	}
	for _, col := range []string{"request_count", "total_tokens", "prompt_tokens", "completion_tokens", "quota_sum", "unique_users", "unique_tokens", "updated_at"} {
		if !strings.Contains(upsertRollupQuery, col+" = ") {
			t.Errorf("upsert does not refresh %s", col)
		}
	}
}

func TestBurstQueryCapsAfterBothConditions(t *testing.T) {
	span := "MAX(l.created_at) - MIN(l.created_at) <= $4"
	if !strings.Contains(burstQuery, span) {
		t.Fatal("burst query missing span condition")
	}
	having := strings.Index(burstQuery, "HAVING")
	limit := strings.Index(burstQuery, "LIMIT")
	if having == -1 || limit == -1 {
		t.Fatal("burst query missing HAVING or LIMIT")
	}
	// The span check must be part of HAVING, not applied after the row cap,
	// or a busy window could crowd real bursts out of the capped result.
	if idx := strings.Index(burstQuery, span); !(having < idx && idx < limit) {
		t.Error("span condition is not between HAVING and LIMIT")
	}
}
