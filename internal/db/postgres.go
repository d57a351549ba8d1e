package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB holds the two Postgres pools. RO is the read-only log store user shared
// by the rule and aggregation read paths; Agg is the smaller write-capable
// user that only touches the rollup table. The split is a least-privilege
// boundary and both pools are opened from separate DSNs.
type DB struct {
	RO  *pgxpool.Pool
	Agg *pgxpool.Pool
}

func Open(ctx context.Context, roURL, aggURL string) (*DB, error) {
	ro, err := openPool(ctx, roURL, 5)
	if err != nil {
		return nil, err
	}

	agg, err := openPool(ctx, aggURL, 3)
	if err != nil {
		ro.Close()
		return nil, err
	}

	return &DB{RO: ro, Agg: agg}, nil
}

func openPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	config.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return pool, nil
}

func (db *DB) Close() {
	db.RO.Close()
	db.Agg.Close()
}
