// Package repository 封装 PostgreSQL 持久化。
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// 错误定义
var (
	ErrNotFound         = errors.New("not found")
	ErrNoActiveSession  = errors.New("no active session")
	ErrDuplicateSession = errors.New("duplicate open session")
)

// Database 数据库连接池
type Database struct {
	Pool *pgxpool.Pool
}

// New 创建连接池并验证连通性
func New(ctx context.Context, databaseURL string) (*Database, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Database{Pool: pool}, nil
}

// Close 关闭连接池
func (d *Database) Close() {
	d.Pool.Close()
}

// Migrate 执行建表迁移，幂等
func (d *Database) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			home_address TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS vendor_tokens (
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			vendor_device_id TEXT NOT NULL,
			vin TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			UNIQUE (user_id, vendor_device_id)
		)`,
		`CREATE TABLE IF NOT EXISTS charge_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			start_kwh_added DOUBLE PRECISION NOT NULL DEFAULT 0,
			end_kwh_added DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_session_kwh DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			charger_power_kw DOUBLE PRECISION NOT NULL DEFAULT 0,
			proof_chain JSONB NOT NULL DEFAULT '[]',
			delta_proof TEXT,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			session_metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		// 单车同一时刻至多一条进行中的会话
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_open_session
			ON charge_sessions (user_id, device_id) WHERE status = 'charging'`,
		`CREATE INDEX IF NOT EXISTS idx_charge_sessions_user
			ON charge_sessions (user_id, start_time DESC)`,
		`CREATE TABLE IF NOT EXISTS energy_production (
			device_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			recorded_at DATE NOT NULL,
			data_type TEXT NOT NULL,
			production_wh BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (device_id, provider, recorded_at, data_type)
		)`,
		`CREATE TABLE IF NOT EXISTS session_log (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			energy_kwh DOUBLE PRECISION NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			delta_proof TEXT NOT NULL DEFAULT '',
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (user_id, device_id, start_time)
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}
