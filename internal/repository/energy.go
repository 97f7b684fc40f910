package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voltra/chargeproof/internal/models"
)

// EnergyRepository 日度能量聚合与会话台账存储
type EnergyRepository struct {
	db *Database
}

// NewEnergyRepository 创建能量存储
func NewEnergyRepository(db *Database) *EnergyRepository {
	return &EnergyRepository{db: db}
}

// AddProduction 把一次会话的能量累加进当日桶
func (r *EnergyRepository) AddProduction(ctx context.Context, rec *models.EnergyRecord) error {
	query := `INSERT INTO energy_production (device_id, provider, recorded_at, data_type, production_wh)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id, provider, recorded_at, data_type) DO UPDATE SET
			production_wh = energy_production.production_wh + EXCLUDED.production_wh`

	_, err := r.db.Pool.Exec(ctx, query, rec.DeviceID, rec.Provider,
		rec.RecordedAt, rec.DataType, rec.ProductionWh)
	if err != nil {
		return fmt.Errorf("add production: %w", err)
	}
	return nil
}

// InsertSessionLog 写入会话台账
// (user_id, device_id, start_time) 冲突说明已记过账，静默跳过。
func (r *EnergyRepository) InsertSessionLog(ctx context.Context, e *models.SessionLogEntry) error {
	query := `INSERT INTO session_log (user_id, device_id, provider, start_time, end_time,
		energy_kwh, location, delta_proof, verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Pool.Exec(ctx, query, e.UserID, e.DeviceID, e.Provider,
		e.StartTime, e.EndTime, e.EnergyKwh, e.Location, e.DeltaProof, e.Verified)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil
		}
		return fmt.Errorf("insert session log: %w", err)
	}
	return nil
}

// GetDailyRange 查询设备最近若干天的日度能量
func (r *EnergyRepository) GetDailyRange(ctx context.Context, deviceID string, from, to time.Time) ([]models.EnergyRecord, error) {
	query := `SELECT device_id, provider, recorded_at, data_type, production_wh
		FROM energy_production
		WHERE device_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
		ORDER BY recorded_at`

	rows, err := r.db.Pool.Query(ctx, query, deviceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("get daily energy: %w", err)
	}
	defer rows.Close()

	var records []models.EnergyRecord
	for rows.Next() {
		var rec models.EnergyRecord
		if err := rows.Scan(&rec.DeviceID, &rec.Provider, &rec.RecordedAt, &rec.DataType, &rec.ProductionWh); err != nil {
			return nil, fmt.Errorf("scan energy record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
