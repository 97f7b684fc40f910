package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voltra/chargeproof/internal/models"
)

// SessionRepository 充电会话存储
type SessionRepository struct {
	db *Database
}

// NewSessionRepository 创建会话存储
func NewSessionRepository(db *Database) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, user_id, device_id, start_time, end_time,
	start_kwh_added, end_kwh_added, total_session_kwh, status, location,
	charger_power_kw, proof_chain, delta_proof, verified, session_metadata`

func scanSession(row pgx.Row) (*models.ChargingSession, error) {
	var s models.ChargingSession
	var chainJSON, metaJSON []byte
	err := row.Scan(&s.ID, &s.UserID, &s.DeviceID, &s.StartTime, &s.EndTime,
		&s.StartKwhAdded, &s.EndKwhAdded, &s.TotalSessionKwh, &s.Status, &s.Location,
		&s.ChargerPowerKw, &chainJSON, &s.DeltaProof, &s.Verified, &metaJSON)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(chainJSON, &s.ProofChain); err != nil {
		return nil, fmt.Errorf("decode proof chain: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &s.Metadata); err != nil {
		return nil, fmt.Errorf("decode session metadata: %w", err)
	}
	return &s, nil
}

func marshalSessionJSON(s *models.ChargingSession) (chainJSON, metaJSON []byte, err error) {
	chain := s.ProofChain
	if chain == nil {
		chain = []models.ProofChainEntry{}
	}
	chainJSON, err = json.Marshal(chain)
	if err != nil {
		return nil, nil, fmt.Errorf("encode proof chain: %w", err)
	}
	meta := s.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err = json.Marshal(meta)
	if err != nil {
		return nil, nil, fmt.Errorf("encode session metadata: %w", err)
	}
	return chainJSON, metaJSON, nil
}

// GetOpen 查询某台车进行中的会话
func (r *SessionRepository) GetOpen(ctx context.Context, userID, deviceID string) (*models.ChargingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM charge_sessions
		WHERE user_id = $1 AND device_id = $2 AND status = $3`

	s, err := scanSession(r.db.Pool.QueryRow(ctx, query, userID, deviceID, models.SessionStatusCharging))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, fmt.Errorf("get open session: %w", err)
	}
	return s, nil
}

// ListOpenByUser 查询用户所有进行中的会话
func (r *SessionRepository) ListOpenByUser(ctx context.Context, userID string) ([]*models.ChargingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM charge_sessions
		WHERE user_id = $1 AND status = $2 ORDER BY start_time`

	rows, err := r.db.Pool.Query(ctx, query, userID, models.SessionStatusCharging)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.ChargingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Create 写入新会话
// 违反部分唯一索引（并发轮询竞争）时返回 ErrDuplicateSession，调用方改走读取路径。
func (r *SessionRepository) Create(ctx context.Context, s *models.ChargingSession) error {
	chainJSON, metaJSON, err := marshalSessionJSON(s)
	if err != nil {
		return err
	}

	query := `INSERT INTO charge_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = r.db.Pool.Exec(ctx, query, s.ID, s.UserID, s.DeviceID, s.StartTime, s.EndTime,
		s.StartKwhAdded, s.EndKwhAdded, s.TotalSessionKwh, s.Status, s.Location,
		s.ChargerPowerKw, chainJSON, s.DeltaProof, s.Verified, metaJSON)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSession
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Update 回写会话的可变字段（链、能量、状态、证明）
func (r *SessionRepository) Update(ctx context.Context, s *models.ChargingSession) error {
	chainJSON, metaJSON, err := marshalSessionJSON(s)
	if err != nil {
		return err
	}

	query := `UPDATE charge_sessions SET
		end_time = $2, end_kwh_added = $3, total_session_kwh = $4, status = $5,
		location = $6, charger_power_kw = $7, proof_chain = $8, delta_proof = $9,
		verified = $10, session_metadata = $11, updated_at = $12
		WHERE id = $1`

	tag, err := r.db.Pool.Exec(ctx, query, s.ID, s.EndTime, s.EndKwhAdded, s.TotalSessionKwh,
		s.Status, s.Location, s.ChargerPowerKw, chainJSON, s.DeltaProof,
		s.Verified, metaJSON, time.Now())
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID 按 ID 查询会话
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.ChargingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM charge_sessions WHERE id = $1`

	s, err := scanSession(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// ListByUser 按开始时间倒序查询用户会话
func (r *SessionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.ChargingSession, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + sessionColumns + ` FROM charge_sessions
		WHERE user_id = $1 ORDER BY start_time DESC LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.ChargingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
