package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/voltra/chargeproof/internal/models"
)

// UserRepository 用户与设备存储
type UserRepository struct {
	db *Database
}

// NewUserRepository 创建用户存储
func NewUserRepository(db *Database) *UserRepository {
	return &UserRepository{db: db}
}

// GetUser 查询用户
func (r *UserRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, home_address, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.HomeAddress, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// ListDevices 查询用户名下的设备
func (r *UserRepository) ListDevices(ctx context.Context, userID string) ([]models.Device, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, user_id, vendor_device_id, vin, display_name FROM devices WHERE user_id = $1 ORDER BY id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.VendorDeviceID, &d.VIN, &d.DisplayName); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpsertDevice 同步厂商侧的车辆清单
func (r *UserRepository) UpsertDevice(ctx context.Context, d *models.Device) error {
	query := `INSERT INTO devices (user_id, vendor_device_id, vin, display_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, vendor_device_id) DO UPDATE SET
			vin = EXCLUDED.vin,
			display_name = EXCLUDED.display_name`

	_, err := r.db.Pool.Exec(ctx, query, d.UserID, d.VendorDeviceID, d.VIN, d.DisplayName)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}
