package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"iotflow-connectivity/internal/models"

	"github.com/lib/pq"
)

// PostgresDeviceRepository 设备Repository实现
type PostgresDeviceRepository struct {
	db *sql.DB
}

// NewPostgresDeviceRepository 创建设备Repository
func NewPostgresDeviceRepository(db *sql.DB) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{db: db}
}

// 确保实现了接口
var _ DeviceRepository = (*PostgresDeviceRepository)(nil)

const deviceColumns = `
		SELECT id,
		       COALESCE(user_id, 0),
		       name,
		       COALESCE(device_type, ''),
		       status,
		       api_key,
		       last_seen,
		       COALESCE(connection_status, 'offline')
		  FROM devices`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var d models.Device
	var lastSeen sql.NullTime
	if err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.Name,
		&d.DeviceType,
		&d.Status,
		&d.APIKey,
		&lastSeen,
		&d.ConnectionStatus,
	); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		d.LastSeen = &t
	}
	return &d, nil
}

// GetDeviceByAPIKey 按凭证查询设备
func (r *PostgresDeviceRepository) GetDeviceByAPIKey(ctx context.Context, apiKey string) (*models.Device, error) {
	if apiKey == "" {
		return nil, ErrNotFound
	}

	d, err := scanDevice(r.db.QueryRowContext(ctx, deviceColumns+` WHERE api_key = $1`, apiKey))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device by api key: %w", err)
	}
	return d, nil
}

// GetDevice 按ID查询设备
func (r *PostgresDeviceRepository) GetDevice(ctx context.Context, deviceID int64) (*models.Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx, deviceColumns+` WHERE id = $1`, deviceID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device %d: %w", deviceID, err)
	}
	return d, nil
}

// ListDevices 按ID游标分页
func (r *PostgresDeviceRepository) ListDevices(ctx context.Context, afterID int64, limit int) ([]models.Device, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := r.db.QueryContext(ctx, deviceColumns+` WHERE id > $1 ORDER BY id ASC LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// TouchAuthenticated 更新最后认证时间
func (r *PostgresDeviceRepository) TouchAuthenticated(ctx context.Context, deviceID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE devices SET last_authenticated_at = $2 WHERE id = $1`,
		deviceID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update last_authenticated_at: %w", err)
	}
	return nil
}

// UpdateLastSeen last_seen 只前进不后退（乱序或补录的数据不会让时间倒退）
func (r *PostgresDeviceRepository) UpdateLastSeen(ctx context.Context, deviceID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE devices
		   SET last_seen = GREATEST(COALESCE(last_seen, $2), $2),
		       updated_at = NOW()
		 WHERE id = $1`,
		deviceID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update last_seen: %w", err)
	}
	return nil
}

// UpdateLastSeenBatch 批量推进 last_seen
func (r *PostgresDeviceRepository) UpdateLastSeenBatch(ctx context.Context, entries map[int64]time.Time) error {
	if len(entries) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	stamps := make([]string, len(ids))
	for i, id := range ids {
		stamps[i] = entries[id].UTC().Format(time.RFC3339Nano)
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE devices d
		   SET last_seen = GREATEST(COALESCE(d.last_seen, v.ts), v.ts),
		       updated_at = NOW()
		  FROM unnest($1::bigint[], $2::timestamptz[]) AS v(id, ts)
		 WHERE d.id = v.id`,
		pq.Array(ids), pq.Array(stamps),
	)
	if err != nil {
		return fmt.Errorf("failed to batch update last_seen: %w", err)
	}
	return nil
}

// SyncLiveness 强制写入在线状态镜像
func (r *PostgresDeviceRepository) SyncLiveness(ctx context.Context, deviceID int64, lastSeen *time.Time, status models.LivenessStatus) error {
	var ts interface{}
	if lastSeen != nil {
		ts = lastSeen.UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE devices
		   SET connection_status = $2,
		       last_seen = CASE
		                     WHEN $3::timestamptz IS NULL THEN last_seen
		                     ELSE GREATEST(COALESCE(last_seen, $3::timestamptz), $3::timestamptz)
		                   END,
		       updated_at = NOW()
		 WHERE id = $1`,
		deviceID, string(status), ts,
	)
	if err != nil {
		return fmt.Errorf("failed to sync liveness for device %d: %w", deviceID, err)
	}
	return nil
}
