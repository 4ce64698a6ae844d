package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements 遥测表与设备在线状态列（幂等）
// devices 表由设备管理服务创建，这里只补充本服务维护的列
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS telemetry_data (
		id               BIGSERIAL PRIMARY KEY,
		device_id        BIGINT NOT NULL,
		user_id          BIGINT,
		timestamp        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		measurement_name VARCHAR(255) NOT NULL,
		value_type       VARCHAR(16) NOT NULL,
		numeric_value    DOUBLE PRECISION,
		text_value       TEXT,
		boolean_value    BOOLEAN,
		json_value       JSONB,
		unit             VARCHAR(50),
		metadata         JSONB,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT telemetry_single_value CHECK (
			(numeric_value IS NOT NULL)::int + (text_value IS NOT NULL)::int +
			(boolean_value IS NOT NULL)::int + (json_value IS NOT NULL)::int = 1
		)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_telemetry_device_time
		ON telemetry_data (device_id, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_telemetry_device_measurement_time
		ON telemetry_data (device_id, measurement_name, timestamp DESC)`,
	`ALTER TABLE devices ADD COLUMN IF NOT EXISTS last_seen TIMESTAMPTZ`,
	`ALTER TABLE devices ADD COLUMN IF NOT EXISTS last_authenticated_at TIMESTAMPTZ`,
	`ALTER TABLE devices ADD COLUMN IF NOT EXISTS connection_status VARCHAR(20) DEFAULT 'offline'`,
	`ALTER TABLE devices ADD COLUMN IF NOT EXISTS updated_at TIMESTAMPTZ DEFAULT NOW()`,
}

// EnsureSchema 创建遥测表和索引
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
