package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"iotflow-connectivity/internal/models"

	"github.com/lib/pq"
)

// PostgresTelemetryRepository 遥测数据Repository实现
// 每条记录只填充 value_type 对应的一个值列
type PostgresTelemetryRepository struct {
	db *sql.DB
}

// NewPostgresTelemetryRepository 创建遥测数据Repository
func NewPostgresTelemetryRepository(db *sql.DB) *PostgresTelemetryRepository {
	return &PostgresTelemetryRepository{db: db}
}

// 确保实现了接口
var _ TelemetryRepository = (*PostgresTelemetryRepository)(nil)

const telemetryColumns = `id, device_id, COALESCE(user_id, 0), timestamp, measurement_name, value_type,
		       numeric_value, text_value, boolean_value, json_value, COALESCE(unit, ''), metadata, created_at`

const insertTelemetrySQL = `
		INSERT INTO telemetry_data (
			device_id, user_id, timestamp, measurement_name, value_type,
			numeric_value, text_value, boolean_value, json_value, unit, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// aggregateSQL 聚合函数白名单
var aggregateSQL = map[models.AggregateFn]string{
	models.AggAvg:   "AVG(numeric_value)",
	models.AggMin:   "MIN(numeric_value)",
	models.AggMax:   "MAX(numeric_value)",
	models.AggSum:   "SUM(numeric_value)",
	models.AggCount: "COUNT(numeric_value)",
}

func scanMeasurement(row rowScanner) (*models.Measurement, error) {
	var (
		m        models.Measurement
		kind     string
		numeric  sql.NullFloat64
		text     sql.NullString
		boolean  sql.NullBool
		jsonVal  []byte
		metadata []byte
	)
	if err := row.Scan(
		&m.ID,
		&m.DeviceID,
		&m.UserID,
		&m.Timestamp,
		&m.Name,
		&kind,
		&numeric,
		&text,
		&boolean,
		&jsonVal,
		&m.Unit,
		&metadata,
		&m.CreatedAt,
	); err != nil {
		return nil, err
	}

	m.ValueKind = models.ValueKind(kind)
	switch m.ValueKind {
	case models.KindNumeric:
		m.Value = models.NumericValue(numeric.Float64)
	case models.KindText:
		m.Value = models.TextValue(text.String)
	case models.KindBoolean:
		m.Value = models.BoolValue(boolean.Bool)
	case models.KindStructured:
		m.Value = models.StructuredValue(json.RawMessage(jsonVal))
	default:
		return nil, fmt.Errorf("unknown value_type %q for record %d", kind, m.ID)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for record %d: %w", m.ID, err)
		}
	}
	return &m, nil
}

func scanMeasurements(rows *sql.Rows) ([]models.Measurement, error) {
	defer rows.Close()

	out := []models.Measurement{}
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan telemetry row: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// insertArgs 按值类型展开为列参数，未使用的列为 NULL
func insertArgs(m *models.Measurement) ([]interface{}, error) {
	var numeric, text, boolean, jsonVal, unit, userID, metadata interface{}

	switch m.Value.Kind {
	case models.KindNumeric:
		numeric = m.Value.Numeric
	case models.KindText:
		text = m.Value.Text
	case models.KindBoolean:
		boolean = m.Value.Bool
	case models.KindStructured:
		jsonVal = string(m.Value.JSON)
	default:
		return nil, fmt.Errorf("measurement %q has no value", m.Name)
	}

	if m.Unit != "" {
		unit = m.Unit
	}
	if m.UserID != 0 {
		userID = m.UserID
	}
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = string(b)
	}

	return []interface{}{
		m.DeviceID, userID, m.Timestamp.UTC(), m.Name, string(m.Value.Kind),
		numeric, text, boolean, jsonVal, unit, metadata,
	}, nil
}

// InsertBatch 在一个事务中写入一批记录
func (r *PostgresTelemetryRepository) InsertBatch(ctx context.Context, records []models.Measurement) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertTelemetrySQL)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	var stored int64
	for i := range records {
		args, err := insertArgs(&records[i])
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("failed to insert measurement %q: %w", records[i].Name, err)
		}
		stored++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return stored, nil
}

// Latest 返回最新一条记录，measurement 为空时不区分测量项
func (r *PostgresTelemetryRepository) Latest(ctx context.Context, deviceID int64, measurement string) (*models.Measurement, error) {
	args := []interface{}{deviceID}
	query := `SELECT ` + telemetryColumns + ` FROM telemetry_data WHERE device_id = $1`
	if measurement != "" {
		query += ` AND measurement_name = $2`
		args = append(args, measurement)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT 1`

	m, err := scanMeasurement(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest telemetry: %w", err)
	}
	return m, nil
}

// LatestSnapshot 返回设备最新时间戳上的所有测量项
func (r *PostgresTelemetryRepository) LatestSnapshot(ctx context.Context, deviceID int64) ([]models.Measurement, error) {
	query := `
		SELECT ` + telemetryColumns + `
		  FROM telemetry_data
		 WHERE device_id = $1
		   AND timestamp = (SELECT MAX(timestamp) FROM telemetry_data WHERE device_id = $1)
		 ORDER BY measurement_name ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshot: %w", err)
	}
	return scanMeasurements(rows)
}

// Range 时间范围查询（闭区间），默认按时间升序，id 作为次序键保证分页稳定
func (r *PostgresTelemetryRepository) Range(ctx context.Context, filter RangeFilter) ([]models.Measurement, error) {
	args := []interface{}{filter.DeviceID, filter.Start.UTC(), filter.End.UTC()}
	argN := 4

	var b strings.Builder
	b.WriteString(`SELECT ` + telemetryColumns + ` FROM telemetry_data WHERE device_id = $1 AND timestamp >= $2 AND timestamp <= $3`)
	if filter.Measurement != "" {
		fmt.Fprintf(&b, " AND measurement_name = $%d", argN)
		args = append(args, filter.Measurement)
		argN++
	}
	if filter.Desc {
		b.WriteString(" ORDER BY timestamp DESC, id DESC")
	} else {
		b.WriteString(" ORDER BY timestamp ASC, id ASC")
	}
	fmt.Fprintf(&b, " LIMIT $%d OFFSET $%d", argN, argN+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry range: %w", err)
	}
	return scanMeasurements(rows)
}

// Count 时间范围内的记录数
func (r *PostgresTelemetryRepository) Count(ctx context.Context, deviceID int64, start, end time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM telemetry_data WHERE device_id = $1 AND timestamp >= $2 AND timestamp <= $3`,
		deviceID, start.UTC(), end.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count telemetry: %w", err)
	}
	return n, nil
}

// Aggregate 按固定宽度时间桶聚合，桶边界按 Unix 纪元对齐
// 只有数值记录参与聚合，其他类型的记录被忽略
func (r *PostgresTelemetryRepository) Aggregate(ctx context.Context, filter AggregateFilter) ([]models.Bucket, error) {
	expr, ok := aggregateSQL[filter.Fn]
	if !ok {
		return nil, fmt.Errorf("unsupported aggregate function %q", filter.Fn)
	}

	query := `
		SELECT to_timestamp(floor(extract(epoch FROM timestamp)::double precision / $5::double precision) * $5::double precision) AS bucket_start,
		       ` + expr + `::double precision,
		       COUNT(numeric_value)
		  FROM telemetry_data
		 WHERE device_id = $1
		   AND measurement_name = $2
		   AND timestamp >= $3
		   AND timestamp <= $4
		   AND numeric_value IS NOT NULL
		 GROUP BY bucket_start
		 ORDER BY bucket_start ASC`

	rows, err := r.db.QueryContext(ctx, query,
		filter.DeviceID, filter.Measurement, filter.Start.UTC(), filter.End.UTC(), filter.BucketWidth.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate telemetry: %w", err)
	}
	defer rows.Close()

	out := []models.Bucket{}
	for rows.Next() {
		var bucket models.Bucket
		if err := rows.Scan(&bucket.Start, &bucket.Value, &bucket.Count); err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		bucket.Start = bucket.Start.UTC()
		out = append(out, bucket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MultiDeviceRange 多设备、多测量项范围查询，每个序列最多返回 LimitPerSeries 条
func (r *PostgresTelemetryRepository) MultiDeviceRange(ctx context.Context, filter MultiRangeFilter) ([]models.Measurement, error) {
	args := []interface{}{pq.Array(filter.DeviceIDs), filter.Start.UTC(), filter.End.UTC()}
	argN := 4

	var where strings.Builder
	where.WriteString("device_id = ANY($1) AND timestamp >= $2 AND timestamp <= $3")
	if len(filter.Measurements) > 0 {
		fmt.Fprintf(&where, " AND measurement_name = ANY($%d)", argN)
		args = append(args, pq.Array(filter.Measurements))
		argN++
	}

	query := fmt.Sprintf(`
		SELECT %s
		  FROM (
		        SELECT *,
		               ROW_NUMBER() OVER (PARTITION BY device_id, measurement_name ORDER BY timestamp ASC, id ASC) AS rn
		          FROM telemetry_data
		         WHERE %s
		       ) t
		 WHERE rn <= $%d
		 ORDER BY device_id ASC, measurement_name ASC, timestamp ASC, id ASC`,
		telemetryColumns, where.String(), argN)
	args = append(args, filter.LimitPerSeries)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query multi-device telemetry: %w", err)
	}
	return scanMeasurements(rows)
}

// DeleteRange 按时间范围删除（闭区间）
func (r *PostgresTelemetryRepository) DeleteRange(ctx context.Context, deviceID int64, start, end time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM telemetry_data WHERE device_id = $1 AND timestamp >= $2 AND timestamp <= $3`,
		deviceID, start.UTC(), end.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete telemetry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}
