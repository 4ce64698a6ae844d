package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"iotflow-connectivity/internal/models"
	"iotflow-connectivity/internal/repository"

	"go.uber.org/zap"
)

const defaultQueryLimit = 1000

// RangeQuery 单设备范围查询
type RangeQuery struct {
	DeviceID    int64
	Measurement string
	Start       time.Time
	End         time.Time // 零值表示当前时间
	Limit       int
	Offset      int
	Desc        bool
}

// AggregateQuery 聚合查询
type AggregateQuery struct {
	DeviceID    int64
	Measurement string
	Start       time.Time
	End         time.Time
	BucketWidth time.Duration
	Fn          models.AggregateFn
}

// MultiRangeQuery 多设备查询
type MultiRangeQuery struct {
	DeviceIDs      []int64
	Measurements   []string
	Start          time.Time
	End            time.Time
	LimitPerSeries int
}

// QueryEngine 遥测查询，只读数据库，不访问缓存
type QueryEngine struct {
	telemetry    repository.TelemetryRepository
	storeTimeout time.Duration
	maxLimit     int
	now          func() time.Time
	logger       *zap.Logger
}

// NewQueryEngine 创建查询服务
func NewQueryEngine(telemetry repository.TelemetryRepository, storeTimeout time.Duration, maxLimit int, logger *zap.Logger) *QueryEngine {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	if maxLimit <= 0 {
		maxLimit = 10000
	}
	return &QueryEngine{
		telemetry:    telemetry,
		storeTimeout: storeTimeout,
		maxLimit:     maxLimit,
		now:          time.Now,
		logger:       logger,
	}
}

// MaxLimit 单次查询最大条数
func (q *QueryEngine) MaxLimit() int {
	return q.maxLimit
}

// Latest 最新一条记录，不存在返回 nil
func (q *QueryEngine) Latest(ctx context.Context, deviceID int64, measurement string) (*models.Measurement, error) {
	storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
	defer cancel()
	return q.telemetry.Latest(storeCtx, deviceID, measurement)
}

// LatestSnapshot 设备最新时间戳上的全部测量项
func (q *QueryEngine) LatestSnapshot(ctx context.Context, deviceID int64) ([]models.Measurement, error) {
	storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
	defer cancel()
	return q.telemetry.LatestSnapshot(storeCtx, deviceID)
}

// Range 范围查询，默认时间升序，通过 offset 分页
func (q *QueryEngine) Range(ctx context.Context, rq RangeQuery) ([]models.Measurement, error) {
	end, err := q.checkRange(rq.Start, rq.End)
	if err != nil {
		return nil, err
	}
	if rq.Offset < 0 {
		return nil, &models.QueryError{Reason: models.QueryInvalidArgument, Message: "offset must be >= 0"}
	}

	storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
	defer cancel()
	return q.telemetry.Range(storeCtx, repository.RangeFilter{
		DeviceID:    rq.DeviceID,
		Measurement: rq.Measurement,
		Start:       rq.Start,
		End:         end,
		Limit:       q.clampLimit(rq.Limit),
		Offset:      rq.Offset,
		Desc:        rq.Desc,
	})
}

// Count 时间范围内记录总数（分页用）
func (q *QueryEngine) Count(ctx context.Context, deviceID int64, start, end time.Time) (int64, error) {
	end, err := q.checkRange(start, end)
	if err != nil {
		return 0, err
	}
	storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
	defer cancel()
	return q.telemetry.Count(storeCtx, deviceID, start, end)
}

// Aggregate 时间桶聚合，非数值记录不参与聚合
func (q *QueryEngine) Aggregate(ctx context.Context, aq AggregateQuery) ([]models.Bucket, error) {
	end, err := q.checkRange(aq.Start, aq.End)
	if err != nil {
		return nil, err
	}
	if aq.BucketWidth <= 0 {
		return nil, &models.QueryError{Reason: models.QueryInvalidBucket, Message: "bucket width must be positive"}
	}
	if aq.BucketWidth < time.Second {
		return nil, &models.QueryError{Reason: models.QueryInvalidBucket, Message: "bucket width must be at least 1s"}
	}
	if buckets := end.Sub(aq.Start) / aq.BucketWidth; int64(buckets) > int64(q.maxLimit) {
		return nil, &models.QueryError{
			Reason:  models.QueryInvalidBucket,
			Message: fmt.Sprintf("range would produce more than %d buckets", q.maxLimit),
		}
	}
	fn, ok := models.ParseAggregateFn(string(aq.Fn))
	if !ok {
		return nil, &models.QueryError{Reason: models.QueryInvalidFunction, Message: string(aq.Fn)}
	}
	if aq.Measurement == "" {
		return nil, &models.QueryError{Reason: models.QueryInvalidArgument, Message: "measurement name is required"}
	}

	storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
	defer cancel()
	return q.telemetry.Aggregate(storeCtx, repository.AggregateFilter{
		DeviceID:    aq.DeviceID,
		Measurement: aq.Measurement,
		Start:       aq.Start,
		End:         end,
		BucketWidth: aq.BucketWidth,
		Fn:          fn,
	})
}

// MultiDeviceRange 多设备查询，按 (device_id, measurement) 分组为序列
// 指定了测量项时，每个组合都会返回一个序列（可能为空），顺序与请求一致
func (q *QueryEngine) MultiDeviceRange(ctx context.Context, mq MultiRangeQuery) ([]models.Series, error) {
	end, err := q.checkRange(mq.Start, mq.End)
	if err != nil {
		return nil, err
	}
	deviceIDs := uniqueInt64(mq.DeviceIDs)
	if len(deviceIDs) == 0 {
		return nil, &models.QueryError{Reason: models.QueryInvalidArgument, Message: "device_ids is required"}
	}
	measurements := uniqueStrings(mq.Measurements)

	storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
	defer cancel()
	rows, err := q.telemetry.MultiDeviceRange(storeCtx, repository.MultiRangeFilter{
		DeviceIDs:      deviceIDs,
		Measurements:   measurements,
		Start:          mq.Start,
		End:            end,
		LimitPerSeries: q.clampLimit(mq.LimitPerSeries),
	})
	if err != nil {
		return nil, err
	}

	grouped := make(map[models.SeriesKey][]models.Measurement)
	var order []models.SeriesKey
	for _, m := range rows {
		key := models.SeriesKey{DeviceID: m.DeviceID, Measurement: m.Name}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], m)
	}

	if len(measurements) > 0 {
		order = order[:0]
		for _, id := range deviceIDs {
			for _, name := range measurements {
				order = append(order, models.SeriesKey{DeviceID: id, Measurement: name})
			}
		}
	} else {
		sort.SliceStable(order, func(i, j int) bool {
			if order[i].DeviceID != order[j].DeviceID {
				return order[i].DeviceID < order[j].DeviceID
			}
			return order[i].Measurement < order[j].Measurement
		})
	}

	series := make([]models.Series, 0, len(order))
	for _, key := range order {
		points := grouped[key]
		if points == nil {
			points = []models.Measurement{}
		}
		series = append(series, models.Series{SeriesKey: key, Points: points})
	}
	return series, nil
}

// DeleteRange 管理员按时间范围删除
func (q *QueryEngine) DeleteRange(ctx context.Context, deviceID int64, start, end time.Time) (int64, error) {
	end, err := q.checkRange(start, end)
	if err != nil {
		return 0, err
	}
	storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
	defer cancel()

	n, err := q.telemetry.DeleteRange(storeCtx, deviceID, start, end)
	if err != nil {
		return 0, err
	}
	q.logger.Info("Deleted telemetry range",
		zap.Int64("device_id", deviceID),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int64("deleted", n),
	)
	return n, nil
}

func (q *QueryEngine) checkRange(start, end time.Time) (time.Time, error) {
	if end.IsZero() {
		end = q.now()
	}
	if start.After(end) {
		return end, &models.QueryError{Reason: models.QueryInvalidRange, Message: "start must not be after end"}
	}
	return end, nil
}

func (q *QueryEngine) clampLimit(limit int) int {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > q.maxLimit {
		limit = q.maxLimit
	}
	return limit
}

func uniqueInt64(in []int64) []int64 {
	seen := make(map[int64]struct{}, len(in))
	out := make([]int64, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ParseTimeParam 解析查询时间参数
// 支持 now、相对时间（-30s/-30m/-1h/-7d/-1w）、RFC3339 以及不带时区的 ISO 时间（按 UTC）
func ParseTimeParam(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "now" {
		return now, nil
	}

	if strings.HasPrefix(s, "-") {
		d, err := ParseWindow(s[1:])
		if err != nil {
			return time.Time{}, &models.QueryError{Reason: models.QueryInvalidArgument, Message: "invalid relative time " + s}
		}
		return now.Add(-d), nil
	}

	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &models.QueryError{Reason: models.QueryInvalidArgument, Message: "invalid time " + s}
}

// ParseWindow 解析时间窗口，在 time.ParseDuration 基础上支持 d（天）和 w（周）
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty window")
	}

	unit := s[len(s)-1]
	if unit == 'd' || unit == 'w' {
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid window %q", s)
		}
		day := 24 * time.Hour
		if unit == 'w' {
			return time.Duration(n) * 7 * day, nil
		}
		return time.Duration(n) * day, nil
	}
	return time.ParseDuration(s)
}
