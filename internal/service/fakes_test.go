package service

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"iotflow-connectivity/internal/models"
	"iotflow-connectivity/internal/repository"
)

var errStoreDown = errors.New("store unavailable")

// fakeDeviceRepo 仅用于单元测试（内存设备表）
type fakeDeviceRepo struct {
	mu      sync.Mutex
	devices map[int64]*models.Device

	failUpdates int // 接下来 N 次 UpdateLastSeen 失败
	failBatch   bool
	failSync    bool

	updateCalls int
	batchCalls  int
	syncCalls   int
}

func newFakeDeviceRepo(devices ...models.Device) *fakeDeviceRepo {
	f := &fakeDeviceRepo{devices: make(map[int64]*models.Device)}
	for i := range devices {
		d := devices[i]
		if d.ConnectionStatus == "" {
			d.ConnectionStatus = string(models.LivenessOffline)
		}
		f.devices[d.ID] = &d
	}
	return f
}

func (f *fakeDeviceRepo) GetDeviceByAPIKey(ctx context.Context, apiKey string) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.APIKey == apiKey {
			cp := *d
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDeviceRepo) GetDevice(ctx context.Context, deviceID int64) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDeviceRepo) ListDevices(ctx context.Context, afterID int64, limit int) ([]models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.devices))
	for id := range f.devices {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]models.Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, *f.devices[id])
	}
	return out, nil
}

func (f *fakeDeviceRepo) TouchAuthenticated(ctx context.Context, deviceID int64, at time.Time) error {
	return nil
}

func (f *fakeDeviceRepo) advance(deviceID int64, at time.Time) {
	d, ok := f.devices[deviceID]
	if !ok {
		return
	}
	if d.LastSeen == nil || at.After(*d.LastSeen) {
		ts := at
		d.LastSeen = &ts
	}
}

func (f *fakeDeviceRepo) UpdateLastSeen(ctx context.Context, deviceID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.failUpdates > 0 {
		f.failUpdates--
		return errStoreDown
	}
	f.advance(deviceID, at)
	return nil
}

func (f *fakeDeviceRepo) UpdateLastSeenBatch(ctx context.Context, entries map[int64]time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.failBatch {
		return errStoreDown
	}
	for id, at := range entries {
		f.advance(id, at)
	}
	return nil
}

func (f *fakeDeviceRepo) SyncLiveness(ctx context.Context, deviceID int64, lastSeen *time.Time, status models.LivenessStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls++
	if f.failSync {
		return errStoreDown
	}
	if lastSeen != nil {
		f.advance(deviceID, *lastSeen)
	}
	if d, ok := f.devices[deviceID]; ok {
		d.ConnectionStatus = string(status)
	}
	return nil
}

func (f *fakeDeviceRepo) lastSeen(deviceID int64) *time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devices[deviceID]; ok && d.LastSeen != nil {
		ts := *d.LastSeen
		return &ts
	}
	return nil
}

// fakeTelemetryRepo 仅用于单元测试（内存遥测表）
type fakeTelemetryRepo struct {
	mu        sync.Mutex
	records   []models.Measurement
	nextID    int64
	insertErr error
	inserts   int
}

func newFakeTelemetryRepo() *fakeTelemetryRepo {
	return &fakeTelemetryRepo{nextID: 1}
}

func (f *fakeTelemetryRepo) InsertBatch(ctx context.Context, records []models.Measurement) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	for _, r := range records {
		r.ID = f.nextID
		r.CreatedAt = time.Now()
		f.nextID++
		f.records = append(f.records, r)
	}
	return int64(len(records)), nil
}

func (f *fakeTelemetryRepo) filter(keep func(m models.Measurement) bool) []models.Measurement {
	out := []models.Measurement{}
	for _, m := range f.records {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func inRange(m models.Measurement, start, end time.Time) bool {
	return !m.Timestamp.Before(start) && !m.Timestamp.After(end)
}

func (f *fakeTelemetryRepo) Latest(ctx context.Context, deviceID int64, measurement string) (*models.Measurement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.filter(func(m models.Measurement) bool {
		return m.DeviceID == deviceID && (measurement == "" || m.Name == measurement)
	})
	if len(rows) == 0 {
		return nil, nil
	}
	last := rows[len(rows)-1]
	return &last, nil
}

func (f *fakeTelemetryRepo) LatestSnapshot(ctx context.Context, deviceID int64) ([]models.Measurement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.filter(func(m models.Measurement) bool { return m.DeviceID == deviceID })
	if len(rows) == 0 {
		return rows, nil
	}
	maxTS := rows[len(rows)-1].Timestamp
	return f.filter(func(m models.Measurement) bool {
		return m.DeviceID == deviceID && m.Timestamp.Equal(maxTS)
	}), nil
}

func (f *fakeTelemetryRepo) Range(ctx context.Context, rf repository.RangeFilter) ([]models.Measurement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.filter(func(m models.Measurement) bool {
		return m.DeviceID == rf.DeviceID && inRange(m, rf.Start, rf.End) &&
			(rf.Measurement == "" || m.Name == rf.Measurement)
	})
	if rf.Desc {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	if rf.Offset >= len(rows) {
		return []models.Measurement{}, nil
	}
	rows = rows[rf.Offset:]
	if len(rows) > rf.Limit {
		rows = rows[:rf.Limit]
	}
	return rows, nil
}

func (f *fakeTelemetryRepo) Count(ctx context.Context, deviceID int64, start, end time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.filter(func(m models.Measurement) bool {
		return m.DeviceID == deviceID && inRange(m, start, end)
	}))), nil
}

func (f *fakeTelemetryRepo) Aggregate(ctx context.Context, af repository.AggregateFilter) ([]models.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.filter(func(m models.Measurement) bool {
		return m.DeviceID == af.DeviceID && m.Name == af.Measurement &&
			inRange(m, af.Start, af.End) && m.Value.Kind == models.KindNumeric
	})

	width := int64(af.BucketWidth / time.Second)
	type acc struct {
		sum, min, max float64
		n             int64
	}
	accs := map[int64]*acc{}
	var keys []int64
	for _, m := range rows {
		k := int64(math.Floor(float64(m.Timestamp.Unix())/float64(width))) * width
		a, ok := accs[k]
		if !ok {
			a = &acc{min: math.Inf(1), max: math.Inf(-1)}
			accs[k] = a
			keys = append(keys, k)
		}
		v := m.Value.Numeric
		a.sum += v
		a.n++
		a.min = math.Min(a.min, v)
		a.max = math.Max(a.max, v)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := []models.Bucket{}
	for _, k := range keys {
		a := accs[k]
		var v float64
		switch af.Fn {
		case models.AggAvg:
			v = a.sum / float64(a.n)
		case models.AggSum:
			v = a.sum
		case models.AggMin:
			v = a.min
		case models.AggMax:
			v = a.max
		case models.AggCount:
			v = float64(a.n)
		}
		out = append(out, models.Bucket{Start: time.Unix(k, 0).UTC(), Value: v, Count: a.n})
	}
	return out, nil
}

func (f *fakeTelemetryRepo) MultiDeviceRange(ctx context.Context, mf repository.MultiRangeFilter) ([]models.Measurement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := map[int64]bool{}
	for _, id := range mf.DeviceIDs {
		ids[id] = true
	}
	names := map[string]bool{}
	for _, n := range mf.Measurements {
		names[n] = true
	}
	rows := f.filter(func(m models.Measurement) bool {
		return ids[m.DeviceID] && inRange(m, mf.Start, mf.End) && (len(names) == 0 || names[m.Name])
	})
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].DeviceID != rows[j].DeviceID {
			return rows[i].DeviceID < rows[j].DeviceID
		}
		return rows[i].Name < rows[j].Name
	})

	out := []models.Measurement{}
	perSeries := map[models.SeriesKey]int{}
	for _, m := range rows {
		k := models.SeriesKey{DeviceID: m.DeviceID, Measurement: m.Name}
		if perSeries[k] >= mf.LimitPerSeries {
			continue
		}
		perSeries[k]++
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeTelemetryRepo) DeleteRange(ctx context.Context, deviceID int64, start, end time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.records[:0]
	var n int64
	for _, m := range f.records {
		if m.DeviceID == deviceID && inRange(m, start, end) {
			n++
			continue
		}
		kept = append(kept, m)
	}
	f.records = kept
	return n, nil
}

func (f *fakeTelemetryRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// recordingActivity 记录 UpdateActivity 调用
type recordingActivity struct {
	mu    sync.Mutex
	calls []activityCall
	err   error
}

type activityCall struct {
	deviceID int64
	at       time.Time
}

func (r *recordingActivity) UpdateActivity(ctx context.Context, deviceID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, activityCall{deviceID: deviceID, at: at})
	return r.err
}
