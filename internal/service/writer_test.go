package service

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"iotflow-connectivity/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var device7 = &models.Device{ID: 7, UserID: 3, Status: models.DeviceStatusActive, DeviceType: "sensor"}

func newWriter(t *testing.T) (*TelemetryWriter, *fakeTelemetryRepo, *recordingActivity) {
	t.Helper()
	repo := newFakeTelemetryRepo()
	activity := &recordingActivity{}
	return NewTelemetryWriter(repo, activity, nil, time.Second, 100, zap.NewNop()), repo, activity
}

func ts(d time.Duration) *time.Time {
	t := trackerT0.Add(d)
	return &t
}

func TestIngest_ThenLatestReturnsValue(t *testing.T) {
	w, repo, _ := newWriter(t)
	q := NewQueryEngine(repo, time.Second, 10000, zap.NewNop())
	ctx := context.Background()

	res, err := w.Ingest(ctx, device7, Batch{Entries: []Entry{
		{Name: "temperature", Value: json.Number("23.7"), Unit: "C"},
		{Name: "humidity", Value: 41.25},
	}}, trackerT0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Stored)
	assert.NotEmpty(t, res.BatchID)

	latest, err := q.Latest(ctx, 7, "temperature")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, models.KindNumeric, latest.Value.Kind)
	assert.InDelta(t, 23.7, latest.Value.Numeric, 1e-9)
	assert.Equal(t, "C", latest.Unit)
	assert.Equal(t, res.BatchID, latest.Metadata["batch_id"])
	assert.Equal(t, int64(3), latest.UserID)
}

func TestIngest_AllValueKinds(t *testing.T) {
	w, repo, _ := newWriter(t)

	_, err := w.Ingest(context.Background(), device7, Batch{Entries: []Entry{
		{Name: "n", Value: 1.5},
		{Name: "t", Value: "ok"},
		{Name: "b", Value: true},
		{Name: "s", Value: map[string]interface{}{"lat": 1.0}},
	}}, trackerT0)
	require.NoError(t, err)

	kinds := map[string]models.ValueKind{}
	for _, r := range repo.records {
		kinds[r.Name] = r.Value.Kind
	}
	assert.Equal(t, map[string]models.ValueKind{
		"n": models.KindNumeric,
		"t": models.KindText,
		"b": models.KindBoolean,
		"s": models.KindStructured,
	}, kinds)
}

func TestIngest_EmptyBatchRejected(t *testing.T) {
	w, repo, activity := newWriter(t)

	_, err := w.Ingest(context.Background(), device7, Batch{}, trackerT0)

	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, models.ValidationEmptyBatch, verr.Reason)
	assert.Zero(t, repo.inserts)
	assert.Empty(t, activity.calls)
}

func TestIngest_OneUntypedEntryRejectsWholeBatch(t *testing.T) {
	w, repo, activity := newWriter(t)

	_, err := w.Ingest(context.Background(), device7, Batch{Entries: []Entry{
		{Name: "temperature", Value: 21.0},
		{Name: "broken", Value: nil},
		{Name: "humidity", Value: 40.0},
	}}, trackerT0)

	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, models.ValidationUntypedValue, verr.Reason)
	require.Len(t, verr.Issues, 1)
	assert.Equal(t, 1, verr.Issues[0].Index)
	assert.Equal(t, "broken", verr.Issues[0].Name)

	assert.Zero(t, repo.count())
	assert.Zero(t, repo.inserts)
	assert.Empty(t, activity.calls)
}

func TestIngest_NonFiniteRejected(t *testing.T) {
	w, repo, _ := newWriter(t)

	_, err := w.Ingest(context.Background(), device7, Batch{Entries: []Entry{
		{Name: "a", Value: math.NaN()},
		{Name: "b", Value: math.Inf(-1)},
		{Name: "", Value: 1.0},
	}}, trackerT0)

	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, models.ValidationOutOfRange, verr.Reason)
	require.Len(t, verr.Issues, 3)
	assert.Equal(t, models.ValidationMalformed, verr.Issues[2].Reason)
	assert.Zero(t, repo.count())
}

func TestIngest_BatchTooLarge(t *testing.T) {
	repo := newFakeTelemetryRepo()
	w := NewTelemetryWriter(repo, &recordingActivity{}, nil, time.Second, 2, zap.NewNop())

	_, err := w.Ingest(context.Background(), device7, Batch{Entries: []Entry{
		{Name: "a", Value: 1.0}, {Name: "b", Value: 1.0}, {Name: "c", Value: 1.0},
	}}, trackerT0)

	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, models.ValidationMalformed, verr.Reason)
}

func TestIngest_ActivityOncePerBatchWithMaxTimestamp(t *testing.T) {
	w, _, activity := newWriter(t)

	res, err := w.Ingest(context.Background(), device7, Batch{Entries: []Entry{
		{Name: "a", Value: 1.0, Timestamp: ts(-10 * time.Second)},
		{Name: "b", Value: 2.0, Timestamp: ts(-2 * time.Second)},
		{Name: "c", Value: 3.0, Timestamp: ts(-30 * time.Second)},
	}}, trackerT0)
	require.NoError(t, err)

	require.Len(t, activity.calls, 1)
	assert.Equal(t, int64(7), activity.calls[0].deviceID)
	assert.True(t, trackerT0.Add(-2*time.Second).Equal(activity.calls[0].at))
	assert.True(t, res.Timestamp.Equal(activity.calls[0].at))
}

func TestIngest_DefaultsToReceivedAt(t *testing.T) {
	w, repo, activity := newWriter(t)

	_, err := w.Ingest(context.Background(), device7, Batch{Entries: []Entry{
		{Name: "a", Value: 1.0},
	}}, trackerT0)
	require.NoError(t, err)

	assert.True(t, trackerT0.Equal(repo.records[0].Timestamp))
	assert.True(t, trackerT0.Equal(activity.calls[0].at))
}

func TestIngest_PersistenceFailureIsRetryable(t *testing.T) {
	w, repo, activity := newWriter(t)
	repo.insertErr = errStoreDown

	_, err := w.Ingest(context.Background(), device7, Batch{Entries: []Entry{{Name: "a", Value: 1.0}}}, trackerT0)

	var ierr *models.IngestError
	require.ErrorAs(t, err, &ierr)
	assert.True(t, ierr.Retryable)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Empty(t, activity.calls)
}

func TestIngest_ActivityFailureDoesNotFailIngest(t *testing.T) {
	w, repo, activity := newWriter(t)
	activity.err = errStoreDown

	res, err := w.Ingest(context.Background(), device7, Batch{Entries: []Entry{{Name: "a", Value: 1.0}}}, trackerT0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Stored)
	assert.Equal(t, 1, repo.count())
}

func TestIngest_PublishesStreamEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	stream := "iot:telemetry:stream"

	repo := newFakeTelemetryRepo()
	publisher := NewStreamPublisher(client, stream, 1000, time.Second)
	w := NewTelemetryWriter(repo, &recordingActivity{}, publisher, time.Second, 100, zap.NewNop())

	res, err := w.Ingest(ctx, device7, Batch{Entries: []Entry{
		{Name: "temperature", Value: 20.0},
		{Name: "temperature", Value: 21.0, Timestamp: ts(time.Second)},
	}}, trackerT0)
	require.NoError(t, err)

	entries, err := client.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var event TelemetryEvent
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["data"].(string)), &event))
	assert.Equal(t, "telemetry.ingested", event.Type)
	assert.Equal(t, res.BatchID, event.BatchID)
	assert.Equal(t, int64(7), event.DeviceID)
	assert.Equal(t, int64(2), event.Count)
	assert.Equal(t, []string{"temperature"}, event.Measurements)
}

func TestIngest_PublishFailureIgnored(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	repo := newFakeTelemetryRepo()
	w := NewTelemetryWriter(repo, &recordingActivity{}, NewStreamPublisher(client, "s", 0, 100*time.Millisecond),
		time.Second, 100, zap.NewNop())

	_, err := w.Ingest(context.Background(), device7, Batch{Entries: []Entry{{Name: "a", Value: 1.0}}}, trackerT0)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.count())
}
