package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTelemetryClient_Send(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/telemetry", r.URL.Path)
		assert.Equal(t, "abc123", r.Header.Get("X-API-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"code":2000,"type":"success","message":"ok","result":{"batch_id":"b-1","device_id":7,"stored_count":3}}`))
	}))
	defer srv.Close()

	client := NewTelemetryClient(srv.URL, "abc123", time.Second, zap.NewNop())
	resp, err := client.Send(NewReading(1).Next(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, "b-1", resp.Result.BatchID)
	assert.Equal(t, int64(3), resp.Result.StoredCount)

	data := got["data"].(map[string]any)
	assert.Contains(t, data, "temperature")
	assert.Contains(t, data, "humidity")
	assert.Equal(t, "2025-06-01T08:00:00Z", got["timestamp"])
	assert.NotContains(t, got, "api_key")
}

func TestTelemetryClient_RetriesUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":-1,"type":"error","message":"failed to store telemetry, retry later"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"code":2000,"type":"success","message":"ok","result":{"batch_id":"b-2"}}`))
	}))
	defer srv.Close()

	client := NewTelemetryClient(srv.URL, "abc123", time.Second, zap.NewNop())
	resp, err := client.Send(TelemetryRequest{Data: map[string]any{"t": 1}})
	require.NoError(t, err)
	assert.Equal(t, "b-2", resp.Result.BatchID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTelemetryClient_Rejected(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":-1,"type":"error","message":"invalid API key"}`))
	}))
	defer srv.Close()

	client := NewTelemetryClient(srv.URL, "bad", time.Second, zap.NewNop())
	_, err := client.Send(TelemetryRequest{Data: map[string]any{"t": 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid API key")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestReading_StaysInRange(t *testing.T) {
	gen := NewReading(42)
	for i := 0; i < 500; i++ {
		req := gen.Next(time.Now())
		temp := req.Data["temperature"].(float64)
		hum := req.Data["humidity"].(float64)
		assert.GreaterOrEqual(t, temp, -20.0)
		assert.LessOrEqual(t, temp, 50.0)
		assert.GreaterOrEqual(t, hum, 0.0)
		assert.LessOrEqual(t, hum, 100.0)
	}
}

func TestMQTTPayload_CarriesAPIKey(t *testing.T) {
	payload, err := MQTTPayload(TelemetryRequest{Data: map[string]any{"t": 1.5}}, "abc123")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "abc123", decoded["api_key"])
	assert.Equal(t, 1.5, decoded["data"].(map[string]any)["t"])
}
