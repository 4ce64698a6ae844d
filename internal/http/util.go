package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"iotflow-connectivity/internal/models"
	"iotflow-connectivity/internal/service"
)

var errForbidden = errors.New("forbidden: device mismatch")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 将领域错误映射为 HTTP 状态码
func writeError(w http.ResponseWriter, err error) {
	var (
		authErr   *models.AuthError
		validErr  *models.ValidationError
		ingestErr *models.IngestError
		queryErr  *models.QueryError
		sizeErr   *http.MaxBytesError
	)

	switch {
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusUnauthorized, Fail("invalid API key"))
	case errors.As(err, &validErr):
		status := http.StatusUnprocessableEntity
		if validErr.Reason == models.ValidationEmptyBatch || validErr.Reason == models.ValidationMalformed {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, FailWith(validErr.Error(), map[string]any{
			"reason": validErr.Reason,
			"issues": validErr.Issues,
		}))
	case errors.As(err, &ingestErr):
		writeJSON(w, http.StatusServiceUnavailable, FailWith("failed to store telemetry, retry later",
			map[string]any{"retryable": ingestErr.Retryable}))
	case errors.As(err, &queryErr):
		writeJSON(w, http.StatusBadRequest, FailWith(queryErr.Error(), map[string]any{"reason": queryErr.Reason}))
	case errors.As(err, &sizeErr):
		writeJSON(w, http.StatusRequestEntityTooLarge, FailWith("request body too large",
			map[string]any{"limit_bytes": sizeErr.Limit}))
	case errors.Is(err, service.ErrDeviceNotFound):
		writeJSON(w, http.StatusNotFound, Fail("device not found"))
	case errors.Is(err, errForbidden):
		writeJSON(w, http.StatusForbidden, Fail(err.Error()))
	default:
		writeJSON(w, http.StatusInternalServerError, Fail("internal server error"))
	}
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

// readBodyJSON 解码请求体，数字保留为 json.Number；空请求体返回 io.EOF
// 超过 maxBytes 时返回 *http.MaxBytesError，由 writeError 映射为 413
func readBodyJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return err
	}
	return nil
}

func bodyTooLarge(err error) bool {
	var sizeErr *http.MaxBytesError
	return errors.As(err, &sizeErr)
}

// pathSegments 去掉前缀后按 / 切分，如 /api/v1/telemetry/7/latest -> [7 latest]
func pathSegments(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func parseDeviceID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, &models.QueryError{Reason: models.QueryInvalidArgument, Message: fmt.Sprintf("invalid device id %q", s)}
	}
	return id, nil
}

// parseTimestamp 解析上报中的时间戳（ISO 8601，无时区按 UTC）
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q, use ISO 8601", s)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, Fail("method not allowed"))
}
