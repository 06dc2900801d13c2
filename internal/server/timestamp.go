package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Numbers at or above this are unix milliseconds; smaller ones are unix seconds.
const millisecondThreshold = 1_000_000_000_000

// flexibleTime decodes RFC3339 strings, unix seconds and unix milliseconds, either as JSON
// numbers or numeric strings. null and "" decode to the zero time.
type flexibleTime struct {
	time.Time
}

func (t *flexibleTime) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if trimmed[0] == '"' {
		var raw string
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
		parsed, err := parseTimestamp(raw)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	parsed, err := parseTimestamp(string(trimmed))
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func parseTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	if number, err := strconv.ParseFloat(value, 64); err == nil {
		return fromUnixNumber(number), nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %q", raw)
}

func fromUnixNumber(number float64) time.Time {
	if number >= millisecondThreshold {
		return time.UnixMilli(int64(number)).UTC()
	}
	seconds := int64(number)
	nanos := int64((number - float64(seconds)) * float64(time.Second))
	return time.Unix(seconds, nanos).UTC()
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatMillis(millis int64) string {
	if millis == 0 {
		return ""
	}
	return formatTimestamp(time.UnixMilli(millis))
}
