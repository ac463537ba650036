package presence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecode_CursorUpdate(t *testing.T) {
	frame := `{"type":"cursor_update","data":{"user_id":7,"section_id":3,"position":12,"user_name":"Ana","color":"#e57373","timestamp":"2026-10-18T10:00:00.250Z"}}`

	msg, ok := Decode([]byte(frame)).(CursorUpdate)
	require.True(t, ok)
	require.Equal(t, CursorRecord{
		UserID:    7,
		SectionID: 3,
		Position:  12,
		Color:     "#e57373",
		UserName:  "Ana",
		Timestamp: time.Date(2026, 10, 18, 10, 0, 0, 250_000_000, time.UTC),
	}, msg.Record)
}

func TestDecode_UpdatedAtFallback(t *testing.T) {
	frame := `{"type":"cursor_update","data":{"user_id":7,"updated_at":"2026-10-18T10:00:00Z"}}`

	msg, ok := Decode([]byte(frame)).(CursorUpdate)
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC), msg.Record.Timestamp)
}

func TestDecode_IgnoredFrames(t *testing.T) {
	cases := map[string]string{
		"malformed json":      `{"type":`,
		"unrecognized type":   `{"type":"selection","data":{"user_id":7}}`,
		"missing user id":     `{"type":"cursor_update","data":{"section_id":1}}`,
		"string user id":      `{"type":"cursor_update","data":{"user_id":"7"}}`,
		"null user id":        `{"type":"cursor_update","data":{"user_id":null}}`,
		"fractional user id":  `{"type":"cursor_update","data":{"user_id":7.5}}`,
		"data not an object":  `{"type":"cursor_update","data":[1,2]}`,
		"leave without user":  `{"type":"user_left","data":{}}`,
		"no data at all":      `{"type":"cursor_update"}`,
		"bare json primitive": `42`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := Decode([]byte(frame)).(Unknown)
			require.True(t, ok, "expected Unknown for %s", frame)
		})
	}
}

func TestDecode_MissingTimestampIsZero(t *testing.T) {
	msg, ok := Decode([]byte(`{"type":"cursor_update","data":{"user_id":1,"timestamp":"yesterday"}}`)).(CursorUpdate)
	require.True(t, ok)
	require.True(t, msg.Record.Timestamp.IsZero())
}

func TestDecode_UserLeft(t *testing.T) {
	msg, ok := Decode([]byte(`{"type":"user_left","data":{"user_id":12}}`)).(UserLeft)
	require.True(t, ok)
	require.Equal(t, int64(12), msg.UserID)
}

func TestEncodeCursorUpdate_DecodesBack(t *testing.T) {
	rec := CursorRecord{
		UserID:    3,
		SectionID: 8,
		Position:  40,
		Color:     "#64b5f6",
		UserName:  "Bo",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	frame, err := EncodeCursorUpdate(rec)
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(frame, &env))
	require.Equal(t, TypeCursorUpdate, env["type"])
	data := env["data"].(map[string]any)
	require.Equal(t, "2026-01-02T03:04:05Z", data["timestamp"])

	msg, ok := Decode(frame).(CursorUpdate)
	require.True(t, ok)
	require.Equal(t, rec, msg.Record)
}
