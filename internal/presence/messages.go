package presence

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Frame types on the shared document channel.
const (
	TypeCursorUpdate = "cursor_update"
	TypeUserLeft     = "user_left"
)

// CursorRecord is the live position of one collaborator in a document.
type CursorRecord struct {
	UserID    int64     `json:"user_id"`
	SectionID int64     `json:"section_id"`
	Position  int       `json:"position"`
	Color     string    `json:"color"`
	UserName  string    `json:"user_name"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is the wire shape of every presence frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is a decoded presence frame: CursorUpdate, UserLeft or Unknown.
type Message interface {
	isMessage()
}

// CursorUpdate carries a complete replacement record for one user.
type CursorUpdate struct {
	Record CursorRecord
}

// UserLeft is an explicit leave for one user.
type UserLeft struct {
	UserID int64
}

// Unknown is any frame that is not a usable presence message. It is always
// ignored.
type Unknown struct {
	Type   string
	Reason string
}

func (CursorUpdate) isMessage() {}
func (UserLeft) isMessage()     {}
func (Unknown) isMessage()      {}

type cursorPayload struct {
	UserID    json.RawMessage `json:"user_id"`
	SectionID int64           `json:"section_id"`
	Position  int             `json:"position"`
	UserName  string          `json:"user_name"`
	Color     string          `json:"color"`
	Timestamp string          `json:"timestamp,omitempty"`
	UpdatedAt string          `json:"updated_at,omitempty"`
}

type leavePayload struct {
	UserID json.RawMessage `json:"user_id"`
}

// Decode never fails: frames that cannot be used decode to Unknown.
func Decode(frame []byte) Message {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Unknown{Reason: "malformed envelope"}
	}

	switch env.Type {
	case TypeCursorUpdate:
		var p cursorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Unknown{Type: env.Type, Reason: "malformed data"}
		}
		userID, ok := parseUserID(p.UserID)
		if !ok {
			return Unknown{Type: env.Type, Reason: "missing numeric user_id"}
		}
		ts := p.Timestamp
		if ts == "" {
			ts = p.UpdatedAt
		}
		return CursorUpdate{Record: CursorRecord{
			UserID:    userID,
			SectionID: p.SectionID,
			Position:  p.Position,
			Color:     p.Color,
			UserName:  p.UserName,
			Timestamp: parseTimestamp(ts),
		}}

	case TypeUserLeft:
		var p leavePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Unknown{Type: env.Type, Reason: "malformed data"}
		}
		userID, ok := parseUserID(p.UserID)
		if !ok {
			return Unknown{Type: env.Type, Reason: "missing numeric user_id"}
		}
		return UserLeft{UserID: userID}

	default:
		return Unknown{Type: env.Type, Reason: "unrecognized type"}
	}
}

// parseUserID accepts JSON numbers with an integral value only.
func parseUserID(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	if id, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return id, true
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
}

// parseTimestamp returns the zero time for missing or unparseable values,
// which the sweep treats as immediately stale.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// EncodeCursorUpdate builds an outbound cursor_update frame.
func EncodeCursorUpdate(r CursorRecord) ([]byte, error) {
	data, err := json.Marshal(cursorPayload{
		UserID:    json.RawMessage(strconv.FormatInt(r.UserID, 10)),
		SectionID: r.SectionID,
		Position:  r.Position,
		UserName:  r.UserName,
		Color:     r.Color,
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: TypeCursorUpdate, Data: data})
}

// EncodeUserLeft builds an outbound user_left frame.
func EncodeUserLeft(userID int64) ([]byte, error) {
	data, err := json.Marshal(leavePayload{UserID: json.RawMessage(strconv.FormatInt(userID, 10))})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: TypeUserLeft, Data: data})
}
