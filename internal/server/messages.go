package server

import (
	"encoding/json"

	"github.com/comigor/rfpdesk/internal/conversation"
	"github.com/comigor/rfpdesk/internal/presence"
)

// Browser to server frame types.
const (
	MsgCursorMove    = "cursor_move"
	MsgLeave         = "leave"
	MsgLoadSessions  = "load_sessions"
	MsgCreateSession = "create_session"
	MsgSelectSession = "select_session"
	MsgDeleteSession = "delete_session"
	MsgSendMessage   = "send_message"
	MsgStopStreaming = "stop_streaming"
)

// Server to browser frame types.
const (
	MsgPresence  = "presence"
	MsgChatState = "chat_state"
	MsgError     = "error"
)

// ClientMessage is any frame a browser sends; only the fields relevant to
// Type are read.
type ClientMessage struct {
	Type      string `json:"type"`
	SectionID int64  `json:"section_id,omitempty"`
	Position  int    `json:"position,omitempty"`
	SessionID int64  `json:"session_id,omitempty"`
	Question  string `json:"question,omitempty"`
}

// PresenceMessage carries the collaborators currently in a document.
type PresenceMessage struct {
	Type    string                  `json:"type"`
	Records []presence.CursorRecord `json:"records"`
}

// ChatStateMessage carries a full chat view snapshot.
type ChatStateMessage struct {
	Type string `json:"type"`
	conversation.State
}

// ErrorMessage reports a rejected browser frame.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newPresenceMessage(records []presence.CursorRecord) []byte {
	if records == nil {
		records = []presence.CursorRecord{}
	}
	data, _ := json.Marshal(PresenceMessage{Type: MsgPresence, Records: records})
	return data
}

func newChatStateMessage(state conversation.State) []byte {
	data, _ := json.Marshal(ChatStateMessage{Type: MsgChatState, State: state})
	return data
}

func newErrorMessage(msg string) []byte {
	data, _ := json.Marshal(ErrorMessage{Type: MsgError, Message: msg})
	return data
}
