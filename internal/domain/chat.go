package domain

import (
	"time"
	"unicode/utf8"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// TitleMaxRunes bounds a session title derived from its first question.
const TitleMaxRunes = 80

// Session is one chat thread.
type Session struct {
	ID        int64     `json:"id"`
	Title     *string   `json:"title"`
	RFPID     *int64    `json:"rfp_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Citation is a structured reference attached to an assistant answer.
type Citation struct {
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
}

// Message is one entry of a session. IsStreaming is never persisted.
type Message struct {
	ID          int64      `json:"id,omitempty"`
	SessionID   int64      `json:"session_id,omitempty"`
	Role        string     `json:"role"`
	Content     string     `json:"content"`
	Citations   []Citation `json:"citations,omitempty"`
	IsStreaming bool       `json:"is_streaming"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
}

// Displayable reports whether the message belongs in a chat view.
func (m Message) Displayable() bool {
	return m.Role == RoleUser || m.Role == RoleAssistant
}

// TitleFromQuestion truncates a question to TitleMaxRunes characters.
func TitleFromQuestion(question string) string {
	if utf8.RuneCountInString(question) <= TitleMaxRunes {
		return question
	}
	runes := []rune(question)
	return string(runes[:TitleMaxRunes])
}

// StreamRequest opens one streaming exchange.
type StreamRequest struct {
	Question  string    `json:"question"`
	RFPID     *int64    `json:"rfp_id,omitempty"`
	SessionID int64     `json:"session_id"`
	History   []Message `json:"-"`
}

// StreamEventKind discriminates StreamEvent.
type StreamEventKind int

const (
	EventChunk StreamEventKind = iota + 1
	EventDone
	EventError
)

func (k StreamEventKind) String() string {
	switch k {
	case EventChunk:
		return "chunk"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEvent is one item of a streaming exchange: zero or more chunks
// followed by exactly one Done or Error, unless the consumer cancels first.
type StreamEvent struct {
	Kind      StreamEventKind
	Text      string     // chunk text, or the authoritative full text on Done
	Citations []Citation // Done only
	Err       error      // Error only
}
