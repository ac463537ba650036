package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/comigor/rfpdesk/internal/domain"
)

var errBoom = errors.New("boom")

// mockBackend is an in-memory Backend; the Func fields override single calls.
type mockBackend struct {
	mu       sync.Mutex
	nextID   int64
	sessions []Session
	messages map[int64][]Message

	ListSessionsFunc  func(ctx context.Context) ([]Session, error)
	CreateSessionFunc func(ctx context.Context, rfpID *int64) (Session, error)
	DeleteSessionFunc func(ctx context.Context, id int64) error
	MessagesFunc      func(ctx context.Context, sessionID int64) ([]Message, error)
}

func newMockBackend() *mockBackend {
	return &mockBackend{messages: make(map[int64][]Message)}
}

func (m *mockBackend) seed(title string, rfpID *int64, msgs ...Message) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	sess := Session{ID: m.nextID, RFPID: rfpID, CreatedAt: time.Unix(m.nextID, 0)}
	if title != "" {
		sess.Title = &title
	}
	m.sessions = append([]Session{sess}, m.sessions...)
	for _, msg := range msgs {
		msg.SessionID = sess.ID
		m.messages[sess.ID] = append(m.messages[sess.ID], msg)
	}
	return sess
}

func (m *mockBackend) ListSessions(ctx context.Context) ([]Session, error) {
	if m.ListSessionsFunc != nil {
		return m.ListSessionsFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Session(nil), m.sessions...), nil
}

func (m *mockBackend) CreateSession(ctx context.Context, rfpID *int64) (Session, error) {
	if m.CreateSessionFunc != nil {
		return m.CreateSessionFunc(ctx, rfpID)
	}
	return m.seed("", rfpID), nil
}

func (m *mockBackend) DeleteSession(ctx context.Context, id int64) error {
	if m.DeleteSessionFunc != nil {
		return m.DeleteSessionFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sess := range m.sessions {
		if sess.ID == id {
			m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
			delete(m.messages, id)
			return nil
		}
	}
	return errors.New("not found")
}

func (m *mockBackend) SetTitle(_ context.Context, id int64, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sess := range m.sessions {
		if sess.ID == id {
			m.sessions[i].Title = &title
			return nil
		}
	}
	return errors.New("not found")
}

func (m *mockBackend) Messages(ctx context.Context, sessionID int64) ([]Message, error) {
	if m.MessagesFunc != nil {
		return m.MessagesFunc(ctx, sessionID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages[sessionID]...), nil
}

func (m *mockBackend) AppendMessage(_ context.Context, msg Message) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.IsStreaming = false
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg)
	return msg, nil
}

func (m *mockBackend) stored(sessionID int64) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages[sessionID]...)
}

func (m *mockBackend) title(sessionID int64) *string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		if sess.ID == sessionID {
			return sess.Title
		}
	}
	return nil
}

// mockStreamer mirrors llm.Streamer.
type mockStreamer struct {
	mu       sync.Mutex
	requests []domain.StreamRequest

	StreamFunc func(ctx context.Context, req domain.StreamRequest) (<-chan domain.StreamEvent, error)
}

func (m *mockStreamer) Stream(ctx context.Context, req domain.StreamRequest) (<-chan domain.StreamEvent, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.StreamFunc(ctx, req)
}

func (m *mockStreamer) Requests() []domain.StreamRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.StreamRequest(nil), m.requests...)
}

// scripted replays events, stopping early when ctx is cancelled.
func scripted(events ...domain.StreamEvent) *mockStreamer {
	return &mockStreamer{StreamFunc: func(ctx context.Context, _ domain.StreamRequest) (<-chan domain.StreamEvent, error) {
		out := make(chan domain.StreamEvent)
		go func() {
			defer close(out)
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}}
}

// fed forwards whatever the test pushes on feed. When ignoreCancel is set
// it keeps delivering after cancellation, like a transport slow to tear
// down, and closes only when feed is closed.
func fed(feed <-chan domain.StreamEvent, ignoreCancel bool) *mockStreamer {
	return &mockStreamer{StreamFunc: func(ctx context.Context, _ domain.StreamRequest) (<-chan domain.StreamEvent, error) {
		out := make(chan domain.StreamEvent, 16)
		go func() {
			defer close(out)
			for {
				if ignoreCancel {
					ev, ok := <-feed
					if !ok {
						return
					}
					out <- ev
					continue
				}
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-feed:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
		return out, nil
	}}
}

func chunk(text string) domain.StreamEvent {
	return domain.StreamEvent{Kind: domain.EventChunk, Text: text}
}

func done(text string, citations ...Citation) domain.StreamEvent {
	return domain.StreamEvent{Kind: domain.EventDone, Text: text, Citations: citations}
}

func failed(err error) domain.StreamEvent {
	return domain.StreamEvent{Kind: domain.EventError, Err: err}
}
