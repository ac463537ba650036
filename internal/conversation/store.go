// Package conversation owns the chat view state: the session list, the
// active session's messages and the single in-flight streaming exchange.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/comigor/rfpdesk/internal/domain"
	"github.com/comigor/rfpdesk/internal/llm"
	"github.com/comigor/rfpdesk/internal/logger"
)

type (
	Session  = domain.Session
	Message  = domain.Message
	Citation = domain.Citation
)

// ErrStreamInterrupted is surfaced when a stream closes without completing
// or failing.
var ErrStreamInterrupted = errors.New("response stream interrupted")

// Backend is the durable session store.
type Backend interface {
	ListSessions(ctx context.Context) ([]Session, error)
	CreateSession(ctx context.Context, rfpID *int64) (Session, error)
	DeleteSession(ctx context.Context, id int64) error
	SetTitle(ctx context.Context, id int64, title string) error
	Messages(ctx context.Context, sessionID int64) ([]Message, error)
	AppendMessage(ctx context.Context, msg Message) (Message, error)
}

// Exchange lifecycle.
type exchangeState string

const (
	stateIdle      exchangeState = "Idle"
	stateStreaming exchangeState = "Streaming"
)

type exchangeTrigger string

const (
	triggerSend     exchangeTrigger = "Send"
	triggerComplete exchangeTrigger = "Complete"
	triggerFail     exchangeTrigger = "Fail"
	triggerCancel   exchangeTrigger = "Cancel"
)

func newExchangeMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(stateIdle)
	fsm.Configure(stateIdle).
		Permit(triggerSend, stateStreaming)
	fsm.Configure(stateStreaming).
		Permit(triggerComplete, stateIdle).
		Permit(triggerFail, stateIdle).
		Permit(triggerCancel, stateIdle)
	return fsm
}

// State is a point-in-time copy of the store.
type State struct {
	Sessions  []Session `json:"sessions"`
	ActiveID  int64     `json:"active_session_id,omitempty"`
	Messages  []Message `json:"messages"`
	Loading   bool      `json:"loading"`
	Streaming bool      `json:"streaming"`
	Err       string    `json:"error,omitempty"`
}

// Option configures a Store.
type Option func(*Store)

// WithRFPID scopes the store to one RFP: new sessions are tagged with it and
// LoadSessions only lists sessions carrying it.
func WithRFPID(id int64) Option {
	return func(s *Store) { s.rfpID = &id }
}

// WithOnChange registers a callback receiving a fresh State after every
// mutation. Calls are serialised.
func WithOnChange(fn func(State)) Option {
	return func(s *Store) { s.onChange = fn }
}

// Store is one chat view. It is safe for concurrent use; at most one
// exchange streams at a time.
type Store struct {
	backend  Backend
	streamer llm.Streamer
	rfpID    *int64
	onChange func(State)
	log      *slog.Logger

	mu        sync.Mutex
	sessions  []Session
	activeID  int64
	messages  []Message
	loading   bool
	err       string
	selectSeq uint64

	fsm      *stateless.StateMachine
	inflight *exchange
	cancel   context.CancelFunc

	writeMu  sync.Mutex
	notifyMu sync.Mutex
}

// NewStore creates an empty store.
func NewStore(backend Backend, streamer llm.Streamer, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		streamer: streamer,
		fsm:      newExchangeMachine(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.With("component", "conversation")
	if s.rfpID != nil {
		s.log = s.log.With("rfp_id", *s.rfpID)
	}
	return s
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Sessions:  append(make([]Session, 0, len(s.sessions)), s.sessions...),
		ActiveID:  s.activeID,
		Messages:  append(make([]Message, 0, len(s.messages)), s.messages...),
		Loading:   s.loading,
		Streaming: s.inflight != nil,
		Err:       s.err,
	}
}

func (s *Store) notify() {
	if s.onChange == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.onChange(s.Snapshot())
}

// write is one durable store call produced by a state change.
type write func()

func (s *Store) appendWrite(ctx context.Context, msg Message, what string) write {
	ctx = context.WithoutCancel(ctx)
	return func() {
		if _, err := s.backend.AppendMessage(ctx, msg); err != nil {
			s.log.Warn("failed to persist "+what, "session_id", msg.SessionID, "error", err)
		}
	}
}

// unlockAndWrite releases s.mu and runs writes. writeMu is taken before s.mu
// is released, so writes reach the backend in the order of the state
// changes that produced them. Nothing holding writeMu may take s.mu.
func (s *Store) unlockAndWrite(writes ...write) {
	pending := writes[:0:0]
	for _, w := range writes {
		if w != nil {
			pending = append(pending, w)
		}
	}
	if len(pending) == 0 {
		s.mu.Unlock()
		return
	}
	s.writeMu.Lock()
	s.mu.Unlock()
	defer s.writeMu.Unlock()
	for _, w := range pending {
		w()
	}
}

// setActiveLocked switches the active session and invalidates any history
// fetch still in flight.
func (s *Store) setActiveLocked(id int64, loading bool) {
	s.activeID = id
	s.messages = nil
	s.loading = loading
	s.selectSeq++
}

// LoadSessions fetches the session list and selects the most recent session
// when none is active.
func (s *Store) LoadSessions(ctx context.Context) {
	sessions, err := s.backend.ListSessions(ctx)
	if err != nil {
		s.log.Warn("failed to load sessions", "error", err)
		return
	}
	if s.rfpID != nil {
		scoped := sessions[:0:0]
		for _, sess := range sessions {
			if sess.RFPID != nil && *sess.RFPID == *s.rfpID {
				scoped = append(scoped, sess)
			}
		}
		sessions = scoped
	}

	s.mu.Lock()
	s.sessions = sessions
	var head int64
	if s.activeID == 0 && len(sessions) > 0 {
		head = sessions[0].ID
	}
	s.mu.Unlock()
	s.notify()

	if head != 0 {
		s.SelectSession(ctx, head)
	}
}

// CreateSession allocates a session, puts it at the head of the list and
// makes it active with an empty history.
func (s *Store) CreateSession(ctx context.Context) {
	sess, err := s.backend.CreateSession(ctx, s.rfpID)
	if err != nil {
		s.log.Warn("failed to create session", "error", err)
		return
	}
	s.mu.Lock()
	partial, _ := s.stopLocked()
	s.sessions = append([]Session{sess}, s.sessions...)
	s.setActiveLocked(sess.ID, false)
	s.unlockAndWrite(partial)
	s.notify()
}

// SelectSession makes id active and replaces the message cache with its
// persisted history. Loading always ends, even when the fetch fails.
func (s *Store) SelectSession(ctx context.Context, id int64) {
	s.mu.Lock()
	partial, _ := s.stopLocked()
	s.setActiveLocked(id, true)
	seq := s.selectSeq
	s.unlockAndWrite(partial)
	s.notify()

	s.loadHistory(ctx, id, seq)
}

// loadHistory fills the cache for the selection numbered seq. A newer
// selection, or an exchange started meanwhile, wins over the fetch.
func (s *Store) loadHistory(ctx context.Context, id int64, seq uint64) {
	msgs, err := s.backend.Messages(ctx, id)
	if err != nil {
		s.log.Warn("failed to load messages", "session_id", id, "error", err)
	}

	s.mu.Lock()
	if s.selectSeq != seq {
		s.mu.Unlock()
		return
	}
	s.loading = false
	if err == nil {
		s.messages = Displayable(msgs)
	}
	s.mu.Unlock()
	s.notify()
}

// DeleteSession removes a session. When it was active the new head of the
// list is selected, or the store is left without an active session.
func (s *Store) DeleteSession(ctx context.Context, id int64) {
	if err := s.backend.DeleteSession(ctx, id); err != nil {
		s.log.Warn("failed to delete session", "session_id", id, "error", err)
		return
	}

	s.mu.Lock()
	kept := s.sessions[:0:0]
	for _, sess := range s.sessions {
		if sess.ID != id {
			kept = append(kept, sess)
		}
	}
	s.sessions = kept

	var (
		partial write
		next    int64
		seq     uint64
	)
	if s.activeID == id {
		ownedByDeleted := s.inflight != nil && s.inflight.sessionID == id
		partial, _ = s.stopLocked()
		if ownedByDeleted {
			partial = nil
		}
		if len(kept) > 0 {
			next = kept[0].ID
			s.setActiveLocked(next, true)
			seq = s.selectSeq
		} else {
			s.setActiveLocked(0, false)
		}
	}
	s.unlockAndWrite(partial)
	s.notify()

	if next != 0 {
		s.loadHistory(ctx, next, seq)
	}
}

// StopStreaming cancels the in-flight exchange. The streaming message stops
// streaming immediately and keeps its partial content, which is persisted
// before any later exchange can start; anything the stream delivers
// afterwards is dropped. Calling it with nothing in flight does nothing.
func (s *Store) StopStreaming() {
	s.mu.Lock()
	partial, stopped := s.stopLocked()
	s.unlockAndWrite(partial)
	if stopped {
		s.log.Debug("exchange stopped")
		s.notify()
	}
}

// stopLocked ends the in-flight exchange and returns the write persisting
// its partial answer, if it streamed any.
func (s *Store) stopLocked() (write, bool) {
	e := s.inflight
	if e == nil {
		return nil, false
	}
	s.endLocked(triggerCancel)
	s.messages = Stop(s.messages)
	return e.partialWrite(), true
}

// endLocked clears the cancellation handle and returns the machine to idle.
func (s *Store) endLocked(trigger exchangeTrigger) {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.inflight = nil
	if err := s.fsm.Fire(trigger); err != nil {
		s.log.Error("exchange transition rejected", "trigger", trigger, "error", err)
	}
}

// SendMessage runs one question/answer exchange and blocks until it ends.
// It reports false without doing anything when another exchange is in
// flight or the question is blank.
func (s *Store) SendMessage(ctx context.Context, question string) bool {
	if strings.TrimSpace(question) == "" {
		return false
	}

	s.mu.Lock()
	if err := s.fsm.Fire(triggerSend); err != nil {
		s.mu.Unlock()
		return false
	}
	exCtx, cancel := context.WithCancel(ctx)
	e := &exchange{store: s, ctx: ctx, question: question, sessionID: s.activeID}
	s.inflight = e
	s.cancel = cancel
	s.err = ""
	s.mu.Unlock()

	e.run(exCtx)
	return true
}

// exchange is the consumer side of one streaming call. Its fields after
// construction are guarded by the store lock.
type exchange struct {
	store     *Store
	ctx       context.Context // parent, for persistence after the stream ends
	question  string
	sessionID int64
	partial   strings.Builder
}

// current reports whether the exchange still owns the store. Callers hold
// the store lock.
func (e *exchange) current() bool {
	return e.store.inflight == e
}

// partialWrite hands over the streamed text for persistence, once. Error
// placeholders are never persisted. Callers hold the store lock.
func (e *exchange) partialWrite() write {
	if e.partial.Len() == 0 {
		return nil
	}
	content := e.partial.String()
	e.partial.Reset()
	return e.store.appendWrite(e.ctx, Message{
		SessionID: e.sessionID,
		Role:      domain.RoleAssistant,
		Content:   content,
	}, "partial answer")
}

func (e *exchange) run(ctx context.Context) {
	s := e.store

	if e.sessionID == 0 {
		sess, err := s.backend.CreateSession(ctx, s.rfpID)
		s.mu.Lock()
		if !e.current() {
			s.mu.Unlock()
			return
		}
		if err != nil && e.ctx.Err() != nil {
			s.stopLocked()
			s.mu.Unlock()
			s.notify()
			return
		}
		if err != nil {
			s.err = err.Error()
			s.endLocked(triggerFail)
			s.mu.Unlock()
			s.log.Warn("failed to create session for message", "error", err)
			s.notify()
			return
		}
		s.sessions = append([]Session{sess}, s.sessions...)
		s.setActiveLocked(sess.ID, false)
		e.sessionID = sess.ID
		s.mu.Unlock()
	}

	s.mu.Lock()
	if !e.current() {
		s.mu.Unlock()
		return
	}
	history := append([]Message(nil), s.messages...)
	s.messages = Begin(s.messages, e.question)
	// a history fetch still in flight must not replace the exchange's messages
	s.selectSeq++
	s.loading = false
	s.unlockAndWrite(s.appendWrite(e.ctx, Message{SessionID: e.sessionID, Role: domain.RoleUser, Content: e.question}, "question"))
	s.notify()

	events, err := s.streamer.Stream(ctx, domain.StreamRequest{
		Question:  e.question,
		RFPID:     s.rfpID,
		SessionID: e.sessionID,
		History:   history,
	})
	if err != nil {
		if e.ctx.Err() != nil {
			e.stop()
			return
		}
		e.fail(err)
		return
	}

	for ev := range events {
		switch ev.Kind {
		case domain.EventChunk:
			e.chunk(ev)
		case domain.EventDone:
			e.done(ev)
			e.drain(events)
			return
		case domain.EventError:
			e.fail(ev.Err)
			e.drain(events)
			return
		}
	}

	if e.ctx.Err() != nil {
		// the caller went away; treat it as a stop
		e.stop()
		return
	}
	e.fail(ErrStreamInterrupted)
}

// stop is StopStreaming restricted to this exchange.
func (e *exchange) stop() {
	s := e.store
	s.mu.Lock()
	if !e.current() {
		s.mu.Unlock()
		return
	}
	partial, _ := s.stopLocked()
	s.unlockAndWrite(partial)
	s.notify()
}

func (e *exchange) chunk(ev domain.StreamEvent) {
	s := e.store
	s.mu.Lock()
	if !e.current() {
		s.mu.Unlock()
		return
	}
	msgs, applied := Reduce(s.messages, ev)
	if applied {
		s.messages = msgs
		e.partial.WriteString(ev.Text)
	}
	s.mu.Unlock()
	if applied {
		s.notify()
	}
}

func (e *exchange) done(ev domain.StreamEvent) {
	s := e.store
	s.mu.Lock()
	if !e.current() {
		s.mu.Unlock()
		return
	}
	s.messages, _ = Reduce(s.messages, ev)
	s.endLocked(triggerComplete)
	e.partial.Reset()

	var setTitle write
	for i, sess := range s.sessions {
		if sess.ID == e.sessionID && sess.Title == nil {
			title := domain.TitleFromQuestion(e.question)
			sess.Title = &title
			s.sessions[i] = sess
			ctx, sessionID := context.WithoutCancel(e.ctx), e.sessionID
			setTitle = func() {
				if err := s.backend.SetTitle(ctx, sessionID, title); err != nil {
					s.log.Warn("failed to set session title", "session_id", sessionID, "error", err)
				}
			}
		}
	}
	answer := s.appendWrite(e.ctx, Message{
		SessionID: e.sessionID,
		Role:      domain.RoleAssistant,
		Content:   ev.Text,
		Citations: ev.Citations,
	}, "answer")
	s.unlockAndWrite(answer, setTitle)
	s.notify()
}

func (e *exchange) fail(err error) {
	if err == nil {
		err = ErrStreamInterrupted
	}
	s := e.store
	s.mu.Lock()
	if !e.current() {
		s.mu.Unlock()
		return
	}
	s.messages, _ = Reduce(s.messages, domain.StreamEvent{Kind: domain.EventError, Err: err})
	s.err = err.Error()
	s.endLocked(triggerFail)
	s.unlockAndWrite(e.partialWrite())
	s.log.Warn("exchange failed", "session_id", e.sessionID, "error", err)
	s.notify()
}

// drain discards events after the terminal one until the producer closes.
func (e *exchange) drain(events <-chan domain.StreamEvent) {
	for range events {
	}
}
