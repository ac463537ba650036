// Package presence tracks collaborator cursors in a shared document. A
// Registry belongs to one editing session: it consumes the document channel,
// keeps at most one record per user and evicts records that stop refreshing.
package presence

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/comigor/rfpdesk/internal/logger"
	"github.com/comigor/rfpdesk/internal/transport"
)

const (
	DefaultStaleAfter    = 5 * time.Second
	DefaultSweepInterval = 2 * time.Second
)

// Identity describes the local user of a registry.
type Identity struct {
	UserID   int64
	UserName string
	Color    string
}

var palette = []string{
	"#e57373", "#64b5f6", "#81c784", "#ffb74d",
	"#ba68c8", "#4db6ac", "#f06292", "#a1887f",
}

// ColorFor returns a stable display color for a user.
func ColorFor(userID int64) string {
	h := fnv.New32a()
	var b [8]byte
	for i := range b {
		b[i] = byte(userID >> (8 * i))
	}
	h.Write(b[:])
	return palette[h.Sum32()%uint32(len(palette))]
}

// Option configures a Registry.
type Option func(*Registry)

// WithStaleAfter sets the staleness window.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// WithSweepInterval sets the eviction cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithOnChange registers a callback receiving a fresh snapshot after every
// mutation. Calls are serialised and never deliver an older snapshot after a
// newer one.
func WithOnChange(fn func([]CursorRecord)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// Registry is safe for concurrent use by the listener, the sweep loop and
// the local user's emissions.
type Registry struct {
	conn          transport.Conn
	self          Identity
	staleAfter    time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	onChange      func([]CursorRecord)
	log           *slog.Logger

	mu      sync.Mutex
	records map[int64]CursorRecord

	notifyMu sync.Mutex

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewRegistry creates a registry reading from and emitting on conn.
func NewRegistry(conn transport.Conn, self Identity, opts ...Option) *Registry {
	r := &Registry{
		conn:          conn,
		self:          self,
		staleAfter:    DefaultStaleAfter,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		records:       make(map[int64]CursorRecord),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.self.Color == "" {
		r.self.Color = ColorFor(r.self.UserID)
	}
	r.log = logger.With("component", "presence", "user_id", self.UserID)
	return r
}

// ApplyUpdate folds one inbound frame into the registry. Unusable frames and
// the local user's own emissions are ignored. A cursor update replaces the
// previous record for that user entirely; nothing is inherited from it.
func (r *Registry) ApplyUpdate(frame []byte) {
	switch m := Decode(frame).(type) {
	case CursorUpdate:
		if r.isSelf(m.Record.UserID) {
			return
		}
		r.mu.Lock()
		r.records[m.Record.UserID] = m.Record
		r.mu.Unlock()
		r.notify()

	case UserLeft:
		if r.isSelf(m.UserID) {
			return
		}
		r.mu.Lock()
		_, ok := r.records[m.UserID]
		delete(r.records, m.UserID)
		r.mu.Unlock()
		if ok {
			r.notify()
		}

	case Unknown:
		r.log.Debug("ignoring presence frame", "type", m.Type, "reason", m.Reason)
	}
}

func (r *Registry) isSelf(userID int64) bool {
	return r.self.UserID != 0 && userID == r.self.UserID
}

// Sweep evicts every record older than the staleness window at now, and
// every record without a timestamp. It returns the number evicted.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	removed := 0
	for id, rec := range r.records {
		if rec.Timestamp.IsZero() || now.Sub(rec.Timestamp) > r.staleAfter {
			delete(r.records, id)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.log.Debug("evicted stale cursors", "count", removed)
		r.notify()
	}
	return removed
}

// Send emits the local user's position. It is a no-op when the transport is
// closed and never creates a local record.
func (r *Registry) Send(ctx context.Context, sectionID int64, position int) {
	if r.conn == nil || !r.conn.Open() {
		return
	}
	frame, err := EncodeCursorUpdate(CursorRecord{
		UserID:    r.self.UserID,
		SectionID: sectionID,
		Position:  position,
		Color:     r.self.Color,
		UserName:  r.self.UserName,
		Timestamp: r.now(),
	})
	if err != nil {
		r.log.Debug("encode cursor update failed", "error", err)
		return
	}
	if err := r.conn.Send(ctx, frame); err != nil {
		r.log.Debug("send cursor update failed", "error", err)
	}
}

// Leave announces that the local user left the document, best effort.
func (r *Registry) Leave(ctx context.Context) {
	if r.conn == nil || !r.conn.Open() {
		return
	}
	frame, err := EncodeUserLeft(r.self.UserID)
	if err != nil {
		return
	}
	if err := r.conn.Send(ctx, frame); err != nil {
		r.log.Debug("send leave failed", "error", err)
	}
}

// Snapshot returns the current records ordered by user id.
func (r *Registry) Snapshot() []CursorRecord {
	r.mu.Lock()
	out := make([]CursorRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Editors returns the collaborators whose cursor is inside sectionID, i.e.
// who currently hold that section.
func (r *Registry) Editors(sectionID int64) []CursorRecord {
	var out []CursorRecord
	for _, rec := range r.Snapshot() {
		if rec.SectionID == sectionID {
			out = append(out, rec)
		}
	}
	return out
}

func (r *Registry) notify() {
	if r.onChange == nil {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.onChange(r.Snapshot())
}

// Start launches the transport listener and the sweep loop. Calling Start
// on a running registry does nothing.
func (r *Registry) Start(ctx context.Context) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(2)
	go r.listen(ctx)
	go r.sweepLoop(ctx)
}

// Stop cancels the listener and sweep loop and waits for both to exit. It
// is safe to call more than once.
func (r *Registry) Stop() {
	r.lifecycleMu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.lifecycleMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
}

func (r *Registry) listen(ctx context.Context) {
	defer r.wg.Done()
	if r.conn == nil {
		return
	}
	frames := r.conn.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				// the sweep keeps running so remaining cursors still expire
				r.log.Debug("presence transport closed")
				return
			}
			r.ApplyUpdate(frame)
		}
	}
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}
