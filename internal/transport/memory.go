package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/comigor/rfpdesk/internal/logger"
)

const defaultBuffer = 256

// Broker is an in-process Hub. Frames are fanned out to every connection on
// a topic; a connection whose buffer is full drops the frame.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[string]*memConn
	buffer int
}

// NewBroker creates an empty in-process broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]map[string]*memConn),
		buffer: defaultBuffer,
	}
}

// Join registers a new connection on topic.
func (b *Broker) Join(_ context.Context, topic string) (Conn, error) {
	c := &memConn{
		id:     uuid.NewString(),
		topic:  topic,
		broker: b,
		frames: make(chan []byte, b.buffer),
	}
	c.open.Store(true)

	b.mu.Lock()
	if _, ok := b.topics[topic]; !ok {
		b.topics[topic] = make(map[string]*memConn)
	}
	b.topics[topic][c.id] = c
	b.mu.Unlock()

	return c, nil
}

// Members returns the number of open connections on topic.
func (b *Broker) Members(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Broker) publish(topic string, frame []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, c := range b.topics[topic] {
		select {
		case c.frames <- frame:
		default:
			logger.L.Debug("broker: dropping frame for slow connection", "topic", topic, "conn_id", id)
		}
	}
}

func (b *Broker) remove(c *memConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if conns, ok := b.topics[c.topic]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(b.topics, c.topic)
		}
	}
	// removal happens under the write lock, so no publish can race the close
	close(c.frames)
}

type memConn struct {
	id        string
	topic     string
	broker    *Broker
	frames    chan []byte
	open      atomic.Bool
	closeOnce sync.Once
}

func (c *memConn) Send(ctx context.Context, frame []byte) error {
	if !c.open.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.broker.publish(c.topic, frame)
	return nil
}

func (c *memConn) Frames() <-chan []byte { return c.frames }

func (c *memConn) Open() bool { return c.open.Load() }

func (c *memConn) Close() error {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		c.broker.remove(c)
	})
	return nil
}
