package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/comigor/rfpdesk/internal/logger"
)

// RedisBroker is a Hub backed by Redis Pub/Sub, letting several server
// instances share one presence channel per document.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to redisURL and verifies the connection.
func NewRedisBroker(redisURL string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisBroker{client: client}, nil
}

// NewRedisBrokerWithClient creates a broker from an existing Redis client
func NewRedisBrokerWithClient(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Join subscribes to topic and waits for the subscription to be active, so
// frames published after Join returns are never missed.
func (b *RedisBroker) Join(ctx context.Context, topic string) (Conn, error) {
	sub := b.client.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := &redisConn{
		client: b.client,
		topic:  topic,
		sub:    sub,
		frames: make(chan []byte, defaultBuffer),
		cancel: cancel,
	}
	c.open.Store(true)
	go c.pump(runCtx)
	return c, nil
}

// Ping checks if Redis is reachable
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisConn struct {
	client    *redis.Client
	topic     string
	sub       *redis.PubSub
	frames    chan []byte
	cancel    context.CancelFunc
	open      atomic.Bool
	closeOnce sync.Once
}

func (c *redisConn) pump(ctx context.Context) {
	defer close(c.frames)
	defer c.open.Store(false)

	ch := c.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				logger.L.Debug("redis transport: subscription channel closed", "topic", c.topic)
				return
			}
			select {
			case c.frames <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *redisConn) Send(ctx context.Context, frame []byte) error {
	if !c.open.Load() {
		return ErrClosed
	}
	if err := c.client.Publish(ctx, c.topic, frame).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", c.topic, err)
	}
	return nil
}

func (c *redisConn) Frames() <-chan []byte { return c.frames }

func (c *redisConn) Open() bool { return c.open.Load() }

func (c *redisConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.open.Store(false)
		c.cancel()
		err = c.sub.Close()
	})
	return err
}
