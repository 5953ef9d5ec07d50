package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultPoolSize = 1000
	defaultTimeout  = 30 * time.Second
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

type Config struct {
	// PoolSize bounds the number of in-flight calls of each subscription.
	PoolSize int
	// Timeout bounds a single handler call.
	Timeout time.Duration
}

type subscription struct {
	handler Handler
	pool    chan struct{}
}

// Bus is an in-memory event bus. Every subscription has its own goroutine pool, so a slow handler
// only delays its own events.
type Bus struct {
	poolSize int
	timeout  time.Duration

	wg       *sync.WaitGroup
	mu       sync.RWMutex
	handlers map[string][]*subscription
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus(opts ...Config) *Bus {
	var c Config
	if len(opts) > 0 {
		c = opts[0]
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}

	return &Bus{
		poolSize: c.PoolSize,
		timeout:  c.Timeout,
		wg:       new(sync.WaitGroup),
		handlers: make(map[string][]*subscription),
	}
}

// Subscribe to an event
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[name] = append(b.handlers[name], &subscription{
		handler: h,
		pool:    make(chan struct{}, b.poolSize),
	})
}

// Publish an event
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.handlers[e.Name()] {
		b.dispatch(ctx, sub, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, sub *subscription, e Event) {
	b.wg.Add(1)

	sub.pool <- struct{}{}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "event: handler panic",
					"event", e.Name(),
					"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
				)
			}

			cancel()
			<-sub.pool
			b.wg.Done()
		}()

		if err := sub.handler(ctx, e); err != nil {
			slog.ErrorContext(ctx, "event: handle event failed",
				"event", e.Name(),
				"error", err,
			)
		}
	}()
}

// Stop waits for all handlers to finish
func (b *Bus) Stop() {
	b.wg.Wait()
}
