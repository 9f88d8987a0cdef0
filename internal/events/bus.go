// Package events delivers save-status notifications to UI-facing consumers
// without ever blocking the publisher.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lemlab/verifier/internal/logger"
)

// DefaultBufferSize is used when Config.BufferSize is not positive
const DefaultBufferSize = 256

// Config holds bus configuration
type Config struct {
	BufferSize int
}

// Bus dispatches StatusEvents to registered consumers from a single worker,
// preserving publish order
type Bus struct {
	eventChan chan StatusEvent

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	mu      sync.RWMutex

	consumers []StatusConsumer

	published atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64

	log logger.Logger
}

// NewBus creates a bus. The worker starts with the first consumer.
func NewBus(cfg *Config, log logger.Logger) *Bus {
	if cfg == nil {
		cfg = &Config{}
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	if log == nil {
		log = logger.NewDiscard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		eventChan: make(chan StatusEvent, size),
		ctx:       ctx,
		cancel:    cancel,
		log:       log.Module("events"),
	}
}

// RegisterConsumer adds a consumer and starts the worker if needed
func (b *Bus) RegisterConsumer(c StatusConsumer) error {
	if c == nil {
		return fmt.Errorf("consumer cannot be nil")
	}
	if b.ctx.Err() != nil {
		return fmt.Errorf("event bus is shut down")
	}

	b.mu.Lock()
	b.consumers = append(b.consumers, c)
	b.mu.Unlock()

	if b.running.CompareAndSwap(false, true) {
		b.wg.Add(1)
		go b.worker()
	}
	b.log.Debug("registered status consumer", logger.String("consumer", c.Name()))
	return nil
}

// TryPublish enqueues event without blocking. It returns false when the
// event was dropped because the buffer is full or the bus is shut down.
func (b *Bus) TryPublish(event StatusEvent) bool {
	if b == nil || b.ctx.Err() != nil {
		return false
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventChan <- event:
		b.published.Add(1)
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			b.drain()
			return
		case ev := <-b.eventChan:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) drain() {
	for {
		select {
		case ev := <-b.eventChan:
			b.dispatch(ev)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ev StatusEvent) {
	b.mu.RLock()
	consumers := make([]StatusConsumer, len(b.consumers))
	copy(consumers, b.consumers)
	b.mu.RUnlock()

	for _, c := range consumers {
		b.deliver(c, ev)
	}
}

func (b *Bus) deliver(c StatusConsumer, ev StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.failed.Add(1)
			b.log.Error("status consumer panicked",
				logger.String("consumer", c.Name()),
				logger.Any("panic", r))
		}
	}()

	if err := c.ProcessStatus(ev); err != nil {
		b.failed.Add(1)
		b.log.Warn("status consumer failed",
			logger.String("consumer", c.Name()),
			logger.Error(err))
		return
	}
	b.processed.Add(1)
}

// Shutdown stops the worker after delivering buffered events
func (b *Bus) Shutdown(timeout time.Duration) error {
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("event bus shutdown timed out after %v", timeout)
	}
}

// GetStats returns current counters
func (b *Bus) GetStats() Stats {
	return Stats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Processed: b.processed.Load(),
		Failed:    b.failed.Load(),
	}
}
