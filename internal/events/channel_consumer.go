package events

import "fmt"

// ChannelConsumer forwards events to a buffered channel, dropping events
// when the reader falls behind
type ChannelConsumer struct {
	name string
	ch   chan StatusEvent
}

// NewChannelConsumer creates a consumer with the given buffer
func NewChannelConsumer(name string, buffer int) *ChannelConsumer {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelConsumer{name: name, ch: make(chan StatusEvent, buffer)}
}

// Name implements StatusConsumer
func (c *ChannelConsumer) Name() string { return c.name }

// C returns the receive side of the channel
func (c *ChannelConsumer) C() <-chan StatusEvent { return c.ch }

// ProcessStatus implements StatusConsumer
func (c *ChannelConsumer) ProcessStatus(event StatusEvent) error {
	select {
	case c.ch <- event:
		return nil
	default:
		return fmt.Errorf("consumer %s is full", c.name)
	}
}
