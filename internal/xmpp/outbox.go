package xmpp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"mellium.im/xmlstream"
)

// Sender writes a stanza to the server.
type Sender interface {
	Send(v xmlstream.Marshaler) error
}

// ErrOutboxFull is returned by Outbox.Send when the buffer has no room.
var ErrOutboxFull = errors.New("xmpp: outbox full")

// Outbox queues outbound stanzas so the caller never blocks on the network.
// A single Run goroutine drains it into the stream.
type Outbox struct {
	stanzas chan xmlstream.Marshaler
	mu      sync.Mutex
	closed  bool
}

// NewOutbox creates an Outbox buffering up to size stanzas.
//
// Postcondition: Returns an open Outbox; size <= 0 selects 64.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{stanzas: make(chan xmlstream.Marshaler, size)}
}

// Send enqueues v without blocking.
//
// Postcondition: v is queued, or ErrClosed / ErrOutboxFull is returned.
func (o *Outbox) Send(v xmlstream.Marshaler) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	select {
	case o.stanzas <- v:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Len returns the number of queued stanzas.
func (o *Outbox) Len() int {
	return len(o.stanzas)
}

// Run writes queued stanzas to dst until the outbox is closed and drained,
// or a write fails. Cancelling ctx closes the outbox and flushes what is
// already queued.
//
// Postcondition: Returns nil on cancellation or close, otherwise the write error.
func (o *Outbox) Run(ctx context.Context, dst Sender) error {
	for {
		select {
		case <-ctx.Done():
			_ = o.Close()
			for v := range o.stanzas {
				if err := dst.Send(v); err != nil {
					return fmt.Errorf("flushing stanza: %w", err)
				}
			}
			return nil
		case v, ok := <-o.stanzas:
			if !ok {
				return nil
			}
			if err := dst.Send(v); err != nil {
				return fmt.Errorf("writing stanza: %w", err)
			}
		}
	}
}

// Close stops accepting stanzas. Already queued stanzas are still drained by Run.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.stanzas)
	}
	return nil
}
