// Package mock provides a test double for the duplex channel.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/meetcap/internal/chunk"
	"github.com/MrWong99/meetcap/internal/stream"
)

// Channel is a scripted stand-in for [*stream.Channel]. It records every call
// and keeps accepted messages in [Channel.Sent].
type Channel struct {
	mu sync.Mutex

	// OpenErr is returned by Open when set.
	OpenErr error

	// SendErr is returned by Send when set. SendErrFor overrides it per seq.
	SendErr    error
	SendErrFor map[int64]error

	state        stream.State
	sessionID    string
	sent         []chunk.Message
	opens        []string
	closes       int
	openGate     <-chan struct{}
	onDisconnect func(error)
}

// Open records the call and transitions to open unless OpenErr is set. With
// a gate installed it blocks until the gate is closed, ignoring ctx.
func (c *Channel) Open(_ context.Context, sessionID string) error {
	c.mu.Lock()
	c.opens = append(c.opens, sessionID)
	gate := c.openGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OpenErr != nil {
		c.state = stream.StateClosed
		return c.OpenErr
	}
	c.state = stream.StateOpen
	c.sessionID = sessionID
	return nil
}

// Send records msg when the channel is open and no error is scripted.
func (c *Channel) Send(msg chunk.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.SendErrFor[msg.Seq]; ok && err != nil {
		return err
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	if c.state != stream.StateOpen {
		return stream.ErrNotOpen
	}
	if msg.SessionID != c.sessionID {
		return stream.ErrNoSession
	}
	c.sent = append(c.sent, msg)
	return nil
}

// Close records the call.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.state = stream.StateClosed
	c.sessionID = ""
	return nil
}

// State returns the simulated connection state.
func (c *Channel) State() stream.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnDisconnect stores fn for [Channel.Drop].
func (c *Channel) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Drop simulates an unexpected link loss.
func (c *Channel) Drop(err error) {
	c.mu.Lock()
	c.state = stream.StateClosed
	cb := c.onDisconnect
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// Sent returns a copy of the accepted messages.
func (c *Channel) Sent() []chunk.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chunk.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// Opens returns the session ids passed to Open, in order.
func (c *Channel) Opens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.opens))
	copy(out, c.opens)
	return out
}

// Closes returns the number of Close calls.
func (c *Channel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// SetSendErr changes SendErr under the lock.
func (c *Channel) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SendErr = err
}

// SetOpenGate makes later Open calls wait for gate to be closed.
func (c *Channel) SetOpenGate(gate <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openGate = gate
}
