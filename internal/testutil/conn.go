// Package testutil holds fakes shared by package tests.
package testutil

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

// Conn is an in-memory connection that records every event sent to it.
type Conn struct {
	id         string
	principal  models.Principal
	credential string

	mu     sync.Mutex
	events []models.Event
	closed atomic.Bool
	notify chan struct{}
}

func NewConn(p models.Principal) *Conn {
	return &Conn{id: uuid.NewString(), principal: p, notify: make(chan struct{}, 1)}
}

// WithCredential sets the token the connection was opened with.
func (c *Conn) WithCredential(tok string) *Conn {
	c.credential = tok
	return c
}

func (c *Conn) ID() string                  { return c.id }
func (c *Conn) Principal() models.Principal { return c.principal }
func (c *Conn) Credential() string          { return c.credential }

func (c *Conn) Send(ev models.Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Conn) Closed() bool { return c.closed.Load() }

// Events returns a copy of everything received so far.
func (c *Conn) Events() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Event(nil), c.events...)
}

// OfType filters the received events by type.
func (c *Conn) OfType(t models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range c.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops everything received so far.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

// WaitFor blocks until an event of type t arrives or fails the test after timeout.
func (c *Conn) WaitFor(t testing.TB, typ models.EventType, timeout time.Duration) models.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if evs := c.OfType(typ); len(evs) > 0 {
			return evs[len(evs)-1]
		}
		select {
		case <-c.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("connection %s: no %s event within %s", c.principal.ID, typ, timeout)
			return models.Event{}
		}
	}
}
