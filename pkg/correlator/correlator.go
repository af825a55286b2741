// Package correlator multiplexes request/reply pairs and broadcast traffic
// over a single message channel.
//
// Every request expecting a reply is tagged with a unique id. The first
// reply whose responseId matches resolves the waiter and removes the entry;
// later replies for the same id are dropped. A request that outlives its
// timeout is removed and fails with a REQUEST_TIMEOUT error. Nothing is
// retried.
package correlator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-dev/livesync/pkg/protocol"
)

// DefaultTimeout applies when a request is made with a zero timeout.
const DefaultTimeout = 10 * time.Second

var (
	// ErrDuplicateRequest is returned when a request id is already pending.
	ErrDuplicateRequest = errors.New("correlator: duplicate request id")

	// ErrClosed is returned by Request after Close.
	ErrClosed = protocol.NewError(protocol.CodeConnectionClosed, "correlator closed")
)

// Handler receives broadcast-class messages.
type Handler func(msg *protocol.Message)

type outcome struct {
	msg *protocol.Message
	err error
}

type pending struct {
	ch    chan outcome
	timer *time.Timer
}

type handlerEntry struct {
	identity string
	fn       Handler
}

// Correlator matches replies to outstanding requests.
type Correlator struct {
	timeout time.Duration

	mu       sync.Mutex
	pending  map[string]*pending
	handlers map[uint64]handlerEntry
	nextID   uint64
	closed   error
}

// New creates a Correlator. A non-positive timeout uses DefaultTimeout.
func New(timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Correlator{
		timeout:  timeout,
		pending:  make(map[string]*pending),
		handlers: make(map[uint64]handlerEntry),
	}
}

// NewRequestID returns a fresh request id.
func NewRequestID() string {
	return uuid.NewString()
}

// Request registers msg as pending, hands it to send, and waits for the
// matching reply. msg gets a request id if it has none and is marked as
// expecting a response. An ERROR reply is returned as its *protocol.Error.
func (c *Correlator) Request(ctx context.Context, msg *protocol.Message, timeout time.Duration, send func(*protocol.Message) error) (*protocol.Message, error) {
	if msg.RequestID == "" {
		msg.RequestID = NewRequestID()
	}
	msg.ExpectResponse = true
	if timeout <= 0 {
		timeout = c.timeout
	}

	id := msg.RequestID
	p := &pending{ch: make(chan outcome, 1)}

	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return nil, err
	}
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return nil, ErrDuplicateRequest
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		c.settle(id, outcome{err: protocol.Errorf(protocol.CodeRequestTimeout, "no reply to %s within %s", id, timeout)})
	})
	c.mu.Unlock()

	if err := send(msg); err != nil {
		c.cancel(id)
		return nil, err
	}

	select {
	case out := <-p.ch:
		if out.err != nil {
			return nil, out.err
		}
		if out.msg.Type == protocol.TypeError {
			var ep protocol.ErrorPayload
			if err := out.msg.DecodePayload(&ep); err != nil {
				return out.msg, err
			}
			return out.msg, ep.Err()
		}
		return out.msg, nil
	case <-ctx.Done():
		c.cancel(id)
		return nil, ctx.Err()
	}
}

// Resolve delivers msg to the waiter whose request id equals
// msg.ResponseID. It reports whether a waiter was found; duplicates and late
// replies return false.
func (c *Correlator) Resolve(msg *protocol.Message) bool {
	if msg == nil || msg.ResponseID == "" {
		return false
	}
	return c.settle(msg.ResponseID, outcome{msg: msg})
}

// RejectAll fails every pending request with err.
func (c *Correlator) RejectAll(err error) {
	c.mu.Lock()
	entries := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()

	for _, p := range entries {
		p.timer.Stop()
		p.ch <- outcome{err: err}
	}
}

// Close rejects all pending requests with err and refuses new ones.
func (c *Correlator) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	c.handlers = make(map[uint64]handlerEntry)
	c.mu.Unlock()
	c.RejectAll(err)
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Handle registers fn to receive broadcast-class messages on behalf of
// identity. The returned func removes the registration.
func (c *Correlator) Handle(identity string, fn Handler) (remove func()) {
	c.mu.Lock()
	c.nextID++
	key := c.nextID
	c.handlers[key] = handlerEntry{identity: identity, fn: fn}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, key)
		c.mu.Unlock()
	}
}

// Deliver fans msg out to every registered handler whose identity differs
// from the sender (msg.ComponentID). It bypasses correlation entirely and
// returns the number of handlers invoked.
func (c *Correlator) Deliver(msg *protocol.Message) int {
	c.mu.Lock()
	targets := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		if h.identity != msg.ComponentID {
			targets = append(targets, h.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range targets {
		fn(msg)
	}
	return len(targets)
}

func (c *Correlator) settle(id string, out outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- out
	return true
}

func (c *Correlator) cancel(id string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}
