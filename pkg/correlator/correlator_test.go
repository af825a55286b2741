package correlator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/livesync/pkg/protocol"
)

func reply(req *protocol.Message) *protocol.Message {
	msg := protocol.MustMessage(protocol.TypeActionResponse, map[string]any{"ok": true})
	msg.ResponseID = req.RequestID
	return msg
}

func TestRequestResolvesOnce(t *testing.T) {
	c := New(time.Second)
	var sent *protocol.Message
	var dupResolved atomic.Bool

	resp, err := c.Request(context.Background(), &protocol.Message{Type: protocol.TypeCallAction}, 0, func(m *protocol.Message) error {
		sent = m
		go func() {
			c.Resolve(reply(m))
			dupResolved.Store(c.Resolve(reply(m)))
		}()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, sent.RequestID, resp.ResponseID)
	assert.True(t, sent.ExpectResponse)

	require.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, dupResolved.Load())
	assert.False(t, c.Resolve(reply(sent)))
}

func TestRequestTimeout(t *testing.T) {
	c := New(time.Second)
	start := time.Now()
	_, err := c.Request(context.Background(), &protocol.Message{Type: protocol.TypeCallAction}, 20*time.Millisecond, func(*protocol.Message) error {
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrRequestTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 0, c.Pending())
}

func TestLateReplyAfterTimeoutIsDropped(t *testing.T) {
	c := New(time.Second)
	var sent *protocol.Message
	_, err := c.Request(context.Background(), &protocol.Message{Type: protocol.TypeCallAction}, 10*time.Millisecond, func(m *protocol.Message) error {
		sent = m
		return nil
	})
	require.ErrorIs(t, err, protocol.ErrRequestTimeout)
	assert.False(t, c.Resolve(reply(sent)))
}

func TestErrorReplyBecomesError(t *testing.T) {
	c := New(time.Second)
	_, err := c.Request(context.Background(), &protocol.Message{Type: protocol.TypeComponentMount}, 0, func(m *protocol.Message) error {
		go c.Resolve(protocol.ErrorReply(m, protocol.NewError(protocol.CodeTypeNotFound, "no such type")))
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrTypeNotFound)
}

func TestSendFailureRemovesEntry(t *testing.T) {
	c := New(time.Second)
	boom := errors.New("boom")
	_, err := c.Request(context.Background(), &protocol.Message{Type: protocol.TypeCallAction}, 0, func(*protocol.Message) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Pending())
}

func TestDuplicateRequestID(t *testing.T) {
	c := New(time.Second)
	release := make(chan struct{})
	go func() {
		_, _ = c.Request(context.Background(), &protocol.Message{Type: protocol.TypeCallAction, RequestID: "r1"}, 0, func(*protocol.Message) error {
			close(release)
			return nil
		})
	}()
	<-release

	_, err := c.Request(context.Background(), &protocol.Message{Type: protocol.TypeCallAction, RequestID: "r1"}, 0, func(*protocol.Message) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	c.Close(nil)
}

func TestRejectAllAndClose(t *testing.T) {
	c := New(time.Minute)
	errCh := make(chan error, 2)
	ready := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Request(context.Background(), &protocol.Message{Type: protocol.TypeCallAction}, 0, func(*protocol.Message) error {
				ready <- struct{}{}
				return nil
			})
			errCh <- err
		}()
	}
	<-ready
	<-ready
	require.Eventually(t, func() bool { return c.Pending() == 2 }, time.Second, time.Millisecond)

	closed := protocol.NewError(protocol.CodeConnectionClosed, "gone")
	c.Close(closed)
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-errCh, protocol.ErrConnectionClosed)
	}

	_, err := c.Request(context.Background(), &protocol.Message{Type: protocol.TypeCallAction}, 0, func(*protocol.Message) error {
		t.Fatal("send called after close")
		return nil
	})
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
}

func TestContextCancel(t *testing.T) {
	c := New(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.Request(ctx, &protocol.Message{Type: protocol.TypeCallAction}, 0, func(*protocol.Message) error {
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Pending())
}

func TestDeliverSkipsSender(t *testing.T) {
	c := New(0)
	var a, b atomic.Int32
	c.Handle("comp-a", func(*protocol.Message) { a.Add(1) })
	removeB := c.Handle("comp-b", func(*protocol.Message) { b.Add(1) })

	n := c.Deliver(&protocol.Message{Type: protocol.TypeBroadcast, ComponentID: "comp-a"})
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(0), a.Load())
	assert.Equal(t, int32(1), b.Load())

	removeB()
	assert.Equal(t, 0, c.Deliver(&protocol.Message{Type: protocol.TypeBroadcast, ComponentID: "comp-a"}))
	assert.Equal(t, 0, c.Pending())
}
