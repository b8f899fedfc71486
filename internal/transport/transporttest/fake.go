// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"vpnlink/internal/transport"
)

// ErrRefused is the default error returned by a refusing Fake.
var ErrRefused = errors.New("transporttest: connection refused")

// Fake is a scriptable transport.Transport.
type Fake struct {
	URL string

	mu        sync.Mutex
	state     transport.ReadyState
	openErr   error
	block     chan struct{}
	sent      [][]byte
	onMessage func([]byte)
	onClose   func(error)
	closed    bool
	opened    bool
	// Reply, when set, is called for every sent message; its non-nil
	// result is delivered back through OnMessage.
	Reply func([]byte) []byte
}

func (f *Fake) Open(ctx context.Context) error {
	f.mu.Lock()
	block := f.block
	err := f.openErr
	if f.closed {
		f.mu.Unlock()
		return transport.ErrClosed
	}
	f.state = transport.StateConnecting
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			f.mu.Lock()
			f.state = transport.StateClosed
			f.mu.Unlock()
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	if err != nil {
		f.state = transport.StateClosed
		return err
	}
	f.state = transport.StateOpen
	f.opened = true
	return nil
}

func (f *Fake) Send(data []byte) error {
	f.mu.Lock()
	if f.state != transport.StateOpen {
		f.mu.Unlock()
		return transport.ErrNotOpen
	}
	msg := append([]byte(nil), data...)
	f.sent = append(f.sent, msg)
	reply := f.Reply
	f.mu.Unlock()

	if reply != nil {
		if out := reply(msg); out != nil {
			go f.Deliver(out)
		}
	}
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	fire := f.opened
	f.state = transport.StateClosed
	fn := f.onClose
	f.mu.Unlock()
	if fire && fn != nil {
		fn(nil)
	}
	return nil
}

func (f *Fake) ReadyState() transport.ReadyState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) OnMessage(fn func([]byte)) {
	f.mu.Lock()
	f.onMessage = fn
	f.mu.Unlock()
}

func (f *Fake) OnClose(fn func(error)) {
	f.mu.Lock()
	f.onClose = fn
	f.mu.Unlock()
}

// Deliver pushes an inbound message to the registered handler.
func (f *Fake) Deliver(msg []byte) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// Drop simulates the peer going away after all low-level retries failed.
func (f *Fake) Drop(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.state = transport.StateClosed
	fn := f.onClose
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Release unblocks an Open held by a Factory created with Block.
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.block != nil {
		close(f.block)
		f.block = nil
	}
}

// Sent returns a copy of all messages sent so far.
func (f *Fake) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// IsClosed reports whether Close or Drop was called.
func (f *Fake) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Factory records every transport it creates.
type Factory struct {
	mu      sync.Mutex
	created []*Fake
	// Refuse makes Open fail for URLs it returns true for.
	Refuse func(url string) bool
	// Block makes Open wait until Release is called.
	Block bool
	Reply func(url string, msg []byte) []byte
}

// Create implements transport.Factory.
func (fc *Factory) Create(url string) transport.Transport {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	f := &Fake{URL: url}
	if fc.Refuse != nil && fc.Refuse(url) {
		f.openErr = ErrRefused
	}
	if fc.Block {
		f.block = make(chan struct{})
	}
	if fc.Reply != nil {
		reply := fc.Reply
		f.Reply = func(msg []byte) []byte { return reply(url, msg) }
	}
	fc.created = append(fc.created, f)
	return f
}

// Created returns the transports created so far.
func (fc *Factory) Created() []*Fake {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make([]*Fake, len(fc.created))
	copy(out, fc.created)
	return out
}

// Last returns the most recently created transport, or nil.
func (fc *Factory) Last() *Fake {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.created) == 0 {
		return nil
	}
	return fc.created[len(fc.created)-1]
}
