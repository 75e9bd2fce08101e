// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package starttls

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// memPipe is the in-process, non-blocking duplex byte pipe that the engine
// adapter runs a blocking *tls.Conn against, keeping crypto/tls entirely
// off the real socket (SPEC_FULL.md §4.1). "toEngine" holds ciphertext the
// transport core has fed in (from the wire) that crypto/tls's blocking
// Read has not yet consumed; "fromEngine" holds ciphertext crypto/tls has
// written (to be sent to the wire) that the transport core has not yet
// drained. Exactly one of each may be in flight, matching invariant 6.
type memPipe struct {
	mu         sync.Mutex
	cond       *sync.Cond
	toEngine   bytes.Buffer
	fromEngine bytes.Buffer
	inputEOF   bool // CloseRead called: engine's Read returns io.EOF once toEngine drains
	closed     bool // Close called: both directions torn down
}

func newMemPipe() *memPipe {
	p := &memPipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// FeedCiphertext appends ciphertext read from the real socket, waking any
// blocked engine Read. Non-blocking.
func (p *memPipe) FeedCiphertext(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toEngine.Write(b)
	p.cond.Broadcast()
}

// DrainCiphertext removes and returns everything the engine has written so
// far, ready for the transport to hand to the socket. Non-blocking; returns
// nil if nothing is pending.
func (p *memPipe) DrainCiphertext() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fromEngine.Len() == 0 {
		return nil
	}
	out := make([]byte, p.fromEngine.Len())
	copy(out, p.fromEngine.Bytes())
	p.fromEngine.Reset()
	return out
}

// HasPendingOutbound reports whether the engine has written ciphertext
// that hasn't been drained yet — the signal the engine adapter uses, while
// an op is still in flight, to distinguish "want-write" from "want-read".
func (p *memPipe) HasPendingOutbound() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fromEngine.Len() > 0
}

// CloseRead signals clean EOF to the engine's next Read once toEngine has
// drained, used when the socket sees peer EOF in OPEN.
func (p *memPipe) CloseRead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputEOF = true
	p.cond.Broadcast()
}

// Close tears down both directions; blocked Reads/Writes return io.ErrClosedPipe.
func (p *memPipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}

// engineConn adapts a memPipe into the net.Conn crypto/tls.Conn expects.
// It is touched from the engine's short-lived op goroutines (engine.go),
// where a read op and a write op may run at the same time; it needs no
// locking of its own because all of its state lives in memPipe, under
// memPipe's mutex.
type engineConn struct {
	pipe *memPipe
}

func (c *engineConn) Read(b []byte) (int, error) {
	c.pipe.mu.Lock()
	defer c.pipe.mu.Unlock()
	for c.pipe.toEngine.Len() == 0 {
		if c.pipe.closed {
			return 0, io.ErrClosedPipe
		}
		if c.pipe.inputEOF {
			return 0, io.EOF
		}
		c.pipe.cond.Wait()
	}
	return c.pipe.toEngine.Read(b)
}

func (c *engineConn) Write(b []byte) (int, error) {
	c.pipe.mu.Lock()
	defer c.pipe.mu.Unlock()
	if c.pipe.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := c.pipe.fromEngine.Write(b)
	c.pipe.cond.Broadcast()
	return n, err
}

func (c *engineConn) Close() error {
	c.pipe.Close()
	return nil
}

func (c *engineConn) LocalAddr() net.Addr                { return memAddr{} }
func (c *engineConn) RemoteAddr() net.Addr               { return memAddr{} }
func (c *engineConn) SetDeadline(t time.Time) error      { return nil }
func (c *engineConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *engineConn) SetWriteDeadline(t time.Time) error { return nil }

// memAddr satisfies net.Addr for the purely in-process engineConn; the
// transport core exposes the real socket's addresses via GetExtraInfo.
type memAddr struct{}

func (memAddr) Network() string { return "mem" }
func (memAddr) String() string  { return "mem-engine-pipe" }
