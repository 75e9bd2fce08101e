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
	"crypto/tls"
	"errors"
	"io"

	"go.uber.org/zap"
)

// outcome is the non-blocking result of a single engine step, per
// SPEC_FULL.md §4.1: ok, want-read, want-write, or fatal(err).
type outcome int

const (
	outcomeOK outcome = iota
	outcomeWantRead
	outcomeWantWrite
	outcomeFatal
)

func (o outcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeWantRead:
		return "want-read"
	case outcomeWantWrite:
		return "want-write"
	case outcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// opResult is what a background goroutine running one blocking crypto/tls
// call reports back through a buffered channel.
type opResult struct {
	n    int
	data []byte
	err  error
}

// asyncOp tracks at most one in-flight blocking call of one kind (handshake,
// decrypt, encrypt, shutdown). Its existence IS the "in flight" flag; the
// polling method for that kind (pollOp, AttemptRead, AttemptWrite) clears
// the pointer once the result has been collected, satisfying
// invariant 6 (at most one of each kind in flight at any instant).
type asyncOp struct {
	ch chan opResult
}

// engine is the memory-BIO-style adapter described in SPEC_FULL.md §4.1. It
// wraps a blocking *tls.Conn running over an in-process memPipe, and
// exposes only the non-blocking ok/want-read/want-write/fatal surface to
// the transport core. Every method here is called from the transport's
// single loop goroutine; the only other goroutines touching engine state
// are the short-lived op goroutines started by ensureOp, which communicate
// exclusively through the op's result channel.
type engine struct {
	pipe     *memPipe
	conn     *tls.Conn
	isClient bool
	log      *zap.Logger
	wake     wakeChan

	handshake *asyncOp
	reading   *asyncOp
	writing   *asyncOp
	shutdown  *asyncOp
}

// newEngine constructs the engine adapter and its private in-process pipe,
// but does not start the handshake — the caller drives that via Step().
func newEngine(cfg *tls.Config, isClient bool, serverName string, log *zap.Logger, wake wakeChan) *engine {
	pipe := newMemPipe()
	conn := &engineConn{pipe: pipe}

	cfgCopy := cfg.Clone()
	if cfgCopy == nil {
		cfgCopy = new(tls.Config)
	}
	if isClient {
		if serverName != "" && cfgCopy.ServerName == "" {
			cfgCopy.ServerName = serverName
		}
		// The zero value, RenegotiateNever, makes crypto/tls reject a
		// peer's renegotiation request with a fatal alert instead of
		// accepting it transparently inside the next Read/Write, which
		// Renegotiate()'s contract depends on.
		if cfgCopy.Renegotiation == tls.RenegotiateNever {
			cfgCopy.Renegotiation = tls.RenegotiateFreelyAsClient
		}
	}

	var tlsConn *tls.Conn
	if isClient {
		tlsConn = tls.Client(conn, cfgCopy)
	} else {
		tlsConn = tls.Server(conn, cfgCopy)
	}

	return &engine{
		pipe:     pipe,
		conn:     tlsConn,
		isClient: isClient,
		log:      log,
		wake:     wake,
	}
}

// FeedCiphertext injects ciphertext received from the socket into the
// engine's inbound buffer. Non-blocking.
func (e *engine) FeedCiphertext(b []byte) {
	e.pipe.FeedCiphertext(b)
}

// DrainCiphertext removes and returns ciphertext the engine has emitted,
// ready to be written to the socket. Non-blocking; nil if nothing pending.
func (e *engine) DrainCiphertext() []byte {
	return e.pipe.DrainCiphertext()
}

// CloseInput signals the engine that the peer has reached TCP EOF, so a
// blocked Read unblocks with io.EOF instead of hanging forever.
func (e *engine) CloseInput() {
	e.pipe.CloseRead()
}

// Destroy tears down the in-process pipe, unblocking and erroring out any
// op goroutine still waiting on it. Called once, on transition to CLOSED.
func (e *engine) Destroy() {
	e.pipe.Close()
}

func (e *engine) ensureOp(slot **asyncOp, fn func() opResult) *asyncOp {
	if *slot == nil {
		ch := make(chan opResult, 1)
		wake := e.wake
		go func() {
			ch <- fn()
			wake.notify()
		}()
		*slot = &asyncOp{ch: ch}
	}
	return *slot
}

// Step attempts one non-blocking unit of handshake progress. Any
// ciphertext the engine emitted (even on a want-read/want-write outcome)
// is drained by the caller via DrainCiphertext after calling Step, exactly
// as SPEC_FULL.md §4.2 describes.
func (e *engine) Step() (outcome, error) {
	op := e.ensureOp(&e.handshake, func() opResult {
		return opResult{err: e.conn.Handshake()}
	})
	o, res := e.pollOp(op, &e.handshake)
	return o, res.err
}

// pollOp collects a finished op's result without blocking, with the slot
// passed explicitly, since Step and Shutdown each hold their own *asyncOp
// field. AttemptRead and AttemptWrite poll their ops inline.
func (e *engine) pollOp(op *asyncOp, slot **asyncOp) (outcome, opResult) {
	select {
	case res := <-op.ch:
		*slot = nil
		if res.err != nil {
			return outcomeFatal, res
		}
		return outcomeOK, res
	default:
		if e.pipe.HasPendingOutbound() {
			return outcomeWantWrite, opResult{}
		}
		return outcomeWantRead, opResult{}
	}
}

// AttemptRead tries to decrypt one chunk of application data, up to
// maxLen bytes. At end of stream the result is outcomeOK with io.EOF as
// the error, which the caller must translate to EOFReceived rather than a
// zero-length DataReceived.
func (e *engine) AttemptRead(maxLen int) (outcome, []byte, error) {
	op := e.ensureOp(&e.reading, func() opResult {
		buf := make([]byte, maxLen)
		n, err := e.conn.Read(buf)
		return opResult{n: n, data: buf[:n], err: err}
	})
	select {
	case res := <-op.ch:
		e.reading = nil
		if res.err != nil && errors.Is(res.err, io.EOF) {
			return outcomeOK, res.data, io.EOF
		}
		if res.err != nil {
			return outcomeFatal, nil, res.err
		}
		return outcomeOK, res.data, nil
	default:
		if e.pipe.HasPendingOutbound() {
			return outcomeWantWrite, nil, nil
		}
		return outcomeWantRead, nil, nil
	}
}

// AttemptWrite tries to encrypt and emit one chunk of application data.
// On outcomeOK, n is how much of data was consumed (the caller should
// advance tx_app by n and retry with the remainder if any).
func (e *engine) AttemptWrite(data []byte) (outcome, int, error) {
	op := e.ensureOp(&e.writing, func() opResult {
		n, err := e.conn.Write(data)
		return opResult{n: n, err: err}
	})
	select {
	case res := <-op.ch:
		e.writing = nil
		if res.err != nil {
			return outcomeFatal, 0, res.err
		}
		return outcomeOK, res.n, nil
	default:
		if e.pipe.HasPendingOutbound() {
			return outcomeWantWrite, 0, nil
		}
		return outcomeWantRead, 0, nil
	}
}

// Shutdown requests a clean TLS shutdown (sends close-notify). It is
// non-blocking like every other engine operation; the caller drains
// DrainCiphertext to get the close-notify alert onto the wire.
func (e *engine) Shutdown() (outcome, error) {
	op := e.ensureOp(&e.shutdown, func() opResult {
		return opResult{err: e.conn.CloseWrite()}
	})
	o, res := e.pollOp(op, &e.shutdown)
	return o, res.err
}

// Renegotiate requests a mid-session TLS renegotiation. On TLS 1.3 this is
// not meaningful (see the GLOSSARY) and is refused. On earlier versions,
// Go's crypto/tls only supports accepting a server-initiated renegotiation
// request as a client — which happens transparently inside a subsequent
// AttemptRead/AttemptWrite call, with no explicit state change, matching
// design note 4.3 ("renegotiation is not an explicit state"). This method
// exists to validate that the current session is eligible and to surface
// a clear error otherwise, rather than silently doing nothing.
func (e *engine) Renegotiate() error {
	state := e.conn.ConnectionState()
	if !state.HandshakeComplete {
		return ErrInvalidState
	}
	if state.Version == tls.VersionTLS13 {
		return ErrNotSupported
	}
	if !e.isClient {
		// crypto/tls's server implementation never initiates
		// renegotiation; only a client can accept a peer's request.
		return ErrNotSupported
	}
	return nil
}

// ConnectionState exposes the negotiated TLS session for GetExtraInfo.
func (e *engine) ConnectionState() tls.ConnectionState {
	return e.conn.ConnectionState()
}
