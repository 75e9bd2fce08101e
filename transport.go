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

// Package starttls implements a TLS-capable stream transport that bridges
// a non-blocking socket and a memory-BIO-style TLS engine, supporting
// deferred handshake (STARTTLS), mid-session renegotiation, and a
// post-handshake hook whose failure cleanly aborts the connection before
// any user payload is exposed. See SPEC_FULL.md for the full design.
package starttls

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// defaultWriteHighWatermark and defaultWriteLowWatermark are the
	// backpressure watermarks from SPEC_FULL.md §3: 64 KiB / 16 KiB.
	defaultWriteHighWatermark = 64 * 1024
	defaultWriteLowWatermark  = 16 * 1024

	// maxEncryptChunk bounds how much of tx_app is handed to the engine
	// in a single AttemptWrite call, so one enormous Write() call can't
	// monopolize the loop goroutine for multiple round trips of crypto.
	maxEncryptChunk = 16 * 1024

	// maxAdvanceIterations bounds the "drive until stable" loop inside
	// advance() so a logic error can't turn into a busy-spin; crossing it
	// is always a bug, logged as a warning.
	maxAdvanceIterations = 64
)

// Transport is the per-connection state machine described in SPEC_FULL.md
// §3. All fields below except phaseVal and metricsVal are touched only by
// the loop goroutine started in newTransport's caller (run). Every other
// goroutine interacts with a Transport through its exported methods: most
// of those (Write, Close, Abort, ...) marshal a closure onto the loop via
// cmds/wake without waiting for it to run — the same non-blocking contract
// asyncio's own transport.write()/close()/abort() have — which is what
// makes it safe to call them from within a Protocol callback itself
// (DataReceived echoing straight back via Write, for instance). phaseVal
// is additionally readable synchronously off the loop goroutine, via an
// atomic, so those methods can validate preconditions without a round
// trip. StartTLS is the one exception that genuinely blocks the calling
// goroutine until the loop resolves it (see its doc comment).
type Transport struct {
	id  uuid.UUID
	log *zap.Logger

	sock *socket
	eng  *engine

	proto Protocol

	phaseVal atomic.Int32 // Phase

	txApp  []byte // tx_app: user bytes awaiting encryption
	txWire []byte // tx_wire: ciphertext awaiting a socket write

	pausedReading bool
	writeHigh     int
	writeLow      int
	writingPaused bool

	starttlsWaiter chan error

	postHook PostHandshakeHook
	hookTask *hookTask
	// closingDuringHook/abortingDuringHook are set when Close/Abort
	// interrupts POST_HANDSHAKE_HOOK: the transition to CLOSED is
	// deferred until the cancelled hook actually reports back (P4).
	closingDuringHook  bool
	abortingDuringHook bool

	// shutdownPending is set when Close() launches the engine's close-notify
	// write from OPEN; driveClosing polls it to completion (collecting the
	// ciphertext it emits) before the transport is allowed to transition to
	// CLOSED, so the alert is never dropped on the floor by a pipe torn down
	// out from under the still-running shutdown goroutine.
	shutdownPending bool

	closeReason    error
	closeReasonSet bool

	tlsCtxFactory func(*Transport) (*tls.Config, error)
	serverName    string
	isClient      bool
	useStartTLS   bool

	connectionMadeCalled bool
	eofDelivered         bool

	metricsVal atomic.Value // MetricsSnapshot

	wake    wakeChan
	cmds    chan func()
	stopped chan struct{}
}

// Options configures watermarks and other tunables away from their
// SPEC_FULL.md §3 defaults.
type Options struct {
	WriteHighWatermark int
	WriteLowWatermark  int
}

func newTransport(conn net.Conn, isClient bool, useStartTLS bool, serverName string,
	tlsCtxFactory func(*Transport) (*tls.Config, error), proto Protocol,
	hook PostHandshakeHook, opts Options, log *zap.Logger,
) *Transport {
	id := uuid.New()
	if log == nil {
		log = Log()
	}
	log = log.With(zap.String("id", id.String()), zap.String("remote", conn.RemoteAddr().String()))

	high := opts.WriteHighWatermark
	if high <= 0 {
		high = defaultWriteHighWatermark
	}
	low := opts.WriteLowWatermark
	if low <= 0 {
		low = defaultWriteLowWatermark
	}

	wake := newWakeChan()
	t := &Transport{
		id:            id,
		log:           log,
		proto:         proto,
		writeHigh:     high,
		writeLow:      low,
		tlsCtxFactory: tlsCtxFactory,
		serverName:    serverName,
		isClient:      isClient,
		useStartTLS:   useStartTLS,
		postHook:      hook,
		wake:          wake,
		cmds:          make(chan func(), 64),
		stopped:       make(chan struct{}),
	}
	t.phaseVal.Store(int32(RAW))
	t.metricsVal.Store(MetricsSnapshot{Phase: RAW.String()})
	t.sock = newSocket(conn, log, wake)
	return t
}

// phase reads the current phase; safe from any goroutine.
func (t *Transport) phase() Phase {
	return Phase(t.phaseVal.Load())
}

// setPhase is called only from the loop goroutine.
func (t *Transport) setPhase(p Phase) {
	t.phaseVal.Store(int32(p))
}

// enqueue marshals fn onto the loop goroutine without waiting for it to
// run. This is the non-blocking building block every mutating public
// method besides StartTLS is built from: it can never deadlock even when
// called reentrantly, from within a Protocol callback running on the loop
// goroutine itself, as long as cmds has room (64 deep) — the same
// assumption any bounded-mailbox actor design makes.
func (t *Transport) enqueue(fn func()) {
	select {
	case t.cmds <- fn:
		t.wake.notify()
	case <-t.stopped:
	}
}

// run is the transport's single loop goroutine. It is started once, by the
// factory, and exits exactly when the transport reaches CLOSED.
func (t *Transport) run() {
	defer close(t.stopped)
	if t.useStartTLS {
		// Deferred-TLS connections fire ConnectionMade as soon as the
		// transport takes ownership of the socket, before any handshake;
		// the immediate-TLS path instead fires it once OPEN is first
		// reached, from completeHandshakeSequence.
		t.connectionMadeCalled = true
		t.proto.ConnectionMade(t)
	}
	t.advance()
	for t.phase() != CLOSED {
		<-t.wake
		t.drainCmds()
		t.advance()
	}
}

func (t *Transport) drainCmds() {
	for {
		select {
		case cmd := <-t.cmds:
			cmd()
		default:
			return
		}
	}
}

// do marshals fn onto the loop goroutine and blocks for its result. Unlike
// enqueue, this waits — so it must never be called from within a Protocol
// callback running on the loop goroutine, or it deadlocks. Only StartTLS
// uses it, to mirror asyncio's start_tls, the one genuinely awaited
// transport operation.
func (t *Transport) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case t.cmds <- func() { reply <- fn() }:
	case <-t.stopped:
		return ErrConnectionClosed
	}
	t.wake.notify()
	select {
	case err := <-reply:
		return err
	case <-t.stopped:
		return ErrConnectionClosed
	}
}

// advance drives every phase-appropriate state machine forward until no
// further synchronous progress is possible, then returns, leaving armed
// reads/writes/hook tasks to report back via wake. This realizes the
// "single driver per readiness edge" design note: one call handles
// cascades like handshake-ok -> hook-ok -> OPEN -> flush tx_app without
// waiting for an extra external event per hop.
func (t *Transport) advance() {
	for i := 0; i < maxAdvanceIterations; i++ {
		progressed := false

		if data, err, ready := t.sock.PollRead(); ready {
			t.handleSocketRead(data, err)
			progressed = true
		}
		if n, err, ready := t.sock.PollWrite(); ready {
			t.handleSocketWrite(n, err)
			progressed = true
		}
		if t.stepOnce() {
			progressed = true
		}

		if !progressed {
			t.refreshMetricsSnapshot()
			return
		}
	}
	t.log.Warn("advance: iteration bound reached, deferring to next wake",
		zap.String("phase", t.phase().String()))
	t.refreshMetricsSnapshot()
}

// stepOnce performs one phase-appropriate unit of work (handshake step,
// hook poll, tx/rx drive) and reports whether anything changed.
func (t *Transport) stepOnce() bool {
	switch t.phase() {
	case RAW:
		return t.driveRaw()
	case HANDSHAKING:
		return t.driveHandshake()
	case POST_HANDSHAKE_HOOK:
		return t.drivePostHandshakeHook()
	case OPEN:
		return t.driveWrite() || t.driveReadOpen()
	case CLOSING:
		return t.driveClosing()
	default: // CLOSED
		return false
	}
}

// --- RAW phase -------------------------------------------------------

func (t *Transport) driveRaw() bool {
	changed := false
	if len(t.txApp) > 0 {
		t.txWire = append(t.txWire, t.txApp...)
		t.txApp = nil
		t.adjustBackpressure()
		changed = true
	}
	if len(t.txWire) > 0 {
		t.armSocketWrite()
	}
	if !t.pausedReading {
		t.armSocketRead()
	}
	return changed
}

// --- HANDSHAKING phase (SPEC_FULL.md §4.2) ----------------------------

func (t *Transport) driveHandshake() bool {
	changed := false
	o, err := t.eng.Step()
	if ct := t.eng.DrainCiphertext(); len(ct) > 0 {
		t.txWire = append(t.txWire, ct...)
		t.armSocketWrite()
		changed = true
	}
	switch o {
	case outcomeOK:
		metrics.handshakesSucceeded.Inc()
		t.log.Debug("handshake complete")
		t.enterPostHandshakeHook()
		changed = true
	case outcomeWantRead:
		t.armSocketRead()
	case outcomeWantWrite:
		t.armSocketWrite()
	case outcomeFatal:
		metrics.handshakesFailed.WithLabelValues("engine").Inc()
		wrapped := fmt.Errorf("starttls: tls handshake error: %w", err)
		t.failStarttlsWaiter(wrapped)
		t.transitionClosed(wrapped)
		changed = true
	}
	return changed
}

func (t *Transport) enterPostHandshakeHook() {
	t.setPhase(POST_HANDSHAKE_HOOK)
	if t.postHook == nil {
		t.completeHandshakeSequence()
		return
	}
	t.hookTask = startHook(t.postHook, t, t.wake)
}

func (t *Transport) drivePostHandshakeHook() bool {
	if t.hookTask == nil {
		// postHook was nil; handled synchronously in enterPostHandshakeHook.
		return false
	}
	err, ready := t.hookTask.Poll()
	if !ready {
		return false
	}
	t.hookTask = nil

	if t.closingDuringHook || t.abortingDuringHook {
		reason := ErrConnectionAborted
		metrics.hookFailures.Inc()
		t.closingDuringHook = false
		t.abortingDuringHook = false
		t.failStarttlsWaiter(reason)
		t.transitionClosed(reason)
		return true
	}

	if err != nil {
		metrics.hookFailures.Inc()
		t.failStarttlsWaiter(err)
		t.transitionClosed(err)
		return true
	}

	t.completeHandshakeSequence()
	return true
}

// completeHandshakeSequence transitions to OPEN, resolves the starttls
// waiter (if any), fires ConnectionMade for immediate-TLS mode, and runs a
// write-flush pass now that tx_app is eligible for encryption.
func (t *Transport) completeHandshakeSequence() {
	t.setPhase(OPEN)
	metrics.openTransports.Inc()
	t.resolveStarttls(nil)
	if !t.connectionMadeCalled {
		t.connectionMadeCalled = true
		t.proto.ConnectionMade(t)
	}
	if !t.pausedReading {
		t.armSocketRead()
	}
	t.driveWrite()
}

// --- OPEN phase (SPEC_FULL.md §4.3/§4.4) ------------------------------

func (t *Transport) driveWrite() bool {
	changed := false
	for len(t.txApp) > 0 {
		chunk := t.txApp
		if len(chunk) > maxEncryptChunk {
			chunk = chunk[:maxEncryptChunk]
		}
		o, n, err := t.eng.AttemptWrite(chunk)
		if ct := t.eng.DrainCiphertext(); len(ct) > 0 {
			t.txWire = append(t.txWire, ct...)
			t.armSocketWrite()
			changed = true
		}
		switch o {
		case outcomeOK:
			t.txApp = t.txApp[n:]
			metrics.bytesWritten.Add(float64(n))
			t.adjustBackpressure()
			changed = true
			continue
		case outcomeWantRead:
			t.armSocketRead()
			return changed
		case outcomeWantWrite:
			t.armSocketWrite()
			return changed
		case outcomeFatal:
			metrics.handshakesFailed.WithLabelValues("engine-write").Inc()
			t.transitionClosed(fmt.Errorf("starttls: tls write error: %w", err))
			return true
		}
	}
	if len(t.txWire) > 0 {
		t.armSocketWrite()
	}
	return changed
}

func (t *Transport) driveReadOpen() bool {
	changed := false
	for {
		o, data, err := t.eng.AttemptRead(readChunk)
		switch o {
		case outcomeOK:
			if errors.Is(err, io.EOF) {
				t.handleCleanEOF()
				return true
			}
			if len(data) > 0 {
				metrics.bytesRead.Add(float64(len(data)))
				t.proto.DataReceived(data)
				changed = true
				continue
			}
			return changed
		case outcomeWantRead:
			if !t.pausedReading {
				t.armSocketRead()
			}
			return changed
		case outcomeWantWrite:
			t.armSocketWrite()
			return changed
		case outcomeFatal:
			if errors.Is(err, io.ErrUnexpectedEOF) {
				t.transitionClosed(ErrConnectionReset)
			} else {
				t.transitionClosed(fmt.Errorf("starttls: tls read error: %w", err))
			}
			return true
		}
	}
}

func (t *Transport) handleCleanEOF() {
	if t.eofDelivered {
		return
	}
	t.eofDelivered = true
	keepOpen := t.proto.EOFReceived()
	if !keepOpen {
		t.beginClosing()
	}
}

// --- CLOSING phase -----------------------------------------------------

func (t *Transport) driveClosing() bool {
	changed := false
	if t.shutdownPending {
		o, err := t.eng.Shutdown()
		if ct := t.eng.DrainCiphertext(); len(ct) > 0 {
			t.txWire = append(t.txWire, ct...)
			changed = true
		}
		switch o {
		case outcomeOK:
			t.shutdownPending = false
			changed = true
		case outcomeFatal:
			t.shutdownPending = false
			changed = true
			t.log.Debug("close-notify write failed", zap.Error(err))
		case outcomeWantRead:
			t.armSocketRead()
		case outcomeWantWrite:
			t.armSocketWrite()
		}
		if t.shutdownPending {
			if len(t.txWire) > 0 {
				t.armSocketWrite()
			}
			return changed
		}
	}
	if len(t.txWire) == 0 {
		t.transitionClosed(nil)
		return true
	}
	t.armSocketWrite()
	return changed
}

func (t *Transport) beginClosing() {
	switch t.phase() {
	case CLOSING, CLOSED:
		return
	}
	if t.phase() == OPEN {
		metrics.openTransports.Dec()
	}
	t.setPhase(CLOSING)
	if t.eng != nil {
		if ct := t.eng.DrainCiphertext(); len(ct) > 0 {
			t.txWire = append(t.txWire, ct...)
		}
	}
	if t.shutdownPending {
		if len(t.txWire) > 0 {
			t.armSocketWrite()
		}
		return
	}
	if len(t.txWire) == 0 {
		t.transitionClosed(nil)
	} else {
		t.armSocketWrite()
	}
}

// --- socket event handling ---------------------------------------------

func (t *Transport) handleSocketRead(data []byte, err error) {
	if len(data) > 0 {
		switch t.phase() {
		case RAW:
			metrics.bytesRead.Add(float64(len(data)))
			t.proto.DataReceived(data)
		case HANDSHAKING, POST_HANDSHAKE_HOOK, OPEN:
			t.eng.FeedCiphertext(data)
		default:
			// CLOSING/CLOSED: any trailing bytes are dropped; no further
			// I/O is observable to the user past this point (invariant 5).
		}
	}
	if err == nil {
		switch t.phase() {
		case CLOSED, CLOSING:
		default:
			if !t.pausedReading {
				t.armSocketRead()
			}
		}
		return
	}
	t.handleSocketReadError(err)
}

func (t *Transport) handleSocketReadError(err error) {
	switch t.phase() {
	case HANDSHAKING, POST_HANDSHAKE_HOOK:
		// Peer EOF mid-handshake is always fatal (SPEC_FULL.md §4.3).
		if t.phase() == HANDSHAKING {
			metrics.handshakesFailed.WithLabelValues("eof").Inc()
		}
		t.failStarttlsWaiter(ErrConnectionReset)
		t.transitionClosed(ErrConnectionReset)
	case OPEN:
		// Let the TLS engine distinguish clean close-notify from a bare
		// reset; the next AttemptRead will surface io.EOF or
		// io.ErrUnexpectedEOF accordingly (see driveReadOpen).
		t.eng.CloseInput()
	case RAW:
		if !t.eofDelivered {
			t.eofDelivered = true
			keepOpen := t.proto.EOFReceived()
			if !keepOpen {
				t.beginClosing()
			}
		}
	case CLOSING:
		t.transitionClosed(nil)
	default:
	}
}

func (t *Transport) handleSocketWrite(n int, err error) {
	if err != nil {
		t.transitionClosed(fmt.Errorf("starttls: socket write error: %w", err))
		return
	}
	t.txWire = t.txWire[n:]
	if len(t.txWire) > 0 {
		t.armSocketWrite()
	}
	t.adjustBackpressure()
}

func (t *Transport) armSocketRead() {
	t.sock.ArmRead()
}

func (t *Transport) armSocketWrite() {
	if len(t.txWire) == 0 {
		return
	}
	t.sock.ArmWrite(t.txWire)
}

// --- backpressure (SPEC_FULL.md §4.5) -----------------------------------

func (t *Transport) adjustBackpressure() {
	total := len(t.txApp) + len(t.txWire)
	if !t.writingPaused && total >= t.writeHigh {
		t.writingPaused = true
		metrics.pauseWriting.Inc()
		t.proto.PauseWriting()
	} else if t.writingPaused && total <= t.writeLow {
		t.writingPaused = false
		metrics.resumeWriting.Inc()
		t.proto.ResumeWriting()
	}
}

// --- starttls waiter -----------------------------------------------------

func (t *Transport) resolveStarttls(err error) {
	if t.starttlsWaiter == nil {
		return
	}
	t.starttlsWaiter <- err
	t.starttlsWaiter = nil
}

func (t *Transport) failStarttlsWaiter(err error) {
	t.resolveStarttls(err)
}

// --- close / abort / terminal transition ---------------------------------

// transitionClosed performs the single, idempotent transition into CLOSED,
// recording close_reason exactly once (invariant 5) and dispatching
// ConnectionLost exactly once.
func (t *Transport) transitionClosed(reason error) {
	if t.phase() == CLOSED {
		return
	}
	if t.phase() == OPEN {
		metrics.openTransports.Dec()
	}
	t.setPhase(CLOSED)
	if !t.closeReasonSet {
		t.closeReason = reason
		t.closeReasonSet = true
	}
	t.txApp = nil
	t.txWire = nil
	if t.eng != nil {
		t.eng.Destroy()
	}
	_ = t.sock.Close()
	t.proto.ConnectionLost(t.closeReason)
}

// Write appends data to tx_app. See SPEC_FULL.md §4.1 for the per-phase
// semantics (RAW forwards unencrypted; HANDSHAKING/POST_HANDSHAKE_HOOK
// buffer until OPEN; OPEN is immediately eligible for encryption). Like
// asyncio's transport.write(), this never blocks and is safe to call from
// within a Protocol callback (e.g. echoing data back from DataReceived).
func (t *Transport) Write(data []byte) error {
	if !t.phase().canWrite() {
		return ErrConnectionClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	t.enqueue(func() {
		if !t.phase().canWrite() {
			return
		}
		t.txApp = append(t.txApp, buf...)
		t.adjustBackpressure()
	})
	return nil
}

// WriteEOF half-closes the write direction. Only meaningful (and
// supported) in RAW; TLS has no equivalent of a half-close write (§4.1).
func (t *Transport) WriteEOF() error {
	if t.phase() != RAW {
		return ErrNotSupported
	}
	t.enqueue(func() {
		if t.phase() != RAW {
			return
		}
		if err := t.sock.CloseWrite(); err != nil {
			t.log.Debug("WriteEOF: socket half-close failed", zap.Error(err))
		}
	})
	return nil
}

// Close performs an orderly shutdown: SPEC_FULL.md §4.1.
func (t *Transport) Close() error {
	t.enqueue(func() {
		switch t.phase() {
		case CLOSED, CLOSING:
		case RAW:
			t.beginClosing()
		case HANDSHAKING:
			t.failStarttlsWaiter(ErrConnectionAborted)
			t.transitionClosed(ErrConnectionAborted)
		case POST_HANDSHAKE_HOOK:
			// enterPostHandshakeHook always sets hookTask before the phase
			// stays POST_HANDSHAKE_HOOK (a nil hook completes synchronously
			// and moves straight to OPEN), so hookTask is always non-nil here.
			t.hookTask.Cancel()
			t.closingDuringHook = true
		case OPEN:
			t.eng.Shutdown()
			t.shutdownPending = true
			t.beginClosing()
		}
	})
	return nil
}

// Abort transitions directly to CLOSED, discarding all buffered data.
// During POST_HANDSHAKE_HOOK it cancels the hook and the transition to
// CLOSED happens once the hook has returned.
func (t *Transport) Abort() error {
	t.enqueue(func() {
		if t.phase() == CLOSED {
			return
		}
		if t.phase() == POST_HANDSHAKE_HOOK && t.hookTask != nil {
			t.hookTask.Cancel()
			t.abortingDuringHook = true
			return
		}
		t.failStarttlsWaiter(ErrConnectionAborted)
		if err := t.sock.Abort(); err != nil {
			t.log.Debug("abort: socket abort error", zap.Error(err))
		}
		t.transitionClosed(ErrConnectionAborted)
	})
	return nil
}

// StartTLS is permitted only from RAW (SPEC_FULL.md §4.1/§9). It installs
// the TLS engine via tlsCtxFactory, drives the handshake and the optional
// post-handshake hook, and returns once OPEN is reached or the attempt
// fails. Cancelling ctx aborts the connection outright, since a
// half-completed handshake cannot be rolled back (SPEC_FULL.md §5).
//
// Unlike Write/Close/Abort, StartTLS genuinely blocks the calling
// goroutine until the loop resolves it — it is the Go analogue of
// asyncio's start_tls, the one awaited transport operation. Calling it
// from within a Protocol callback running on the transport's own loop
// goroutine deadlocks, for the same reason recursively awaiting your own
// event loop does in any single-threaded scheduler: drive StartTLS from
// the goroutine that owns the connection, not from inside DataReceived.
func (t *Transport) StartTLS(ctx context.Context) error {
	waiter := make(chan error, 1)
	err := t.do(func() error {
		if t.phase() != RAW {
			return ErrInvalidState
		}
		cfg, ferr := t.tlsCtxFactory(t)
		if ferr != nil {
			return ferr
		}
		t.eng = newEngine(cfg, t.isClient, t.serverName, t.log, t.wake)
		t.setPhase(HANDSHAKING)
		t.starttlsWaiter = waiter
		metrics.handshakesStarted.Inc()
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		_ = t.Abort()
		return ErrConnectionAborted
	case <-t.stopped:
		return ErrConnectionClosed
	}
}

// Renegotiate checks whether the session is eligible for a mid-session TLS
// renegotiation (SPEC_FULL.md §4.1/§9) and logs the engine's rejection if
// it is not; it does not start a handshake itself (see engine.Renegotiate).
// Only valid in OPEN. The underlying crypto/tls.Conn is safe to
// call ConnectionState()/renegotiate validation on from any goroutine, so
// this can use the same non-blocking enqueue pattern as Write, but the
// validation error is necessarily asynchronous here since it runs inside
// the engine on the loop goroutine; callers that need the error
// synchronously should check GetExtraInfo("cipher") state themselves
// beforehand, or drive renegotiation from outside a callback and ignore
// the return value's limited usefulness from within one.
func (t *Transport) Renegotiate() error {
	if t.phase() != OPEN {
		return ErrInvalidState
	}
	t.enqueue(func() {
		if t.phase() != OPEN {
			return
		}
		if err := t.eng.Renegotiate(); err != nil {
			t.log.Debug("renegotiate rejected", zap.Error(err))
		}
	})
	return nil
}

// GetExtraInfo exposes socket and TLS introspection without blocking
// (SPEC_FULL.md §6); it reads fields that are either immutable after
// construction (sock, id) or published via an atomic (phase, the cached
// metrics snapshot), and, for the TLS keys outside RAW, eng, which StartTLS
// assigns before the phase first leaves RAW for HANDSHAKING, so it is safe
// to call from any goroutine, including from within a Protocol callback.
func (t *Transport) GetExtraInfo(key string) (any, bool) {
	return t.extraInfo(key)
}

func (t *Transport) extraInfo(key string) (any, bool) {
	switch key {
	case "socket":
		return t.sock.conn, true
	case "peername":
		return t.sock.RemoteAddr(), true
	case "sockname":
		return t.sock.LocalAddr(), true
	case "id":
		return t.id, true
	case "ssl_object", "tls_object":
		if t.phase() == RAW {
			return nil, false
		}
		return t.eng.conn, true
	case "peercert":
		if t.phase() == RAW {
			return nil, false
		}
		state := t.eng.ConnectionState()
		if len(state.PeerCertificates) == 0 {
			return nil, false
		}
		return state.PeerCertificates[0], true
	case "cipher":
		if t.phase() == RAW {
			return nil, false
		}
		return t.eng.ConnectionState().CipherSuite, true
	case "compression":
		// crypto/tls never negotiates TLS-layer compression.
		return "", true
	case "metrics":
		return t.metricsVal.Load().(MetricsSnapshot), true
	default:
		return nil, false
	}
}

// MetricsSnapshot is a read-only view of this transport's buffering state,
// exposed via GetExtraInfo("metrics"). It is refreshed by the loop
// goroutine at the end of every advance() pass.
type MetricsSnapshot struct {
	Phase         string
	PendingApp    int
	PendingWire   int
	WritingPaused bool
	PausedReading bool
}

func (t *Transport) refreshMetricsSnapshot() {
	t.metricsVal.Store(MetricsSnapshot{
		Phase:         t.phase().String(),
		PendingApp:    len(t.txApp),
		PendingWire:   len(t.txWire),
		WritingPaused: t.writingPaused,
		PausedReading: t.pausedReading,
	})
}

// PauseReading stops arming further socket reads until ResumeReading is
// called; it's the reverse-direction counterpart to the pause_writing/
// resume_writing backpressure signal, for protocols that want to throttle
// their peer.
func (t *Transport) PauseReading() error {
	t.enqueue(func() { t.pausedReading = true })
	return nil
}

// ResumeReading re-arms socket reads after PauseReading.
func (t *Transport) ResumeReading() error {
	t.enqueue(func() {
		t.pausedReading = false
		switch t.phase() {
		case CLOSED, CLOSING:
		default:
			t.armSocketRead()
		}
	})
	return nil
}
