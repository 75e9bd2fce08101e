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

import "context"

// PostHandshakeHook runs after the TLS handshake succeeds and before the
// transport becomes OPEN (SPEC_FULL.md §4.2). Its error, if any, becomes
// both the close_reason and the error StartTLS returns (P3). When close()
// or abort() is called while the hook is running, ctx is cancelled; a
// well-behaved hook selects on ctx.Done() at its suspension points and
// returns ctx.Err() promptly (P4). Go gives us no way to force a
// goroutine to stop, so — unlike the asyncio original, which can inject
// CancelledError at any await — this contract is advisory, same as any
// other context.Context consumer in Go.
type PostHandshakeHook func(ctx context.Context, t *Transport) error

// hookTask is the handle the loop goroutine holds for the in-flight hook,
// matching the "hook_task" field in SPEC_FULL.md §3.
type hookTask struct {
	cancel context.CancelFunc
	done   chan error
}

// startHook launches hook on its own goroutine and returns a handle the
// loop can cancel and poll without blocking.
func startHook(hook PostHandshakeHook, t *Transport, wake wakeChan) *hookTask {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- hook(ctx, t)
		wake.notify()
	}()
	return &hookTask{cancel: cancel, done: done}
}

// Cancel requests the hook observe cancellation at its next suspension
// point. It does not wait for the hook to actually return.
func (h *hookTask) Cancel() {
	h.cancel()
}

// Poll reports whether the hook has finished, without blocking.
func (h *hookTask) Poll() (err error, ready bool) {
	select {
	case err = <-h.done:
		return err, true
	default:
		return nil, false
	}
}
