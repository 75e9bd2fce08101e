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

// Protocol is the user-protocol facade the transport drives, matching
// SPEC_FULL.md §6 exactly. All methods are invoked synchronously from the
// transport's loop goroutine; implementations must not block for long and
// must not retain references to any byte slice passed to them past the
// call (the transport may reuse or discard the backing array afterward).
type Protocol interface {
	// ConnectionMade is called exactly once: immediately after the TCP
	// connect for a deferred (STARTTLS) transport, or immediately after
	// OPEN is first reached for an immediate-TLS transport.
	ConnectionMade(t *Transport)

	// DataReceived is called with decrypted application data while the
	// transport is OPEN, in peer order.
	DataReceived(data []byte)

	// EOFReceived is called at most once, when the peer has cleanly
	// closed its write direction (TLS close-notify observed, or, in RAW
	// mode, a plain TCP EOF). Returning true tells the transport to keep
	// the connection half-open for further writes; returning false (the
	// common case) causes the transport to close.
	EOFReceived() bool

	// PauseWriting / ResumeWriting signal backpressure and strictly
	// alternate, starting with PauseWriting (P6).
	PauseWriting()
	ResumeWriting()

	// ConnectionLost is called exactly once, with the close_reason (nil
	// for a graceful close).
	ConnectionLost(err error)
}

// BaseProtocol is an embeddable no-op implementation of Protocol, for
// callers that only care about a subset of the callbacks — the same
// "implement only what you need" shape as caddy's smaller handler
// interfaces.
type BaseProtocol struct{}

func (BaseProtocol) ConnectionMade(t *Transport) {}
func (BaseProtocol) DataReceived(data []byte)    {}
func (BaseProtocol) EOFReceived() bool           { return false }
func (BaseProtocol) PauseWriting()               {}
func (BaseProtocol) ResumeWriting()              {}
func (BaseProtocol) ConnectionLost(err error)    {}

var _ Protocol = BaseProtocol{}
