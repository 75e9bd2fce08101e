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

import "errors"

// Sentinel errors for the misuse category described in §7 of the design:
// synchronous, predictable failures that don't depend on network state.
var (
	// ErrConnectionClosed is returned by Write when the transport has
	// already transitioned to CLOSING or CLOSED.
	ErrConnectionClosed = errors.New("starttls: connection closed")

	// ErrConnectionAborted is the resolution given to a pending StartTLS
	// waiter when Abort is called, or when Close interrupts
	// a handshake or post-handshake hook in progress.
	ErrConnectionAborted = errors.New("starttls: connection aborted")

	// ErrInvalidState is returned when an operation is attempted from a
	// phase that doesn't permit it, e.g. StartTLS called outside RAW.
	ErrInvalidState = errors.New("starttls: invalid state for operation")

	// ErrNotSupported is returned by WriteEOF once TLS is in use, and by
	// the engine's renegotiation check on a TLS 1.3 session (renegotiation
	// isn't defined for 1.3; see the GLOSSARY) or on the server side;
	// Transport.Renegotiate logs that error rather than returning it.
	ErrNotSupported = errors.New("starttls: operation not supported")

	// ErrConnectionReset is the close reason used when the peer's TCP
	// connection disappears in OPEN without a preceding close-notify
	// alert. See the open question in SPEC_FULL.md §9.
	ErrConnectionReset = errors.New("starttls: connection reset without close-notify")
)
