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
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// DialOptions configures DialStartTLS. ServerName, TLSContextFactory and
// PostHandshakeHook are only consulted if/when StartTLS is actually called
// (either by the caller, for UseStartTLS, or internally, for immediate-TLS
// dials); RAW-only connections may leave ServerName and PostHandshakeHook
// zero, but DialStartTLS always requires TLSContextFactory.
type DialOptions struct {
	// Protocol builds the per-connection Protocol facade. Required.
	Protocol func() Protocol

	// TLSContextFactory builds the *tls.Config used for the handshake.
	// Required if UseStartTLS is true or a handshake will ever be
	// requested on this connection.
	TLSContextFactory func(*Transport) (*tls.Config, error)

	// ServerName is used for SNI and is exposed to TLSContextFactory.
	ServerName string

	// UseStartTLS, when true, dials in RAW and leaves the caller to
	// invoke Transport.StartTLS explicitly. When false, the handshake
	// (and optional PostHandshakeHook) runs immediately as part of
	// DialStartTLS, which only returns once OPEN is reached or the
	// attempt has failed.
	UseStartTLS bool

	// PostHandshakeHook, if set, runs after every successful handshake
	// (deferred or immediate) and before the transport becomes OPEN.
	PostHandshakeHook PostHandshakeHook

	// LocalAddr pins the dial to a specific local address. If binding
	// fails with an error that looks transient (the bind-retry behavior
	// below), the dial is retried a bounded number of times before
	// giving up.
	LocalAddr *net.TCPAddr

	// Options carries the write backpressure watermarks; zero values
	// fall back to the package defaults.
	Options Options

	// DialTimeout bounds the underlying TCP connect, separately from
	// ctx (which also bounds the handshake, for UseStartTLS=false).
	DialTimeout time.Duration
}

const (
	dialBindRetries   = 3
	dialBindRetryWait = 50 * time.Millisecond
)

// DialStartTLS opens a TCP connection to addr and wraps it in a Transport,
// per SPEC_FULL.md §6. For opts.UseStartTLS == false, the handshake (and
// any post-handshake hook) runs before this function returns; for true, it
// returns as soon as the raw connection is established and the caller
// drives the handshake later via Transport.StartTLS.
//
// The bind-and-retry behavior for opts.LocalAddr is grounded in the
// teacher's listener bind path: a bind failure is retried a bounded number
// of times with a short backoff before being surfaced to the caller as a
// *net.OpError, so callers needing a free ephemeral port can reasonably
// retry the whole dial themselves.
func DialStartTLS(ctx context.Context, network, addr string, opts DialOptions) (*Transport, Protocol, error) {
	if opts.Protocol == nil {
		return nil, nil, fmt.Errorf("starttls: DialOptions.Protocol is required")
	}
	if opts.TLSContextFactory == nil {
		return nil, nil, fmt.Errorf("starttls: DialOptions.TLSContextFactory is required")
	}

	conn, err := dialWithBindRetry(ctx, network, addr, opts)
	if err != nil {
		return nil, nil, err
	}

	proto := opts.Protocol()
	t := newTransport(conn, true, opts.UseStartTLS, opts.ServerName, opts.TLSContextFactory, proto, opts.PostHandshakeHook, opts.Options, nil)
	go t.run()

	if opts.UseStartTLS {
		return t, proto, nil
	}

	if err := t.StartTLS(ctx); err != nil {
		return nil, nil, err
	}
	return t, proto, nil
}

func dialWithBindRetry(ctx context.Context, network, addr string, opts DialOptions) (net.Conn, error) {
	d := &net.Dialer{Timeout: opts.DialTimeout, LocalAddr: opts.LocalAddr}

	var lastErr error
	for attempt := 0; attempt < dialBindRetries; attempt++ {
		conn, err := d.DialContext(ctx, network, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !isTransientBindErr(err) {
			return nil, err
		}
		select {
		case <-time.After(dialBindRetryWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// isTransientBindErr reports whether err looks like a local-address bind
// failure worth retrying, rather than a remote-side or configuration
// failure that retrying won't fix.
func isTransientBindErr(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}
	return opErr.Op == "dial" && strings.Contains(opErr.Err.Error(), "address already in use")
}
