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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// echoProtocol writes back whatever it receives, the same way the
// original test suite's server half behaves.
type echoProtocol struct {
	*recordingProtocol
}

func newEchoProtocol() *echoProtocol {
	return &echoProtocol{recordingProtocol: newRecordingProtocol()}
}

func (e *echoProtocol) DataReceived(data []byte) {
	e.recordingProtocol.DataReceived(data)
	_ = e.transport.Write(data)
}

// acceptServerTransport accepts one connection on ln and wraps it as a
// server-side Transport, starting its loop. If useStartTLS is false the
// handshake is driven immediately, blocking until OPEN or failure.
func acceptServerTransport(t *testing.T, ln net.Listener, useStartTLS bool, cfg *tls.Config, proto Protocol, hook PostHandshakeHook) (*Transport, error) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)

	tr := newTransport(conn, false, useStartTLS, "", func(*Transport) (*tls.Config, error) {
		return cfg, nil
	}, proto, hook, Options{}, nil)
	go tr.run()

	if useStartTLS {
		return tr, nil
	}
	err = tr.StartTLS(context.Background())
	return tr, err
}

func TestDialStartTLS_ImmediateHandshake_SendAndReceive(t *testing.T) {
	cert := generateLoopbackCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverProto := newEchoProtocol()
	var serverTr *Transport
	var g errgroup.Group
	g.Go(func() error {
		var acceptErr error
		serverTr, acceptErr = acceptServerTransport(t, ln, false, serverTLSConfig(cert), serverProto, nil)
		return acceptErr
	})

	clientProto := newRecordingProtocol()
	clientTr, _, err := DialStartTLS(context.Background(), "tcp", ln.Addr().String(), DialOptions{
		Protocol:          func() Protocol { return clientProto },
		TLSContextFactory: func(*Transport) (*tls.Config, error) { return clientTLSConfig(cert), nil },
		ServerName:        "localhost",
		UseStartTLS:       false,
	})
	require.NoError(t, err)
	require.NoError(t, g.Wait())
	require.NotNil(t, serverTr)

	require.NoError(t, clientTr.Write([]byte("hello, tls")))

	select {
	case <-clientProto.madeCh:
	case <-time.After(time.Second):
		t.Fatal("ConnectionMade not observed")
	}

	deadline := time.After(2 * time.Second)
	for string(clientProto.snapshotReceived()) != "hello, tls" {
		select {
		case <-deadline:
			t.Fatalf("echo not received in time, got %q", clientProto.snapshotReceived())
		case <-time.After(5 * time.Millisecond):
		}
	}

	require.NoError(t, clientTr.Close())
	select {
	case <-clientProto.lostCh:
	case <-time.After(time.Second):
		t.Fatal("ConnectionLost not observed on client")
	}
}

func TestDialStartTLS_DeferredStartTLS(t *testing.T) {
	cert := generateLoopbackCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverProto := newEchoProtocol()
	var serverTr *Transport
	serverReady := make(chan struct{})
	go func() {
		serverTr, _ = acceptServerTransport(t, ln, true, serverTLSConfig(cert), serverProto, nil)
		close(serverReady)
	}()

	clientProto := newRecordingProtocol()
	clientTr, _, err := DialStartTLS(context.Background(), "tcp", ln.Addr().String(), DialOptions{
		Protocol:          func() Protocol { return clientProto },
		TLSContextFactory: func(*Transport) (*tls.Config, error) { return clientTLSConfig(cert), nil },
		ServerName:        "localhost",
		UseStartTLS:       true,
	})
	require.NoError(t, err)
	<-serverReady
	require.NotNil(t, serverTr)

	// Plaintext exchange before either side upgrades, like a STARTTLS
	// banner negotiation.
	require.NoError(t, clientTr.Write([]byte("READY\n")))

	go func() { _ = serverTr.StartTLS(context.Background()) }()
	require.NoError(t, clientTr.StartTLS(context.Background()))

	require.NoError(t, clientTr.Write([]byte("secret")))

	deadline := time.After(2 * time.Second)
	for string(clientProto.snapshotReceived()) != "secret" {
		select {
		case <-deadline:
			t.Fatalf("echo not received in time, got %q", clientProto.snapshotReceived())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDialStartTLS_PostHandshakeHookFailureAborts(t *testing.T) {
	cert := generateLoopbackCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverProto := newRecordingProtocol()
	go func() {
		_, _ = acceptServerTransport(t, ln, false, serverTLSConfig(cert), serverProto, nil)
	}()

	clientProto := newRecordingProtocol()
	hookErr := assert.AnError
	_, _, err = DialStartTLS(context.Background(), "tcp", ln.Addr().String(), DialOptions{
		Protocol:          func() Protocol { return clientProto },
		TLSContextFactory: func(*Transport) (*tls.Config, error) { return clientTLSConfig(cert), nil },
		ServerName:        "localhost",
		UseStartTLS:       false,
		PostHandshakeHook: func(ctx context.Context, tr *Transport) error {
			return hookErr
		},
	})
	require.ErrorIs(t, err, hookErr)

	select {
	case <-clientProto.lostCh:
	case <-time.After(time.Second):
		t.Fatal("ConnectionLost not observed after hook failure")
	}
	assert.ErrorIs(t, clientProto.lostErr, hookErr)
}

func TestDialStartTLS_GetExtraInfo(t *testing.T) {
	cert := generateLoopbackCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverProto := newEchoProtocol()
	go func() {
		_, _ = acceptServerTransport(t, ln, false, serverTLSConfig(cert), serverProto, nil)
	}()

	clientProto := newRecordingProtocol()
	clientTr, _, err := DialStartTLS(context.Background(), "tcp", ln.Addr().String(), DialOptions{
		Protocol:          func() Protocol { return clientProto },
		TLSContextFactory: func(*Transport) (*tls.Config, error) { return clientTLSConfig(cert), nil },
		ServerName:        "localhost",
	})
	require.NoError(t, err)

	idVal, ok := clientTr.GetExtraInfo("id")
	assert.True(t, ok)
	assert.NotEmpty(t, idVal)

	peerName, ok := clientTr.GetExtraInfo("peername")
	assert.True(t, ok)
	assert.NotNil(t, peerName)

	snap, ok := clientTr.GetExtraInfo("metrics")
	assert.True(t, ok)
	ms, ok := snap.(MetricsSnapshot)
	require.True(t, ok)
	assert.Equal(t, "OPEN", ms.Phase)

	_, ok = clientTr.GetExtraInfo("not-a-real-key")
	assert.False(t, ok)
}

func TestTransport_WriteFromWithinDataReceivedDoesNotDeadlock(t *testing.T) {
	cert := generateLoopbackCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// The server's protocol echoes from inside DataReceived, called on
	// its own loop goroutine — this is exactly the reentrant call Write
	// must tolerate.
	serverProto := newEchoProtocol()
	go func() {
		_, _ = acceptServerTransport(t, ln, false, serverTLSConfig(cert), serverProto, nil)
	}()

	clientProto := newRecordingProtocol()
	clientTr, _, err := DialStartTLS(context.Background(), "tcp", ln.Addr().String(), DialOptions{
		Protocol:          func() Protocol { return clientProto },
		TLSContextFactory: func(*Transport) (*tls.Config, error) { return clientTLSConfig(cert), nil },
		ServerName:        "localhost",
	})
	require.NoError(t, err)

	require.NoError(t, clientTr.Write([]byte("ping")))

	deadline := time.After(2 * time.Second)
	for string(clientProto.snapshotReceived()) != "ping" {
		select {
		case <-deadline:
			t.Fatalf("echo via reentrant Write not received, got %q", clientProto.snapshotReceived())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTransport_WriteAfterCloseFails(t *testing.T) {
	cert := generateLoopbackCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverProto := newRecordingProtocol()
	go func() {
		_, _ = acceptServerTransport(t, ln, false, serverTLSConfig(cert), serverProto, nil)
	}()

	clientProto := newRecordingProtocol()
	clientTr, _, err := DialStartTLS(context.Background(), "tcp", ln.Addr().String(), DialOptions{
		Protocol:          func() Protocol { return clientProto },
		TLSContextFactory: func(*Transport) (*tls.Config, error) { return clientTLSConfig(cert), nil },
		ServerName:        "localhost",
	})
	require.NoError(t, err)

	require.NoError(t, clientTr.Close())
	select {
	case <-clientProto.lostCh:
	case <-time.After(time.Second):
		t.Fatal("ConnectionLost not observed")
	}

	assert.ErrorIs(t, clientTr.Write([]byte("too late")), ErrConnectionClosed)
}

func TestTransport_AbortDuringHandshakeFailsStartTLS(t *testing.T) {
	cert := generateLoopbackCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			return
		}
		// Accept the TCP connection but never speak TLS, so the client's
		// handshake goroutine stays blocked until Abort tears the pipe down.
		time.Sleep(2 * time.Second)
		_ = conn.Close()
	}()

	clientProto := newRecordingProtocol()
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	clientTr := newTransport(conn, true, true, "localhost", func(*Transport) (*tls.Config, error) {
		return clientTLSConfig(cert), nil
	}, clientProto, nil, Options{}, nil)
	go clientTr.run()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = clientTr.StartTLS(ctx)
	assert.ErrorIs(t, err, ErrConnectionAborted)

	select {
	case <-clientProto.lostCh:
	case <-time.After(time.Second):
		t.Fatal("ConnectionLost not observed after aborted handshake")
	}
}

func TestTransport_AbortAfterOpenDiscardsBuffered(t *testing.T) {
	cert := generateLoopbackCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverProto := newRecordingProtocol()
	go func() {
		_, _ = acceptServerTransport(t, ln, false, serverTLSConfig(cert), serverProto, nil)
	}()

	clientProto := newRecordingProtocol()
	clientTr, _, err := DialStartTLS(context.Background(), "tcp", ln.Addr().String(), DialOptions{
		Protocol:          func() Protocol { return clientProto },
		TLSContextFactory: func(*Transport) (*tls.Config, error) { return clientTLSConfig(cert), nil },
		ServerName:        "localhost",
	})
	require.NoError(t, err)

	require.NoError(t, clientTr.Write([]byte("partial")))
	require.NoError(t, clientTr.Abort())

	select {
	case <-clientProto.lostCh:
	case <-time.After(time.Second):
		t.Fatal("ConnectionLost not observed after abort")
	}
	assert.ErrorIs(t, clientProto.lostErr, ErrConnectionAborted)

	select {
	case <-serverProto.lostCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe connection loss after client abort")
	}
}

func TestDialStartTLS_LargeSymmetricTransferWithBackpressure(t *testing.T) {
	cert := generateLoopbackCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverProto := newEchoProtocol()
	go func() {
		_, _ = acceptServerTransport(t, ln, false, serverTLSConfig(cert), serverProto, nil)
	}()

	clientProto := newRecordingProtocol()
	clientTr, _, err := DialStartTLS(context.Background(), "tcp", ln.Addr().String(), DialOptions{
		Protocol:          func() Protocol { return clientProto },
		TLSContextFactory: func(*Transport) (*tls.Config, error) { return clientTLSConfig(cert), nil },
		ServerName:        "localhost",
	})
	require.NoError(t, err)

	const size = 131072 // exceeds the 64 KiB default write-high watermark
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, clientTr.Write(payload))

	deadline := time.After(5 * time.Second)
	for len(clientProto.snapshotReceived()) < size {
		select {
		case <-deadline:
			t.Fatalf("large transfer incomplete: got %d of %d bytes", len(clientProto.snapshotReceived()), size)
		case <-time.After(10 * time.Millisecond):
		}
	}
	assert.Equal(t, payload, clientProto.snapshotReceived())

	deadline = time.After(time.Second)
	for {
		pauses, resumes := clientProto.counts()
		if pauses > 0 && resumes > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected pause/resume writing signals, got pauses=%d resumes=%d", pauses, resumes)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTransport_PostHandshakeHookFailure_BufferedWriteNeverReachesPeer(t *testing.T) {
	cert := generateLoopbackCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverProto := newRecordingProtocol()
	go func() {
		_, _ = acceptServerTransport(t, ln, false, serverTLSConfig(cert), serverProto, nil)
	}()

	clientProto := newRecordingProtocol()
	hookErr := assert.AnError
	trCh := make(chan *Transport, 1)
	hook := func(ctx context.Context, tr *Transport) error {
		trCh <- tr
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
		}
		return hookErr
	}

	errCh := make(chan error, 1)
	go func() {
		_, _, dialErr := DialStartTLS(context.Background(), "tcp", ln.Addr().String(), DialOptions{
			Protocol:          func() Protocol { return clientProto },
			TLSContextFactory: func(*Transport) (*tls.Config, error) { return clientTLSConfig(cert), nil },
			ServerName:        "localhost",
			PostHandshakeHook: hook,
		})
		errCh <- dialErr
	}()

	tr := <-trCh
	require.NoError(t, tr.Write([]byte("should never arrive")))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, hookErr)
	case <-time.After(2 * time.Second):
		t.Fatal("DialStartTLS did not return after hook failure")
	}

	select {
	case <-clientProto.lostCh:
	case <-time.After(time.Second):
		t.Fatal("ConnectionLost not observed")
	}
	assert.ErrorIs(t, clientProto.lostErr, hookErr)

	// Give any stray delivery a moment to arrive before asserting its absence.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, serverProto.snapshotReceived(), "data written during a failing post-handshake hook must never reach the peer")
}

func TestTransport_CloseDuringPostHandshakeHookCancelsHook(t *testing.T) {
	cert := generateLoopbackCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverProto := newRecordingProtocol()
	go func() {
		_, _ = acceptServerTransport(t, ln, false, serverTLSConfig(cert), serverProto, nil)
	}()

	clientProto := newRecordingProtocol()
	hookEntered := make(chan struct{})
	hookCtxErr := make(chan error, 1)
	trCh := make(chan *Transport, 1)
	hook := func(ctx context.Context, tr *Transport) error {
		trCh <- tr
		close(hookEntered)
		<-ctx.Done()
		hookCtxErr <- ctx.Err()
		return ctx.Err()
	}

	errCh := make(chan error, 1)
	go func() {
		_, _, dialErr := DialStartTLS(context.Background(), "tcp", ln.Addr().String(), DialOptions{
			Protocol:          func() Protocol { return clientProto },
			TLSContextFactory: func(*Transport) (*tls.Config, error) { return clientTLSConfig(cert), nil },
			ServerName:        "localhost",
			PostHandshakeHook: hook,
		})
		errCh <- dialErr
	}()

	<-hookEntered
	tr := <-trCh
	require.NoError(t, tr.Close())

	select {
	case err := <-hookCtxErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("hook did not observe cancellation from Close")
	}

	select {
	case dialErr := <-errCh:
		assert.ErrorIs(t, dialErr, ErrConnectionAborted)
	case <-time.After(time.Second):
		t.Fatal("DialStartTLS did not return after Close interrupted the hook")
	}

	select {
	case <-clientProto.lostCh:
	case <-time.After(time.Second):
		t.Fatal("ConnectionLost not observed")
	}
	assert.ErrorIs(t, clientProto.lostErr, ErrConnectionAborted)
}

func TestTransport_RenegotiateEligibility(t *testing.T) {
	cert := generateLoopbackCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverProto := newRecordingProtocol()
	go func() {
		_, _ = acceptServerTransport(t, ln, false, serverTLS12Config(cert), serverProto, nil)
	}()

	clientProto := newRecordingProtocol()
	clientTr, _, err := DialStartTLS(context.Background(), "tcp", ln.Addr().String(), DialOptions{
		Protocol:          func() Protocol { return clientProto },
		TLSContextFactory: func(*Transport) (*tls.Config, error) { return clientTLS12Config(cert), nil },
		ServerName:        "localhost",
	})
	require.NoError(t, err)

	require.NoError(t, clientTr.Renegotiate())

	// Renegotiate() only enqueues the request; the eligibility decision
	// itself runs inside the engine on the loop goroutine (SPEC_FULL.md
	// §9), so it's exercised directly here the same way Renegotiate's
	// queued check sees it: client, past handshake, TLS 1.2, Renegotiation
	// enabled.
	assert.NoError(t, clientTr.eng.Renegotiate())

	state := clientTr.eng.ConnectionState()
	assert.Equal(t, uint16(tls.VersionTLS12), state.Version)

	require.NoError(t, clientTr.Close())
}

func TestEngineRenegotiate_RejectsTLS13OnBothSides(t *testing.T) {
	cert := generateLoopbackCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverProto := newRecordingProtocol()
	var serverTr *Transport
	serverReady := make(chan struct{})
	go func() {
		serverTr, _ = acceptServerTransport(t, ln, false, serverTLSConfig(cert), serverProto, nil)
		close(serverReady)
	}()

	clientProto := newRecordingProtocol()
	clientTr, _, err := DialStartTLS(context.Background(), "tcp", ln.Addr().String(), DialOptions{
		Protocol:          func() Protocol { return clientProto },
		TLSContextFactory: func(*Transport) (*tls.Config, error) { return clientTLSConfig(cert), nil },
		ServerName:        "localhost",
	})
	require.NoError(t, err)
	<-serverReady
	require.NotNil(t, serverTr)

	assert.ErrorIs(t, clientTr.eng.Renegotiate(), ErrNotSupported) // default handshake negotiates TLS 1.3
	assert.ErrorIs(t, serverTr.eng.Renegotiate(), ErrNotSupported) // the server's session is TLS 1.3 too

	require.NoError(t, clientTr.Close())
}
