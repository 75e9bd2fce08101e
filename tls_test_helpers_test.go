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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// generateLoopbackCert builds a throwaway self-signed certificate valid for
// 127.0.0.1/::1/localhost, for use as the server side of a test handshake.
func generateLoopbackCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

// serverTLSConfig and clientTLSConfig build the matching pair of configs
// used across the loopback tests: the server presents cert, the client
// trusts exactly that cert.
func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func clientTLSConfig(cert tls.Certificate) *tls.Config {
	pool := x509.NewCertPool()
	leaf, _ := x509.ParseCertificate(cert.Certificate[0])
	pool.AddCert(leaf)
	return &tls.Config{RootCAs: pool, ServerName: "localhost"}
}

// serverTLS12Config/clientTLS12Config pin the handshake to TLS 1.2, the
// only version range renegotiation is meaningful for (SPEC_FULL.md §4.1:
// renegotiation is undefined on TLS 1.3).
func serverTLS12Config(cert tls.Certificate) *tls.Config {
	cfg := serverTLSConfig(cert)
	cfg.MaxVersion = tls.VersionTLS12
	return cfg
}

func clientTLS12Config(cert tls.Certificate) *tls.Config {
	cfg := clientTLSConfig(cert)
	cfg.MaxVersion = tls.VersionTLS12
	return cfg
}

// recordingProtocol is a Protocol that records every callback it receives
// behind a mutex, safe to inspect from a test goroutine while the
// transport's loop goroutine is still delivering callbacks.
type recordingProtocol struct {
	mu             sync.Mutex
	madeCh         chan struct{}
	made           bool
	received       []byte
	eofCh          chan struct{}
	eofResult      bool
	lost           bool
	lostErr        error
	lostCh         chan struct{}
	pauseCount     int
	resumeCount    int
	transport      *Transport
}

func newRecordingProtocol() *recordingProtocol {
	return &recordingProtocol{
		madeCh: make(chan struct{}),
		eofCh:  make(chan struct{}),
		lostCh: make(chan struct{}),
	}
}

func (r *recordingProtocol) ConnectionMade(t *Transport) {
	r.mu.Lock()
	r.transport = t
	already := r.made
	r.made = true
	r.mu.Unlock()
	if !already {
		close(r.madeCh)
	}
}

func (r *recordingProtocol) DataReceived(data []byte) {
	r.mu.Lock()
	r.received = append(r.received, data...)
	r.mu.Unlock()
}

func (r *recordingProtocol) EOFReceived() bool {
	r.mu.Lock()
	result := r.eofResult
	r.mu.Unlock()
	close(r.eofCh)
	return result
}

func (r *recordingProtocol) PauseWriting() {
	r.mu.Lock()
	r.pauseCount++
	r.mu.Unlock()
}

func (r *recordingProtocol) ResumeWriting() {
	r.mu.Lock()
	r.resumeCount++
	r.mu.Unlock()
}

func (r *recordingProtocol) ConnectionLost(err error) {
	r.mu.Lock()
	r.lost = true
	r.lostErr = err
	r.mu.Unlock()
	close(r.lostCh)
}

func (r *recordingProtocol) snapshotReceived() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.received))
	copy(out, r.received)
	return out
}

func (r *recordingProtocol) counts() (pauses, resumes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pauseCount, r.resumeCount
}

var _ Protocol = (*recordingProtocol)(nil)
