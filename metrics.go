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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is the package's collection of Prometheus instruments. Unlike
// the admin-HTTP metrics this is adapted from, there is no request path
// here, so the labels are phase transitions and byte counts rather than
// HTTP method/status.
var metrics = struct {
	handshakesStarted   prometheus.Counter
	handshakesSucceeded prometheus.Counter
	handshakesFailed    *prometheus.CounterVec
	hookFailures        prometheus.Counter
	bytesRead           prometheus.Counter
	bytesWritten        prometheus.Counter
	pauseWriting        prometheus.Counter
	resumeWriting       prometheus.Counter
	openTransports      prometheus.Gauge
}{}

func init() {
	const ns = "starttls"
	const sub = "transport"

	metrics.handshakesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "handshakes_started_total",
		Help: "Count of TLS handshakes entered, either immediately or via StartTLS.",
	})
	metrics.handshakesSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "handshakes_succeeded_total",
		Help: "Count of TLS handshakes that completed successfully.",
	})
	metrics.handshakesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "handshakes_failed_total",
		Help: "Count of TLS handshakes that ended in a fatal error, by reason.",
	}, []string{"reason"})
	metrics.hookFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "post_handshake_hook_failures_total",
		Help: "Count of post-handshake hooks that returned an error or were cancelled.",
	})
	metrics.bytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "bytes_read_total",
		Help: "Application bytes delivered to DataReceived across all transports.",
	})
	metrics.bytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "bytes_written_total",
		Help: "Application bytes consumed by the TLS engine for encryption across all transports.",
	})
	metrics.pauseWriting = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "pause_writing_total",
		Help: "Count of pause_writing backpressure signals delivered to protocols.",
	})
	metrics.resumeWriting = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "resume_writing_total",
		Help: "Count of resume_writing backpressure signals delivered to protocols.",
	})
	metrics.openTransports = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, Name: "open_transports",
		Help: "Number of transports currently in the OPEN phase.",
	})
}
