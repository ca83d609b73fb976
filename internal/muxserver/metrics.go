package muxserver

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// serverMetrics tracks received/sent datagram outcomes, exposed as
// Prometheus text, mirroring the counter-per-outcome style of
// pkg/nspkt.Listener.WritePrometheus in the teacher corpus.
type serverMetrics struct {
	set *metrics.Set

	rxAuthFailed *metrics.Counter
	rxDeduped    *metrics.Counter
	rxAllocated  *metrics.Counter
	rxReused     *metrics.Counter
	rxExhausted  *metrics.Counter
	rxStoreError *metrics.Counter

	txSent *metrics.Counter
	txErr  *metrics.Counter
}

func newServerMetrics() *serverMetrics {
	set := metrics.NewSet()
	return &serverMetrics{
		set:          set,
		rxAuthFailed: set.NewCounter(`sshrmux_server_rx_requests_total{result="auth_failed"}`),
		rxDeduped:    set.NewCounter(`sshrmux_server_rx_requests_total{result="deduped"}`),
		rxAllocated:  set.NewCounter(`sshrmux_server_rx_requests_total{result="allocated"}`),
		rxReused:     set.NewCounter(`sshrmux_server_rx_requests_total{result="reused"}`),
		rxExhausted:  set.NewCounter(`sshrmux_server_rx_requests_total{result="exhausted"}`),
		rxStoreError: set.NewCounter(`sshrmux_server_rx_requests_total{result="store_error"}`),
		txSent:       set.NewCounter(`sshrmux_server_tx_responses_total{result="sent"}`),
		txErr:        set.NewCounter(`sshrmux_server_tx_responses_total{result="error"}`),
	}
}

// WritePrometheus writes Prometheus text metrics to w.
func (m *serverMetrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
