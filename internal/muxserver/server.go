// Package muxserver implements the server-side listen loop (spec.md §4.5):
// receive authenticated requests, allocate a tunnel port, and keep sending
// the response on the server's own backoff schedule (the same curve as the
// client's, computed from the server's attempts and timeout) until the
// schedule runs out, deduplicating concurrent requests from the same
// identity.
package muxserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/northbridge-labs/sshrmux/internal/identstore"
	"github.com/northbridge-labs/sshrmux/internal/muxbackoff"
	"github.com/northbridge-labs/sshrmux/internal/muxcodec"
)

// Config configures a Server.
type Config struct {
	Secret  []byte
	Store   *identstore.DB
	SSHPort uint16
	RangeA  int
	RangeB  int

	Attempts int           // spec.md -n/--attempts (server side)
	Timeout  time.Duration // spec.md -t/--timeout (server side)

	Logger zerolog.Logger
}

// inflight tracks one identity's response-retry task, so a duplicate
// request arriving while the first is still being answered can be dropped
// rather than starting a second retry loop for the same identity.
type inflight struct {
	done chan struct{}
}

// Server answers mux requests on a single UDP socket. The zero value is not
// usable; construct one with New.
type Server struct {
	cfg    Config
	delays []float64
	m      *serverMetrics

	mu      sync.Mutex
	conn    *net.UDPConn
	closing bool

	inflightMu sync.Mutex
	inflight   map[string]*inflight

	wg sync.WaitGroup
}

// New constructs a Server from cfg.
func New(cfg Config) *Server {
	return &Server{
		cfg:      cfg,
		delays:   muxbackoff.Schedule(cfg.Attempts, cfg.Timeout.Seconds()),
		m:        newServerMetrics(),
		inflight: make(map[string]*inflight),
	}
}

// Metrics returns the server's Prometheus-text metrics exporter.
func (s *Server) Metrics() *serverMetrics {
	return s.m
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr netip.AddrPort) error {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return fmt.Errorf("muxserver: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, conn)
}

// Serve runs the receive loop over an already-bound conn until ctx is
// cancelled, following the same mutex-guarded socket-swap shape as
// [muxclient]'s socket so a concurrent cancellation can close the
// connection out from under a blocked Read. It returns once every
// in-flight response-retry task has finished, per spec.md §4.5's shutdown
// requirement.
func (s *Server) Serve(ctx context.Context, conn *net.UDPConn) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.closing = true
			if s.conn != nil {
				s.conn.Close()
			}
			s.mu.Unlock()
		case <-stopped:
		}
	}()
	defer close(stopped)
	defer s.wg.Wait() // await every in-flight response-retry task

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("muxserver: read: %w", err)
		}

		ident, aerr := muxcodec.ParseRequest(s.cfg.Secret, buf[:n])
		if aerr != nil {
			s.m.rxAuthFailed.Inc()
			s.cfg.Logger.Debug().Str("peer", peer.String()).Msg("rejected unauthenticated datagram")
			continue
		}

		s.handleRequest(ident, peer)
	}
}

// handleRequest authenticates having already been done by the caller: it
// deduplicates concurrent requests for the same identity (spec.md Open
// Question 1, decided in favor of dropping the duplicate silently),
// resolves the tunnel port, and starts a background retry-send task for
// the response.
func (s *Server) handleRequest(ident []byte, peer netip.AddrPort) {
	key := identstore.IdentKey(ident)

	s.inflightMu.Lock()
	if task, ok := s.inflight[key]; ok {
		select {
		case <-task.done:
			delete(s.inflight, key) // previous task finished, fall through
		default:
			s.inflightMu.Unlock()
			s.m.rxDeduped.Inc()
			s.cfg.Logger.Debug().Str("peer", peer.String()).Msg("dropped duplicate in-flight request")
			return
		}
	}
	task := &inflight{done: make(chan struct{})}
	s.inflight[key] = task
	s.inflightMu.Unlock()

	port, reused, err := s.cfg.Store.Allocate(ident, s.cfg.RangeA, s.cfg.RangeB)
	if err != nil {
		close(task.done)
		s.inflightMu.Lock()
		delete(s.inflight, key)
		s.inflightMu.Unlock()

		if errors.Is(err, identstore.ErrRangeExhausted) {
			s.m.rxExhausted.Inc()
			s.cfg.Logger.Warn().Str("peer", peer.String()).Msg("tunnel port range exhausted")
			return
		}
		s.m.rxStoreError.Inc()
		s.cfg.Logger.Error().Err(err).Msg("identity store allocation failed")
		return
	}
	if reused {
		s.m.rxReused.Inc()
	} else {
		s.m.rxAllocated.Inc()
	}

	resp, err := muxcodec.BuildResponse(s.cfg.Secret, ident, s.cfg.SSHPort, uint16(port))
	if err != nil {
		close(task.done)
		s.inflightMu.Lock()
		delete(s.inflight, key)
		s.inflightMu.Unlock()
		s.cfg.Logger.Error().Err(err).Msg("build response failed")
		return
	}

	s.wg.Add(1)
	go s.sendResponses(peer, resp, task, key)
}

// sendResponses resends resp to peer on the server's backoff schedule
// until it runs out, per spec.md §4.2's server usage note (the schedule is
// computed for N directly, unlike the client, which computes N+1 and drops
// the last one). It sends N times and sleeps d[i] after send i; there is no
// sleep after the final send, so the last delay goes unused.
func (s *Server) sendResponses(peer netip.AddrPort, resp []byte, task *inflight, key string) {
	defer s.wg.Done()
	defer close(task.done)
	defer func() {
		s.inflightMu.Lock()
		if s.inflight[key] == task {
			delete(s.inflight, key)
		}
		s.inflightMu.Unlock()
	}()

	for i, d := range s.delays {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		if _, err := conn.WriteToUDPAddrPort(resp, peer); err != nil {
			s.m.txErr.Inc()
			s.cfg.Logger.Debug().Err(err).Str("peer", peer.String()).Msg("send response failed")
		} else {
			s.m.txSent.Inc()
			s.cfg.Logger.Debug().Str("peer", peer.String()).Msg("sent response")
		}

		if i < len(s.delays)-1 {
			time.Sleep(time.Duration(d * float64(time.Second)))
		}
	}
}
