// Package muxclient implements the client-side negotiation loop (spec.md
// §4.4): send an authenticated request, wait for an authenticated response
// under a precomputed backoff schedule, resending on timeout and reopening
// the socket on transport loss.
package muxclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/northbridge-labs/sshrmux/internal/muxbackoff"
	"github.com/northbridge-labs/sshrmux/internal/muxcodec"
)

// ErrNegotiationTimeout is returned by Negotiate when no authenticated
// response arrives before the schedule runs out.
var ErrNegotiationTimeout = errors.New("muxclient: negotiation timed out")

// Config configures a single negotiation attempt.
type Config struct {
	Secret   []byte
	Ident    []byte
	Addr     netip.AddrPort
	Attempts int           // number of requests to send (spec.md -n/--attempts)
	Timeout  time.Duration // overall budget (spec.md -t/--timeout)
	Logger   zerolog.Logger
}

// socket wraps the client's single UDP connection, following the same
// mutex-guarded swap pattern as [nspkt.Listener] in the teacher corpus so a
// transport error can reopen it without racing a concurrent cancellation.
type socket struct {
	mu      sync.Mutex
	conn    *net.UDPConn
	closing bool
}

func dial(addr netip.AddrPort) (*net.UDPConn, error) {
	return net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(addr))
}

func newSocket(addr netip.AddrPort) (*socket, error) {
	conn, err := dial(addr)
	if err != nil {
		return nil, err
	}
	return &socket{conn: conn}, nil
}

func (s *socket) get() *net.UDPConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// reopen closes the current connection, if any, and dials a new one to the
// same address, unless the socket has already been closed for shutdown.
func (s *socket) reopen(addr netip.AddrPort) (*net.UDPConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, net.ErrClosed
	}
	if s.conn != nil {
		s.conn.Close()
	}
	conn, err := dial(addr)
	if err != nil {
		s.conn = nil
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *socket) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	if s.conn != nil {
		s.conn.Close()
	}
}

// Negotiate runs the client-side negotiation loop to completion: it returns
// the ssh and tunnel ports from the first authenticated response, or
// ErrNegotiationTimeout once the retry schedule is exhausted. Cancelling ctx
// (SIGINT/SIGTERM at the caller) aborts the negotiation and closes the
// socket without returning a result.
func Negotiate(ctx context.Context, cfg Config) (sshPort, tunPort uint16, err error) {
	if cfg.Attempts <= 0 {
		return 0, 0, fmt.Errorf("muxclient: attempts must be positive, got %d", cfg.Attempts)
	}

	// N+1 delays for (tries+1, timeout), dropping the final one, per
	// spec.md §4.2's usage note for the client side.
	delays := muxbackoff.Schedule(cfg.Attempts+1, cfg.Timeout.Seconds())
	if len(delays) > 0 {
		delays = delays[:len(delays)-1]
	}

	req, err := muxcodec.BuildRequest(cfg.Secret, cfg.Ident)
	if err != nil {
		return 0, 0, fmt.Errorf("muxclient: build request: %w", err)
	}

	sock, err := newSocket(cfg.Addr)
	if err != nil {
		return 0, 0, fmt.Errorf("muxclient: dial %s: %w", cfg.Addr, err)
	}
	defer sock.close()

	cancelled := make(chan struct{})
	defer close(cancelled)
	go func() {
		select {
		case <-ctx.Done():
			sock.close()
		case <-cancelled:
		}
	}()

	send := func() error {
		conn := sock.get()
		if conn == nil {
			return net.ErrClosed
		}
		_, err := conn.Write(req)
		return err
	}

	if err := send(); err != nil {
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}
		return 0, 0, fmt.Errorf("muxclient: send request: %w", err)
	}
	cfg.Logger.Debug().Str("addr", cfg.Addr.String()).Msg("sent request")

	buf := make([]byte, 1500)
	for i, d := range delays {
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}

		conn := sock.get()
		if conn == nil {
			return 0, 0, net.ErrClosed
		}
		if err := conn.SetReadDeadline(time.Now().Add(time.Duration(d * float64(time.Second)))); err != nil {
			return 0, 0, fmt.Errorf("muxclient: set read deadline: %w", err)
		}

		for {
			n, rerr := conn.Read(buf)
			if rerr != nil {
				if ctx.Err() != nil {
					return 0, 0, ctx.Err()
				}
				if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
					break // move on to the next resend
				}

				// connection_lost: reopen the socket for the next attempt.
				cfg.Logger.Debug().Err(rerr).Msg("transport lost, reopening socket")
				newConn, derr := sock.reopen(cfg.Addr)
				if derr != nil {
					return 0, 0, fmt.Errorf("muxclient: reopen socket: %w", derr)
				}
				conn = newConn
				break
			}

			sp, tp, perr := muxcodec.ParseResponse(cfg.Secret, cfg.Ident, buf[:n])
			if perr != nil {
				cfg.Logger.Debug().Msg("received unauthenticated or malformed datagram, ignoring")
				continue
			}
			cfg.Logger.Debug().Uint16("ssh_port", sp).Uint16("tun_port", tp).Msg("received response")
			return sp, tp, nil
		}

		if i < len(delays)-1 {
			if err := send(); err != nil && ctx.Err() == nil {
				cfg.Logger.Debug().Err(err).Msg("resend failed")
			}
		}
	}

	return 0, 0, ErrNegotiationTimeout
}
