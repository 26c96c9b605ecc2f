package localnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/depeche-protocol/depeche/pkg/segment"
	"github.com/depeche-protocol/depeche/pkg/wire"
	"github.com/rs/zerolog"
)

// DefaultRendezvousTimeout is the wall-clock budget for one rendezvous
// attempt when the caller does not supply one.
const DefaultRendezvousTimeout = 30 * time.Second

const (
	handshakeTimeout   = 10 * time.Second
	reannounceInterval = 2 * time.Second
)

// rendezvousSession runs both sides of the rendezvous race: a TCP acceptor
// that announces itself and a chaser that dials the first foreign
// announcement heard. Whichever role completes a handshake first wins; the
// loser is cancelled.
type rendezvousSession struct {
	a      *Adapter
	log    zerolog.Logger
	secret string
	own    *wire.RendezvousInfo

	mu   sync.Mutex
	peer *wire.RendezvousInfo
	err  error
	done chan struct{}
}

// complete records the session result. The first writer wins; later calls
// are discarded.
func (s *rendezvousSession) complete(peer *wire.RendezvousInfo, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.peer, s.err = peer, err
	close(s.done)
	return true
}

// Rendezvous establishes a mutually-authenticated exchange of rendezvous info
// with a peer sharing the secret, without prior knowledge of its address.
// It returns the peer's info and ok=true on success, ok=false when the
// timeout (default DefaultRendezvousTimeout) elapses first, and a non-nil
// error for start-up failures such as an exhausted port range.
func (a *Adapter) Rendezvous(ctx context.Context, sharedSecret string, own *wire.RendezvousInfo, timeout time.Duration) (*wire.RendezvousInfo, bool, error) {
	if timeout <= 0 {
		timeout = DefaultRendezvousTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s := &rendezvousSession{
		a:      a,
		log:    a.log.With().Str("component", "rendezvous").Logger(),
		secret: sharedSecret,
		own:    own,
		done:   make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.serve(ctx)
	}()
	go func() {
		defer wg.Done()
		s.chase(ctx)
	}()

	select {
	case <-s.done:
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()

	s.mu.Lock()
	peer, err := s.peer, s.err
	s.mu.Unlock()

	switch {
	case err != nil:
		metricRendezvousFailed.Inc()
		return nil, false, err
	case peer == nil:
		// timed out with neither role completing
		metricRendezvousFailed.Inc()
		return nil, false, nil
	default:
		metricRendezvousSucceeded.Inc()
		return peer, true, nil
	}
}

// serve is the R-server role: bind near the rendezvous base port, announce
// it (again every reannounceInterval), and accept handshakes until the
// session resolves.
func (s *rendezvousSession) serve(ctx context.Context) {
	ln, port, err := s.a.listenTCP(ctx, s.a.cfg.RendezvousBasePort)
	if err != nil {
		s.log.Err(err).Msg("could not open port for rendezvous server")
		s.complete(nil, err)
		return
	}
	defer ln.Close()

	if err := s.a.sendAnnouncement(ServerTypeRendezvous, port); err != nil {
		s.log.Err(err).Msg("could not announce rendezvous server")
		s.complete(nil, err)
		return
	}

	// re-broadcast while waiting: the peer's listener may not have been up
	// yet when the first announcement went out
	lastAnnounce := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if time.Since(lastAnnounce) >= reannounceInterval {
			if err := s.a.sendAnnouncement(ServerTypeRendezvous, port); err != nil {
				s.log.Warn().Err(err).Msg("re-announcement failed")
			}
			lastAnnounce = time.Now()
		}

		ln.SetDeadline(time.Now().Add(s.a.cfg.PollInterval))
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			s.log.Debug().Err(err).Msg("rendezvous accept failed")
			return
		}

		peer, err := s.accept(conn)
		if err != nil {
			// a failed handshake burns this connection, not the session;
			// the chaser may still succeed
			s.log.Warn().Err(err).Msg("rendezvous handshake failed")
			continue
		}
		s.complete(peer, nil)
		return
	}
}

// accept runs the responder side of the handshake on one connection.
func (s *rendezvousSession) accept(conn net.Conn) (*wire.RendezvousInfo, error) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	peer, err := s.readInfo(conn)
	if err != nil {
		return nil, err
	}
	if err := s.writeInfo(conn); err != nil {
		return nil, err
	}
	return peer, nil
}

// chase is the R-chaser role: listen for foreign rendezvous announcements and
// run the initiator side of the handshake against the first one heard.
func (s *rendezvousSession) chase(ctx context.Context) {
	err := s.a.listenAnnouncements(ctx, ServerTypeRendezvous, 0, func(ip netip.Addr, port uint16, callsign string) {
		peer, err := s.dial(ctx, netip.AddrPortFrom(ip, port))
		if err != nil {
			// keep listening; a later announcement or our own server may
			// still carry the attempt
			s.log.Warn().Err(err).Stringer("ip", ip).Uint16("port", port).
				Msg("rendezvous initiation failed")
			return
		}
		s.complete(peer, nil)
	})
	if err != nil {
		s.log.Err(err).Msg("rendezvous announcement listener failed")
		s.complete(nil, err)
	}
}

// dial runs the initiator side of the handshake against an announced server.
func (s *rendezvousSession) dial(ctx context.Context, addr netip.AddrPort) (*wire.RendezvousInfo, error) {
	s.log.Debug().Stringer("addr", addr).Msg("initiating rendezvous")

	var d net.Dialer
	d.Timeout = handshakeTimeout
	conn, err := d.DialContext(ctx, "tcp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("localnet: dial rendezvous server: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	if err := s.writeInfo(conn); err != nil {
		return nil, err
	}
	return s.readInfo(conn)
}

// writeInfo sends our rendezvous info encrypted under the shared secret as
// one segment.
func (s *rendezvousSession) writeInfo(conn net.Conn) error {
	plain, err := s.own.Encode()
	if err != nil {
		return err
	}
	crypted, err := s.a.provider.EncryptSymmetric(plain, s.secret)
	if err != nil {
		return err
	}
	return segment.Send(conn, []byte(crypted))
}

// readInfo reads one segment and recovers the peer's rendezvous info.
// Decryption or parse failures mean the peer does not hold our secret.
func (s *rendezvousSession) readInfo(conn net.Conn) (*wire.RendezvousInfo, error) {
	data, err := segment.Read(conn)
	if err != nil {
		return nil, err
	}
	plain, err := s.a.provider.DecryptSymmetric(string(data), s.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRendezvousAuth, err)
	}
	peer, err := wire.DecodeRendezvousInfo(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRendezvousAuth, err)
	}
	return peer, nil
}
