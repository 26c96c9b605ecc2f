package localnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/depeche-protocol/depeche/pkg/segment"
	"github.com/depeche-protocol/depeche/pkg/wire"
	"github.com/rs/zerolog"
)

// DefaultAdvertiseWindow is how long a one-shot exchange server stays up
// after announcing itself.
const DefaultAdvertiseWindow = 30 * time.Second

// ExchangeCallbacks connects the exchange engine to the node layer. Callbacks
// may fire on any worker goroutine; the consumer synchronizes back to its own
// context. A panicking callback is logged and never kills the worker.
type ExchangeCallbacks struct {
	// GetMessagesToSend is invoked once per connection for the batch of user
	// messages to offer the peer.
	GetMessagesToSend func() []wire.UserMessage

	// OnMessageReceived is invoked for every user message the peer hands us.
	OnMessageReceived func(wire.UserMessage)

	// OnExchangeCompleted is invoked after each connection finishes, whether
	// or not any user messages moved.
	OnExchangeCompleted func()
}

// exchangeLoop runs the symmetric bidirectional exchange over one connection.
// The connector passes startSending; the acceptor starts by receiving. The
// connection is closed on exit.
func exchangeLoop(conn net.Conn, log zerolog.Logger, toSend []wire.UserMessage, onRecv func(wire.UserMessage), startSending bool) error {
	defer conn.Close()

	keepSend, keepRecv := true, true
	next := 0

	sendPhase := func() error {
		var out wire.Message
		if keepSend {
			if next < len(toSend) {
				out = toSend[next]
				next++
			} else {
				keepSend = false
			}
		}
		if !keepSend {
			out = wire.NewNoMoreData()
		}

		data, err := wire.EncodeContainer([]wire.Message{out})
		if err != nil {
			return err
		}
		metricExchangeMessagesSent.Inc()
		return segment.Send(conn, data)
	}

	recvPhase := func() error {
		data, err := segment.Read(conn)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			// the peer hung up instead of finishing the flow-control dance
			return fmt.Errorf("localnet: peer closed connection mid-exchange")
		}
		msgs, err := wire.DecodeContainer(data)
		if err != nil {
			// a malformed container costs the peer its batch, not us the
			// connection
			log.Warn().Err(err).Msg("dropping malformed container")
			return nil
		}
		for _, m := range msgs {
			switch v := m.(type) {
			case wire.StopSending:
				log.Debug().Msg("peer will not heed any more data")
				keepSend = false
			case wire.NoMoreData:
				log.Debug().Msg("peer has no more data")
				keepRecv = false
			case wire.UserMessage:
				metricExchangeMessagesReceived.Inc()
				handleReceived(log, onRecv, v)
			}
		}
		return nil
	}

	if startSending {
		if err := sendPhase(); err != nil {
			return err
		}
	}
	for keepSend || keepRecv {
		if err := recvPhase(); err != nil {
			return err
		}
		if err := sendPhase(); err != nil {
			return err
		}
	}
	return nil
}

func handleReceived(log zerolog.Logger, onRecv func(wire.UserMessage), m wire.UserMessage) {
	if onRecv == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("on_message_received panicked")
		}
	}()
	onRecv(m)
}

// ExchangeWithPeer dials an announced exchange server and runs one exchange
// as the connecting side.
func (a *Adapter) ExchangeWithPeer(ctx context.Context, addr netip.AddrPort, toSend []wire.UserMessage, onRecv func(wire.UserMessage)) error {
	log := a.log.With().Str("component", "exchange").Stringer("peer", addr).Logger()

	var d net.Dialer
	d.Timeout = handshakeTimeout
	conn, err := d.DialContext(ctx, "tcp4", addr.String())
	if err != nil {
		return fmt.Errorf("localnet: dial exchange server: %w", err)
	}
	metricExchangeConnections.Inc()

	log.Debug().Msg("starting message exchange")
	return exchangeLoop(conn, log, toSend, onRecv, true)
}

// exchangeServer accepts serial exchange connections within its active
// window.
type exchangeServer struct {
	cancel context.CancelFunc
	done   chan struct{}
	port   uint16
}

// StartExchangeServer binds an exchange server near the exchange base port
// and announces it on the local network. This is the "active" way to find
// peers and will expose the node to anyone listening.
//
// With oneShot set, the server stops on its own after window (default
// DefaultAdvertiseWindow); otherwise it serves until StopExchangeServer. The
// selected port is returned. Only one server runs at a time; starting a new
// one stops its predecessor.
func (a *Adapter) StartExchangeServer(cb ExchangeCallbacks, oneShot bool, window time.Duration) (uint16, error) {
	a.StopExchangeServer()

	if window <= 0 {
		window = DefaultAdvertiseWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	ln, port, err := a.listenTCP(ctx, a.cfg.ExchangeBasePort)
	if err != nil {
		cancel()
		return 0, err
	}

	if err := a.sendAnnouncement(ServerTypeExchange, port); err != nil {
		ln.Close()
		cancel()
		return 0, err
	}

	s := &exchangeServer{cancel: cancel, done: make(chan struct{}), port: port}
	a.mu.Lock()
	a.exchange = s
	a.mu.Unlock()

	var stopTimer *time.Timer
	if oneShot {
		stopTimer = time.AfterFunc(window, cancel)
	}

	go func() {
		defer close(s.done)
		defer ln.Close()
		if stopTimer != nil {
			defer stopTimer.Stop()
		}
		a.serveExchanges(ctx, ln, cb)
	}()

	return port, nil
}

func (a *Adapter) serveExchanges(ctx context.Context, ln *net.TCPListener, cb ExchangeCallbacks) {
	log := a.log.With().Str("component", "exchange").Logger()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("message exchange server shut down on request")
			return
		default:
		}

		ln.SetDeadline(time.Now().Add(a.cfg.PollInterval))
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() == nil {
				log.Err(err).Msg("exchange accept failed")
			}
			return
		}
		metricExchangeConnections.Inc()

		log.Debug().Stringer("peer", conn.RemoteAddr()).Msg("client connected to message exchange server")
		a.handleExchangeConn(conn, log, cb)
	}
}

// handleExchangeConn runs one accepted connection through the exchange loop.
// Connections are handled one at a time; an exchange in flight is never
// interrupted by the stop timer.
func (a *Adapter) handleExchangeConn(conn net.Conn, log zerolog.Logger, cb ExchangeCallbacks) {
	toSend := a.messagesToSend(cb)
	if err := exchangeLoop(conn, log, toSend, cb.OnMessageReceived, false); err != nil {
		log.Warn().Err(err).Msg("exchange aborted")
	}
	if cb.OnExchangeCompleted != nil {
		func() {
			defer a.recoverCallback("on_exchange_completed")
			cb.OnExchangeCompleted()
		}()
	}
}

func (a *Adapter) messagesToSend(cb ExchangeCallbacks) []wire.UserMessage {
	defer a.recoverCallback("get_messages_to_send")
	if cb.GetMessagesToSend == nil {
		return nil
	}
	return cb.GetMessagesToSend()
}

// StopExchangeServer closes the running exchange server, if any. A current
// message exchange is allowed to finish; only new connections are refused.
func (a *Adapter) StopExchangeServer() {
	a.mu.Lock()
	s := a.exchange
	a.exchange = nil
	a.mu.Unlock()

	if s != nil {
		s.cancel()
		<-s.done
	}
}
