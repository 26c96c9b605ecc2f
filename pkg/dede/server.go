package dede

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/depeche-protocol/depeche/db/depechedb"
	"github.com/depeche-protocol/depeche/pkg/depeche"
	"github.com/depeche-protocol/depeche/pkg/localnet"
	"github.com/depeche-protocol/depeche/pkg/memstore"
	"github.com/depeche-protocol/depeche/pkg/seal"
)

// Server runs one depeche node: it advertises exchange windows, chases
// foreign announcements, and keeps the store fed from both directions.
type Server struct {
	Logger   zerolog.Logger
	Store    depeche.Store
	Provider seal.Provider
	Adapter  *localnet.Adapter
	Handler  *depeche.ExchangeHandler

	alias             string
	padSize           int
	rendezvousTimeout time.Duration
	advertiseWindow   time.Duration
	advertiseInterval time.Duration
}

// NewServer configures a new node using c, which is assumed to be initialized
// to default or configured values (as done by UnmarshalEnv).
func NewServer(c *Config) (*Server, error) {
	l, err := configureLogging(c)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	var store depeche.Store
	if c.Ephemeral {
		store = memstore.New()
	} else {
		path, err := expandHome(c.DBPath)
		if err != nil {
			return nil, fmt.Errorf("resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		if store, err = depechedb.Open(path); err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
	}

	var announceAddrs []netip.AddrPort
	for _, a := range c.AnnounceAddrs {
		ap, err := netip.ParseAddrPort(a)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("parse announce address %q: %w", a, err)
		}
		announceAddrs = append(announceAddrs, ap)
	}

	provider := seal.NaCl{}
	adapter := localnet.NewAdapter(
		l.With().Str("component", "localnet").Logger(),
		provider,
		localnet.Config{
			BroadcastPort:      c.BroadcastPort,
			AnnounceAddrs:      announceAddrs,
			ExchangeBasePort:   c.ExchangeBasePort,
			RendezvousBasePort: c.RendezvousBasePort,
			BindAddr:           c.BindAddr,
		},
	)

	return &Server{
		Logger:   l,
		Store:    store,
		Provider: provider,
		Adapter:  adapter,
		Handler: depeche.NewExchangeHandler(
			l.With().Str("component", "exchange").Logger(), store, c.ForwardCap),

		alias:             c.Alias,
		padSize:           c.PadSize,
		rendezvousTimeout: c.RendezvousTimeout,
		advertiseWindow:   c.AdvertiseWindow,
		advertiseInterval: c.AdvertiseInterval,
	}, nil
}

// Run keeps the node online until ctx is cancelled: it listens for exchange
// announcements from peers, dials everyone heard, and periodically opens
// one-shot advertising windows of its own.
func (s *Server) Run(ctx context.Context) error {
	defer s.Store.Close()

	// each heard announcement gets its own dialer so a slow exchange never
	// deafens the listener
	var dialers sync.WaitGroup
	defer dialers.Wait()

	s.Adapter.StartAnnouncementListener(func(ip netip.Addr, port uint16, callsign string) {
		dialers.Add(1)
		go func() {
			defer dialers.Done()
			log := s.Logger.With().Stringer("ip", ip).Uint16("port", port).Logger()
			log.Info().Msg("exchange peer heard, connecting")

			err := s.Adapter.ExchangeWithPeer(ctx, netip.AddrPortFrom(ip, port),
				s.Handler.GetMessagesToSend(), s.Handler.OnMessageReceived)
			if err != nil {
				log.Warn().Err(err).Msg("exchange with peer failed")
				return
			}
			s.Handler.OnExchangeCompleted()
		}()
	}, 0)
	defer s.Adapter.StopAnnouncementListener()
	defer s.Adapter.StopExchangeServer()

	s.Logger.Log().Str("alias", s.alias).Str("callsign", s.Adapter.Callsign()).
		Msg("node online")

	ticker := time.NewTicker(s.advertiseInterval)
	defer ticker.Stop()

	advertise := func() {
		cb := localnet.ExchangeCallbacks{
			GetMessagesToSend:   s.Handler.GetMessagesToSend,
			OnMessageReceived:   s.Handler.OnMessageReceived,
			OnExchangeCompleted: s.Handler.OnExchangeCompleted,
		}
		if _, err := s.Adapter.StartExchangeServer(cb, true, s.advertiseWindow); err != nil {
			s.Logger.Err(err).Msg("could not open advertising window")
		}
	}

	advertise()
	for {
		select {
		case <-ctx.Done():
			s.Logger.Log().Msg("shutting down")
			return ctx.Err()
		case <-ticker.C:
			advertise()
		}
	}
}

// Rendezvous runs one full rendezvous under the shared secret and persists
// the result as a new contact. It returns the contact id.
func (s *Server) Rendezvous(ctx context.Context, sharedSecret string) (string, error) {
	keyID, own, err := depeche.ProduceRendezvousInfo(s.Store, s.Provider, s.alias, s.padSize)
	if err != nil {
		return "", err
	}

	peer, ok, err := s.Adapter.Rendezvous(ctx, sharedSecret, own, s.rendezvousTimeout)
	if err != nil {
		return "", err
	}
	if !ok {
		// nobody answered under this secret; drop the offered key again
		if err := s.Store.RemoveOwnKey(keyID); err != nil {
			s.Logger.Warn().Err(err).Msg("could not drop unused rendezvous key")
		}
		return "", fmt.Errorf("rendezvous timed out")
	}

	contactID, err := depeche.SaveRendezvousInfo(s.Store, keyID, own, peer)
	if err != nil {
		return "", err
	}
	s.Logger.Info().Str("alias", peer.Alias).Str("contact", contactID).
		Msg("rendezvous complete")
	return contactID, nil
}

func configureLogging(c *Config) (zerolog.Logger, error) {
	var w = zerolog.MultiLevelWriter(os.Stderr)
	if c.LogPretty {
		w = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return zerolog.New(w).Level(c.LogLevel).With().Timestamp().Logger(), nil
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
