// Package localnet connects depeche nodes across a local broadcast domain
// over UDP and TCP. Peers discover each other through UDP service
// announcements, perform an authenticated rendezvous under a pre-shared
// secret, and exchange user messages over framed TCP connections.
//
// The adapter only supports peers on the same network segment and should not
// be used in high-threat environments: announcing exposes the fact that this
// machine speaks the depeche protocol.
package localnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/depeche-protocol/depeche/pkg/seal"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Default ports. The exchange and broadcast ports deliberately coincide; the
// rendezvous server lives one above. Servers search up to maxPortOffset
// consecutive ports from their base before giving up.
const (
	DefaultBroadcastPort      = 27272
	DefaultExchangeBasePort   = 27272
	DefaultRendezvousBasePort = 27273

	maxPortOffset = 10
)

var (
	ErrPortExhausted  = errors.New("localnet: no free port in search range")
	ErrRendezvousAuth = errors.New("localnet: rendezvous payload failed authentication")
)

// Config carries the adapter's network parameters. The zero value is usable;
// defaults are applied by NewAdapter.
type Config struct {
	// BroadcastPort is the UDP port announcements are listened for on, and
	// the default destination port for sent announcements.
	BroadcastPort uint16

	// AnnounceAddrs are the destinations announcements are sent to. Defaults
	// to the limited broadcast address on BroadcastPort.
	AnnounceAddrs []netip.AddrPort

	// ExchangeBasePort and RendezvousBasePort are the first TCP ports tried
	// when binding the respective servers.
	ExchangeBasePort   uint16
	RendezvousBasePort uint16

	// BindAddr is the address TCP servers bind to. Defaults to the wildcard
	// address so peers beyond loopback can reach us.
	BindAddr netip.Addr

	// PollInterval is the socket deadline granularity used by listeners to
	// observe cancellation. Defaults to 200ms.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BroadcastPort == 0 {
		c.BroadcastPort = DefaultBroadcastPort
	}
	if len(c.AnnounceAddrs) == 0 {
		c.AnnounceAddrs = []netip.AddrPort{
			netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), c.BroadcastPort),
		}
	}
	if c.ExchangeBasePort == 0 {
		c.ExchangeBasePort = DefaultExchangeBasePort
	}
	if c.RendezvousBasePort == 0 {
		c.RendezvousBasePort = DefaultRendezvousBasePort
	}
	if !c.BindAddr.IsValid() {
		c.BindAddr = netip.IPv4Unspecified()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	return c
}

// Adapter implements rendezvous and message exchange for one node on a local
// network. All long-running operations are cancellable and poll their sockets
// on short deadlines so cancellation is observed promptly.
type Adapter struct {
	log      zerolog.Logger
	provider seal.Provider
	cfg      Config
	callsign string

	mu       sync.Mutex
	exchange *exchangeServer
	listener *announceListener
}

// NewAdapter creates an adapter with a fresh callsign. The callsign is a
// per-process UUID used solely to suppress self-echo of our own broadcasts.
func NewAdapter(log zerolog.Logger, provider seal.Provider, cfg Config) *Adapter {
	return &Adapter{
		log:      log,
		provider: provider,
		cfg:      cfg.withDefaults(),
		callsign: uuid.NewString(),
	}
}

// Callsign returns the adapter's announcement callsign.
func (a *Adapter) Callsign() string { return a.callsign }

// listenTCP binds a TCP listener on the first free port in
// [base, base+maxPortOffset), returning ErrPortExhausted when the whole range
// is taken.
func (a *Adapter) listenTCP(ctx context.Context, base uint16) (*net.TCPListener, uint16, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	for off := uint16(0); off < maxPortOffset; off++ {
		port := base + off
		ln, err := lc.Listen(ctx, "tcp4", fmt.Sprintf("%s:%d", a.cfg.BindAddr, port))
		if err != nil {
			a.log.Debug().Uint16("port", port).Err(err).Msg("port busy, trying next")
			continue
		}
		return ln.(*net.TCPListener), port, nil
	}
	return nil, 0, fmt.Errorf("%w: %d-%d", ErrPortExhausted, base, base+maxPortOffset-1)
}
