package localnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"
)

// Server types carried in announcements.
const (
	ServerTypeRendezvous = "rendezvous"
	ServerTypeExchange   = "exchange"
)

const (
	announceProtocol     = "depeche_ipadapter"
	announceVersion      = 0
	opServerAnnouncement = "server_announcement"

	// maxDatagram bounds announcement reads; valid announcements are far
	// smaller and anything longer is truncated by the read.
	maxDatagram = 8192
)

// announcement is the UDP broadcast envelope advertising a running server.
type announcement struct {
	Protocol  string              `json:"protocol"`
	Version   int                 `json:"version"`
	Operation string              `json:"operation"`
	Content   announcementContent `json:"content"`
}

type announcementContent struct {
	ServerType string `json:"server_type"`
	ServerPort uint16 `json:"server_port"`
	Callsign   string `json:"callsign"`
}

// AnnouncementFunc is invoked for each valid announcement heard from another
// node. It runs on the listener's goroutine.
type AnnouncementFunc func(ip netip.Addr, port uint16, callsign string)

// sendAnnouncement broadcasts one service announcement for a server of the
// given type listening on port.
func (a *Adapter) sendAnnouncement(serverType string, port uint16) error {
	payload, err := json.Marshal(announcement{
		Protocol:  announceProtocol,
		Version:   announceVersion,
		Operation: opServerAnnouncement,
		Content: announcementContent{
			ServerType: serverType,
			ServerPort: port,
			Callsign:   a.callsign,
		},
	})
	if err != nil {
		return fmt.Errorf("localnet: marshal announcement: %w", err)
	}

	lc := net.ListenConfig{Control: broadcast}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return fmt.Errorf("localnet: announcement socket: %w", err)
	}
	defer pc.Close()

	a.log.Debug().Str("server_type", serverType).Uint16("port", port).Msg("sending announcement")
	for _, dst := range a.cfg.AnnounceAddrs {
		if _, err := pc.WriteTo(payload, net.UDPAddrFromAddrPort(dst)); err != nil {
			return fmt.Errorf("localnet: send announcement to %s: %w", dst, err)
		}
	}
	metricAnnouncementsSent.Inc()
	return nil
}

// parseAnnouncement validates a datagram against the expected server type.
// Anything that does not match is an ordinary continue-condition for the
// listener, never a fatal error.
func parseAnnouncement(data []byte, serverType string) (port uint16, callsign string, err error) {
	var ann announcement
	if err := json.Unmarshal(data, &ann); err != nil {
		return 0, "", fmt.Errorf("not an announcement: %w", err)
	}
	switch {
	case ann.Protocol != announceProtocol:
		return 0, "", fmt.Errorf("foreign protocol %q", ann.Protocol)
	case ann.Version != announceVersion:
		return 0, "", fmt.Errorf("unsupported version %d", ann.Version)
	case ann.Operation != opServerAnnouncement:
		return 0, "", fmt.Errorf("unexpected operation %q", ann.Operation)
	case ann.Content.ServerType != serverType:
		return 0, "", fmt.Errorf("server type %q, waiting for %q", ann.Content.ServerType, serverType)
	case ann.Content.ServerPort == 0:
		return 0, "", errors.New("missing server port")
	}
	return ann.Content.ServerPort, ann.Content.Callsign, nil
}

// listenAnnouncements binds the announcement port and invokes onMatch for
// every valid announcement of the wanted type whose callsign is not our own.
// It returns when ctx is cancelled or, if timeout is positive, when that much
// wall-clock time has passed since listening began.
//
// The port is bound on the wildcard address so announcements from the whole
// segment are heard regardless of how the host resolves its own name.
func (a *Adapter) listenAnnouncements(ctx context.Context, serverType string, timeout time.Duration, onMatch AnnouncementFunc) error {
	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", a.cfg.BroadcastPort))
	if err != nil {
		return fmt.Errorf("localnet: bind announcement port: %w", err)
	}
	defer pc.Close()

	log := a.log.With().Str("server_type", serverType).Logger()
	log.Debug().Uint16("port", a.cfg.BroadcastPort).Msg("listening for announcements")

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			log.Debug().Msg("announcement listening timeout, giving up")
			return nil
		}

		pc.SetReadDeadline(time.Now().Add(a.cfg.PollInterval))
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("localnet: read announcement: %w", err)
		}
		metricAnnouncementsReceived.Inc()

		port, callsign, err := parseAnnouncement(buf[:n], serverType)
		if err != nil {
			metricAnnouncementsDropped.Inc()
			log.Warn().Err(err).Stringer("from", from).Msg("dropping datagram")
			continue
		}
		if callsign == a.callsign {
			log.Debug().Msg("picked up my own announcement, disregarding it")
			continue
		}

		ip := from.(*net.UDPAddr).AddrPort().Addr().Unmap()
		log.Debug().Stringer("ip", ip).Uint16("port", port).Str("callsign", callsign).
			Msg("announcement heard")
		onMatch(ip, port, callsign)
	}
}

// announceListener is one passive-discovery session started by
// StartAnnouncementListener.
type announceListener struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartAnnouncementListener starts listening for exchange server
// announcements in the background, invoking onAnnouncement for each foreign
// one heard. A positive timeout stops the session on its own; otherwise it
// runs until StopAnnouncementListener. Only one session is active at a time;
// starting a new one stops its predecessor.
func (a *Adapter) StartAnnouncementListener(onAnnouncement AnnouncementFunc, timeout time.Duration) {
	a.StopAnnouncementListener()

	ctx, cancel := context.WithCancel(context.Background())
	l := &announceListener{cancel: cancel, done: make(chan struct{})}

	a.mu.Lock()
	a.listener = l
	a.mu.Unlock()

	go func() {
		defer close(l.done)
		safeOnMatch := func(ip netip.Addr, port uint16, callsign string) {
			defer a.recoverCallback("on_announcement")
			onAnnouncement(ip, port, callsign)
		}
		if err := a.listenAnnouncements(ctx, ServerTypeExchange, timeout, safeOnMatch); err != nil {
			a.log.Err(err).Msg("announcement listener failed")
		}
	}()
}

// StopAnnouncementListener stops the active passive-discovery session, if
// any, and waits for its worker to exit.
func (a *Adapter) StopAnnouncementListener() {
	a.mu.Lock()
	l := a.listener
	a.listener = nil
	a.mu.Unlock()

	if l != nil {
		l.cancel()
		<-l.done
	}
}

// recoverCallback keeps user-supplied callbacks from killing workers.
func (a *Adapter) recoverCallback(name string) {
	if r := recover(); r != nil {
		a.log.Error().Interface("panic", r).Str("callback", name).Msg("callback panicked")
	}
}
