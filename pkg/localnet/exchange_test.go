package localnet

import (
	"context"
	"net"
	"net/netip"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/depeche-protocol/depeche/pkg/segment"
	"github.com/depeche-protocol/depeche/pkg/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func readSegmentT(t *testing.T, c net.Conn) ([]byte, error) {
	t.Helper()
	return segment.Read(c)
}

func writeContainerT(t *testing.T, c net.Conn, msgs ...wire.Message) {
	t.Helper()
	data, err := wire.EncodeContainer(msgs)
	require.NoError(t, err)
	require.NoError(t, segment.Send(c, data))
}

func userMessages(contents ...string) []wire.UserMessage {
	out := make([]wire.UserMessage, len(contents))
	for i, c := range contents {
		out[i] = wire.NewUserMessage("ADR-"+c, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), c)
	}
	return out
}

// tcpPair returns both ends of a loopback TCP connection. Real sockets are
// used because the exchange protocol relies on the transport buffering the
// final flow-control container.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type res struct {
		c   net.Conn
		err error
	}
	ch := make(chan res, 1)
	go func() {
		c, err := ln.Accept()
		ch <- res{c, err}
	}()

	client, err = net.Dial("tcp4", ln.Addr().String())
	require.NoError(t, err)

	r := <-ch
	require.NoError(t, r.err)
	return client, r.c
}

// runLoopPair drives both ends of an exchange over loopback TCP and returns
// what each side received.
func runLoopPair(t *testing.T, connectorMsgs, acceptorMsgs []wire.UserMessage) (connectorGot, acceptorGot []string) {
	t.Helper()

	c1, c2 := tcpPair(t)

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		err1, err2 error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		err1 = exchangeLoop(c1, zerolog.Nop(), connectorMsgs, func(m wire.UserMessage) {
			mu.Lock()
			connectorGot = append(connectorGot, m.Contents)
			mu.Unlock()
		}, true)
	}()
	go func() {
		defer wg.Done()
		err2 = exchangeLoop(c2, zerolog.Nop(), acceptorMsgs, func(m wire.UserMessage) {
			mu.Lock()
			acceptorGot = append(acceptorGot, m.Contents)
			mu.Unlock()
		}, false)
	}()
	wg.Wait()

	require.NoError(t, err1)
	require.NoError(t, err2)
	return connectorGot, acceptorGot
}

func TestExchangeLoopEmpty(t *testing.T) {
	cGot, aGot := runLoopPair(t, nil, nil)
	require.Empty(t, cGot)
	require.Empty(t, aGot)
}

func TestExchangeLoopOneEach(t *testing.T) {
	cGot, aGot := runLoopPair(t, userMessages("c1"), userMessages("c2"))
	require.Equal(t, []string{"c2"}, cGot)
	require.Equal(t, []string{"c1"}, aGot)
}

func TestExchangeLoopAsymmetric(t *testing.T) {
	cGot, aGot := runLoopPair(t,
		userMessages("m1", "m2", "m3", "m4", "m5"),
		userMessages("n1"))
	sort.Strings(cGot)
	sort.Strings(aGot)
	require.Equal(t, []string{"n1"}, cGot)
	require.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, aGot)
}

func TestExchangeLoopOrdering(t *testing.T) {
	// within one connection, messages from one side arrive in emission order
	_, aGot := runLoopPair(t, userMessages("a", "b", "c", "d"), nil)
	require.Equal(t, []string{"a", "b", "c", "d"}, aGot)
}

func TestExchangeLoopHonoursStopSending(t *testing.T) {
	c1, c2 := tcpPair(t)

	var got []string
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		exchangeLoop(c1, zerolog.Nop(), userMessages("m1", "m2", "m3"), nil, true)
	}()

	// hand-rolled peer: receive one message, demand silence, then drain
	go func() {
		defer wg.Done()
		defer c2.Close()

		readContainer := func() []wire.Message {
			data, err := readSegmentT(t, c2)
			if err != nil {
				return nil
			}
			msgs, _ := wire.DecodeContainer(data)
			return msgs
		}

		// first message from the connector
		for _, m := range readContainer() {
			if um, ok := m.(wire.UserMessage); ok {
				got = append(got, um.Contents)
			}
		}

		// tell it to stop, and that we have nothing ourselves
		writeContainerT(t, c2, wire.NewStopSending())
		for {
			msgs := readContainer()
			if msgs == nil {
				return
			}
			done := false
			for _, m := range msgs {
				switch m.(type) {
				case wire.NoMoreData:
					done = true
				case wire.UserMessage:
					t.Error("peer kept sending after stop_sending")
				}
			}
			if done {
				writeContainerT(t, c2, wire.NewNoMoreData())
				return
			}
			writeContainerT(t, c2, wire.NewNoMoreData())
		}
	}()

	wg.Wait()
	require.Equal(t, []string{"m1"}, got)
}

func TestExchangeServerRoundTrip(t *testing.T) {
	a := testAdapter(t, Config{
		BroadcastPort:    28500,
		AnnounceAddrs:    []netip.AddrPort{loopback(28501)}, // nobody there; announcement is incidental
		ExchangeBasePort: 28502,
		BindAddr:         netip.AddrFrom4([4]byte{127, 0, 0, 1}),
	})
	b := testAdapter(t, Config{BroadcastPort: 28503})

	var (
		mu        sync.Mutex
		serverGot []string
		clientGot []string
		completed = make(chan struct{}, 1)
	)

	port, err := a.StartExchangeServer(ExchangeCallbacks{
		GetMessagesToSend: func() []wire.UserMessage { return userMessages("from-server") },
		OnMessageReceived: func(m wire.UserMessage) {
			mu.Lock()
			serverGot = append(serverGot, m.Contents)
			mu.Unlock()
		},
		OnExchangeCompleted: func() { completed <- struct{}{} },
	}, false, 0)
	require.NoError(t, err)
	defer a.StopExchangeServer()

	err = b.ExchangeWithPeer(context.Background(), loopback(port), userMessages("from-client"), func(m wire.UserMessage) {
		mu.Lock()
		clientGot = append(clientGot, m.Contents)
		mu.Unlock()
	})
	require.NoError(t, err)

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("exchange completion callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"from-client"}, serverGot)
	require.Equal(t, []string{"from-server"}, clientGot)
}

func TestExchangeServerPortExhausted(t *testing.T) {
	base := uint16(28520)

	// occupy the whole search range
	var lns []net.Listener
	for off := uint16(0); off < maxPortOffset; off++ {
		ln, err := net.Listen("tcp4", netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), base+off).String())
		if err == nil {
			lns = append(lns, ln)
			defer ln.Close()
		}
	}
	require.Len(t, lns, int(maxPortOffset))

	a := testAdapter(t, Config{
		BroadcastPort:    28530,
		ExchangeBasePort: base,
		BindAddr:         netip.AddrFrom4([4]byte{127, 0, 0, 1}),
	})
	_, err := a.StartExchangeServer(ExchangeCallbacks{}, false, 0)
	require.ErrorIs(t, err, ErrPortExhausted)
}
