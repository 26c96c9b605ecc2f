package depeche_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/depeche-protocol/depeche/pkg/depeche"
	"github.com/depeche-protocol/depeche/pkg/intercom"
	"github.com/depeche-protocol/depeche/pkg/memstore"
	"github.com/depeche-protocol/depeche/pkg/seal"
	"github.com/depeche-protocol/depeche/pkg/wire"
)

func TestMessageID(t *testing.T) {
	sum := sha256.Sum256([]byte("contents"))
	require.Equal(t, hex.EncodeToString(sum[:]), depeche.MessageID("contents"))
}

func TestProduceAndSaveRendezvousInfo(t *testing.T) {
	alice := memstore.New()
	provider := seal.NaCl{}

	keyID, own, err := depeche.ProduceRendezvousInfo(alice, provider, "alice", 10)
	require.NoError(t, err)
	require.Equal(t, "alice", own.Alias)
	require.Len(t, own.AddressPad, 10)
	require.NotEmpty(t, own.PublicKey)
	for _, adr := range own.AddressPad {
		require.Regexp(t, `^ADR-`, adr)
	}

	peer := &wire.RendezvousInfo{
		Alias:      "beta",
		AddressPad: []string{"ADR-p1", "ADR-p2", "ADR-p3"},
		PublicKey:  "fe01",
	}
	contactID, err := depeche.SaveRendezvousInfo(alice, keyID, own, peer)
	require.NoError(t, err)

	c, err := alice.ReadContact(contactID)
	require.NoError(t, err)
	require.Equal(t, "beta", c.Nickname)
	require.Equal(t, "alice", c.Alias)

	// their pad becomes our sending addresses
	n, err := alice.UnusedAddressCount(contactID)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	pad, err := alice.AddressPadFor(contactID, 0)
	require.NoError(t, err)
	for _, a := range pad {
		require.Equal(t, "fe01", a.PublicKey)
	}

	// our pad becomes own receiving addresses bound to the produced key
	for _, adr := range own.AddressPad {
		gotKey, priv, ok, err := alice.GetOwnAddressKey(adr)
		require.NoError(t, err)
		require.True(t, ok, "own address %s not registered", adr)
		require.Equal(t, keyID, gotKey)
		require.NotEmpty(t, priv)

		unused, err := alice.IsOwnUnusedAddress(adr)
		require.NoError(t, err)
		require.True(t, unused)
	}
}

// wireUp performs both sides of a rendezvous directly against the stores so
// messaging tests start from a realistic state.
func wireUp(t *testing.T) (alice, bob *memstore.Store, aliceToBob, bobToAlice *depeche.Contact) {
	t.Helper()
	provider := seal.NaCl{}

	alice, bob = memstore.New(), memstore.New()

	aliceKey, aliceInfo, err := depeche.ProduceRendezvousInfo(alice, provider, "alice", 5)
	require.NoError(t, err)
	bobKey, bobInfo, err := depeche.ProduceRendezvousInfo(bob, provider, "bob", 5)
	require.NoError(t, err)

	aID, err := depeche.SaveRendezvousInfo(alice, aliceKey, aliceInfo, bobInfo)
	require.NoError(t, err)
	bID, err := depeche.SaveRendezvousInfo(bob, bobKey, bobInfo, aliceInfo)
	require.NoError(t, err)

	aliceToBob, err = alice.ReadContact(aID)
	require.NoError(t, err)
	bobToAlice, err = bob.ReadContact(bID)
	require.NoError(t, err)
	return
}

func TestMessageRoundTrip(t *testing.T) {
	provider := seal.NaCl{}
	alice, bob, aliceToBob, _ := wireUp(t)

	require.NoError(t, depeche.EnqueueUserMessage(
		alice, provider, aliceToBob, "hi bob, more addresses please", true, true))

	// the queued message rides the gossip flood to bob
	queued, err := alice.MessagesToForward(3)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	lineMsg := queued[0].UserMessage()
	handler := depeche.NewExchangeHandler(zerolog.Nop(), bob, 3)
	handler.OnMessageReceived(lineMsg)

	received, err := bob.ReceivedMessages()
	require.NoError(t, err)
	require.Len(t, received, 1)

	// the delivery address is burned on receipt
	unused, err := bob.IsOwnUnusedAddress(lineMsg.ToAddress)
	require.NoError(t, err)
	require.False(t, unused)

	env, err := depeche.ParseMessage(bob, provider, &received[0])
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Equal(t, "hi bob, more addresses please", env.Body)
	require.Equal(t, "bob", env.To)       // alice's nickname for bob
	require.Equal(t, "alice", env.From)   // how bob knows alice
	require.NotNil(t, env.PadRequest)
	require.NotNil(t, env.Pad)
	require.Equal(t, "alice", env.Pad.Owner)

	// importing the attached pad gives bob fresh sending addresses
	contact, err := bob.ReadContactFromNickname("alice")
	require.NoError(t, err)
	require.NotNil(t, contact)
	countBefore, err := bob.UnusedAddressCount(contact.ID)
	require.NoError(t, err)

	require.NoError(t, depeche.ImportAddressPad(bob, env.Pad, "bob"))

	countAfter, err := bob.UnusedAddressCount(contact.ID)
	require.NoError(t, err)
	require.Equal(t, countBefore+depeche.DefaultPadSize, countAfter)

	// alice cannot decrypt her own sealed message
	stored, err := alice.ReadMessage(queued[0].ID)
	require.NoError(t, err)
	env, err = depeche.ParseMessage(alice, provider, stored)
	require.NoError(t, err)
	require.Nil(t, env)
}

func TestEnqueueExhaustsAddresses(t *testing.T) {
	provider := seal.NaCl{}
	alice, _, aliceToBob, _ := wireUp(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, depeche.EnqueueUserMessage(
			alice, provider, aliceToBob, "msg", false, false))
	}
	err := depeche.EnqueueUserMessage(alice, provider, aliceToBob, "one too many", false, false)
	require.ErrorIs(t, err, depeche.ErrNoAddresses)
}

func TestImportAddressPadUnknownSender(t *testing.T) {
	s := memstore.New()

	pad := &intercom.AddressPad{
		Owner:    "stranger",
		Mappings: []intercom.KeyMapping{{Key: "ab01", Addresses: []string{"ADR-s1", "ADR-s2"}}},
	}
	require.NoError(t, depeche.ImportAddressPad(s, pad, "me"))

	c, err := s.ReadContactFromNickname("stranger")
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, "me", c.Alias)

	n, err := s.UnusedAddressCount(c.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestExchangeHandlerForwardPolicy(t *testing.T) {
	s := memstore.New()
	h := depeche.NewExchangeHandler(zerolog.Nop(), s, 2)

	id, err := s.StoreMessage(wire.NewUserMessage("ADR-z", time.Now().UTC(), "gossip me"))
	require.NoError(t, err)

	// each offer bumps the count; after the cap the message stays home
	require.Len(t, h.GetMessagesToSend(), 1)
	require.Len(t, h.GetMessagesToSend(), 1)
	require.Empty(t, h.GetMessagesToSend())

	m, err := s.ReadMessage(id)
	require.NoError(t, err)
	require.Equal(t, 2, m.ForwardCount)
}

func TestExchangeHandlerIdempotentReceive(t *testing.T) {
	s := memstore.New()
	h := depeche.NewExchangeHandler(zerolog.Nop(), s, 3)

	m := wire.NewUserMessage("ADR-dup", time.Now().UTC(), "the same ciphertext")
	for i := 0; i < 100; i++ {
		h.OnMessageReceived(m)
	}

	msgs, err := s.MessagesToForward(100)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, depeche.MessageID(m.Contents), msgs[0].ID)
}
