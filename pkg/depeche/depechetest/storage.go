// Package depechetest provides a conformance test suite for depeche.Store
// implementations. Storage backends run it from their own test packages.
package depechetest

import (
	"errors"
	"testing"
	"time"

	"github.com/depeche-protocol/depeche/pkg/depeche"
	"github.com/depeche-protocol/depeche/pkg/wire"
)

func sent() time.Time {
	return time.Date(2024, 2, 2, 14, 15, 16, 171819000, time.UTC)
}

// TestStore exercises the whole Store contract against s, which must be
// empty.
func TestStore(t *testing.T, s depeche.Store) {
	t.Run("KeysAndAddresses", func(t *testing.T) { testKeysAndAddresses(t, s) })
	t.Run("AddressPad", func(t *testing.T) { testAddressPad(t, s) })
	t.Run("MessageIdempotence", func(t *testing.T) { testMessageIdempotence(t, s) })
	t.Run("ForwardCounting", func(t *testing.T) { testForwardCounting(t, s) })
	t.Run("ReceivedAndCleanOut", func(t *testing.T) { testReceivedAndCleanOut(t, s) })
	t.Run("Contacts", func(t *testing.T) { testContacts(t, s) })
}

func testKeysAndAddresses(t *testing.T, s depeche.Store) {
	if _, _, ok, err := s.LeastUsedOwnKey(); err != nil {
		t.Fatalf("least used own key on empty store: %v", err)
	} else if ok {
		t.Fatal("empty store claims to have an own key")
	}

	contactID, err := s.StoreContact("dimmsdale", "turner")
	if err != nil {
		t.Fatalf("store contact: %v", err)
	}

	busyKey, err := s.StoreOwnKeypair("priv-busy", "pub-busy")
	if err != nil {
		t.Fatalf("store own keypair: %v", err)
	}
	idleKey, err := s.StoreOwnKeypair("priv-idle", "pub-idle")
	if err != nil {
		t.Fatalf("store own keypair: %v", err)
	}

	if err := s.StoreOwnAddress("ADR-busy-1", contactID, busyKey); err != nil {
		t.Fatalf("store own address: %v", err)
	}
	if err := s.StoreOwnAddress("ADR-busy-2", contactID, busyKey); err != nil {
		t.Fatalf("store own address: %v", err)
	}

	// the idle key has no addresses and must win the least-used pick
	keyID, pub, ok, err := s.LeastUsedOwnKey()
	if err != nil || !ok {
		t.Fatalf("least used own key: ok=%v err=%v", ok, err)
	}
	if keyID != idleKey || pub != "pub-idle" {
		t.Fatalf("least used own key = %s/%s, want %s/pub-idle", keyID, pub, idleKey)
	}

	keyID, priv, ok, err := s.GetOwnAddressKey("ADR-busy-1")
	if err != nil || !ok {
		t.Fatalf("own address key: ok=%v err=%v", ok, err)
	}
	if keyID != busyKey || priv != "priv-busy" {
		t.Fatalf("own address key = %s/%s", keyID, priv)
	}
	if _, _, ok, err := s.GetOwnAddressKey("ADR-not-ours"); err != nil || ok {
		t.Fatalf("foreign address must have no own key: ok=%v err=%v", ok, err)
	}

	if unused, err := s.IsOwnUnusedAddress("ADR-busy-1"); err != nil || !unused {
		t.Fatalf("fresh address not unused: %v %v", unused, err)
	}
	if err := s.MarkOwnAddressUsed("ADR-busy-1"); err != nil {
		t.Fatalf("mark own address: %v", err)
	}
	if unused, err := s.IsOwnUnusedAddress("ADR-busy-1"); err != nil || unused {
		t.Fatalf("marked address still unused: %v %v", unused, err)
	}

	// removing a referenced key must fail until its addresses are gone
	if err := s.RemoveOwnKey(busyKey); !errors.Is(err, depeche.ErrKeyInUse) {
		t.Fatalf("remove in-use key: got %v, want ErrKeyInUse", err)
	}
	if err := s.RemoveOwnAddress("ADR-busy-1"); err != nil {
		t.Fatalf("remove own address: %v", err)
	}
	if err := s.RemoveOwnKey(busyKey); !errors.Is(err, depeche.ErrKeyInUse) {
		t.Fatalf("remove key with one address left: got %v, want ErrKeyInUse", err)
	}
	if err := s.RemoveOwnAddress("ADR-busy-2"); err != nil {
		t.Fatalf("remove own address: %v", err)
	}
	if err := s.RemoveOwnKey(busyKey); err != nil {
		t.Fatalf("remove orphaned key: %v", err)
	}
}

func testAddressPad(t *testing.T, s depeche.Store) {
	contactID, err := s.StoreContact("pad-contact", "us")
	if err != nil {
		t.Fatalf("store contact: %v", err)
	}
	keyID, err := s.StoreContactKey("pub-foreign")
	if err != nil {
		t.Fatalf("store contact key: %v", err)
	}

	for _, adr := range []string{"ADR-f1", "ADR-f2", "ADR-f3"} {
		if err := s.StoreContactAddress(contactID, adr, keyID); err != nil {
			t.Fatalf("store contact address: %v", err)
		}
	}
	// storing the same address again must not duplicate it
	if err := s.StoreContactAddress(contactID, "ADR-f1", keyID); err != nil {
		t.Fatalf("re-store contact address: %v", err)
	}

	if n, err := s.UnusedAddressCount(contactID); err != nil || n != 3 {
		t.Fatalf("unused count = %d (%v), want 3", n, err)
	}

	pad, err := s.AddressPadFor(contactID, 2)
	if err != nil {
		t.Fatalf("address pad: %v", err)
	}
	if len(pad) != 2 {
		t.Fatalf("pad size = %d, want 2", len(pad))
	}
	for _, a := range pad {
		if a.PublicKey != "pub-foreign" {
			t.Fatalf("pad entry %s missing public key", a.Address)
		}
	}

	// a used address must never be offered again
	if err := s.MarkContactAddressUsed("ADR-f2"); err != nil {
		t.Fatalf("mark contact address: %v", err)
	}
	pad, err = s.AddressPadFor(contactID, 0)
	if err != nil {
		t.Fatalf("address pad: %v", err)
	}
	for _, a := range pad {
		if a.Address == "ADR-f2" {
			t.Fatal("used address returned in pad")
		}
	}
	if len(pad) != 2 {
		t.Fatalf("pad size after use = %d, want 2", len(pad))
	}
	if n, err := s.UnusedAddressCount(contactID); err != nil || n != 2 {
		t.Fatalf("unused count = %d (%v), want 2", n, err)
	}
}

func testMessageIdempotence(t *testing.T, s depeche.Store) {
	m := wire.NewUserMessage("ADR-idem", sent(), "replayed ciphertext")
	wantID := depeche.MessageID(m.Contents)

	var firstID string
	for i := 0; i < 100; i++ {
		id, err := s.StoreMessage(m)
		if err != nil {
			t.Fatalf("store message (round %d): %v", i, err)
		}
		if id != wantID {
			t.Fatalf("id = %s, want content hash %s", id, wantID)
		}
		if firstID == "" {
			firstID = id
		}
	}

	got, err := s.ReadMessage(firstID)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if got == nil {
		t.Fatal("message missing after store")
	}
	if got.Contents != m.Contents || got.HeaderAddress != "ADR-idem" {
		t.Fatalf("stored message mangled: %+v", got)
	}
	if !got.HeaderSentAt.Equal(sent()) {
		t.Fatalf("header sent at = %v, want %v", got.HeaderSentAt, sent())
	}

	if err := s.RemoveMessage(firstID); err != nil {
		t.Fatalf("remove message: %v", err)
	}
	if got, err := s.ReadMessage(firstID); err != nil || got != nil {
		t.Fatalf("message survived removal: %+v %v", got, err)
	}
}

func testForwardCounting(t *testing.T, s depeche.Store) {
	m := wire.NewUserMessage("ADR-fwd", sent(), "forwardable contents")
	id, err := s.StoreMessage(m)
	if err != nil {
		t.Fatalf("store message: %v", err)
	}

	inList := func() bool {
		msgs, err := s.MessagesToForward(3)
		if err != nil {
			t.Fatalf("messages to forward: %v", err)
		}
		for _, sm := range msgs {
			if sm.ID == id {
				return true
			}
		}
		return false
	}

	if !inList() {
		t.Fatal("fresh message not offered for forwarding")
	}
	for i := 0; i < 3; i++ {
		if err := s.MarkMessageForwarded(id); err != nil {
			t.Fatalf("mark forwarded: %v", err)
		}
	}
	if inList() {
		t.Fatal("message offered beyond the forward cap")
	}

	if got, err := s.ReadMessage(id); err != nil || got.ForwardCount != 3 {
		t.Fatalf("forward count = %+v (%v), want 3", got, err)
	}
	s.RemoveMessage(id)
}

func testReceivedAndCleanOut(t *testing.T, s depeche.Store) {
	contactID, err := s.StoreContact("cleanout-contact", "us")
	if err != nil {
		t.Fatalf("store contact: %v", err)
	}
	keyID, err := s.StoreOwnKeypair("priv-shared", "pub-shared")
	if err != nil {
		t.Fatalf("store own keypair: %v", err)
	}
	// two addresses share one key: cleaning one must keep the key alive
	if err := s.StoreOwnAddress("ADR-co-1", contactID, keyID); err != nil {
		t.Fatalf("store own address: %v", err)
	}
	if err := s.StoreOwnAddress("ADR-co-2", contactID, keyID); err != nil {
		t.Fatalf("store own address: %v", err)
	}

	id, err := s.StoreMessage(wire.NewUserMessage("ADR-co-1", sent(), "inbound sealed contents"))
	if err != nil {
		t.Fatalf("store message: %v", err)
	}

	received, err := s.ReceivedMessages()
	if err != nil {
		t.Fatalf("received messages: %v", err)
	}
	found := false
	for _, sm := range received {
		if sm.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatal("inbound message not listed as received")
	}

	if err := s.CleanOutReceivedMessage(id); err != nil {
		t.Fatalf("clean out: %v", err)
	}
	if _, _, ok, err := s.GetOwnAddressKey("ADR-co-1"); err != nil || ok {
		t.Fatalf("address still decryptable after clean out: ok=%v err=%v", ok, err)
	}
	// the key must survive: ADR-co-2 still references it
	if _, _, ok, err := s.GetOwnAddressKey("ADR-co-2"); err != nil || !ok {
		t.Fatalf("sibling address lost its key: ok=%v err=%v", ok, err)
	}

	// cleaning the same message again is a no-op
	if err := s.CleanOutReceivedMessage(id); err != nil {
		t.Fatalf("second clean out: %v", err)
	}

	// cleaning a message for the last address takes the key with it
	id2, err := s.StoreMessage(wire.NewUserMessage("ADR-co-2", sent(), "second inbound contents"))
	if err != nil {
		t.Fatalf("store message: %v", err)
	}
	if err := s.CleanOutReceivedMessage(id2); err != nil {
		t.Fatalf("clean out last address: %v", err)
	}
	if err := s.StoreOwnAddress("ADR-co-3", contactID, keyID); err == nil {
		// the key row must be gone; sqlite enforces this via the foreign key,
		// the memory store by lookup
		if _, _, ok, _ := s.GetOwnAddressKey("ADR-co-3"); ok {
			t.Fatal("orphaned key survived clean out")
		}
		s.RemoveOwnAddress("ADR-co-3")
	}
}

func testContacts(t *testing.T, s depeche.Store) {
	id, err := s.StoreContact("nick", "how-they-know-us")
	if err != nil {
		t.Fatalf("store contact: %v", err)
	}

	c, err := s.ReadContact(id)
	if err != nil || c == nil {
		t.Fatalf("read contact: %+v %v", c, err)
	}
	if c.Nickname != "nick" || c.Alias != "how-they-know-us" {
		t.Fatalf("contact mangled: %+v", c)
	}

	c, err = s.ReadContactFromNickname("nick")
	if err != nil || c == nil || c.ID != id {
		t.Fatalf("read by nickname: %+v %v", c, err)
	}
	if c, err := s.ReadContactFromNickname("nobody"); err != nil || c != nil {
		t.Fatalf("phantom contact: %+v %v", c, err)
	}

	all, err := s.Contacts()
	if err != nil {
		t.Fatalf("list contacts: %v", err)
	}
	found := false
	for _, c := range all {
		if c.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatal("contact missing from listing")
	}

	if err := s.RemoveContact(id); err != nil {
		t.Fatalf("remove contact: %v", err)
	}
	if c, err := s.ReadContact(id); err != nil || c != nil {
		t.Fatalf("contact survived removal: %+v %v", c, err)
	}
}
