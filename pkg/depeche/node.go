// Package depeche implements the node layer of the depeche protocol: the
// storage contract and the bookkeeping that turns rendezvous results and
// exchanged messages into addresses, keys, contacts, and readable mail.
package depeche

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/depeche-protocol/depeche/pkg/intercom"
	"github.com/depeche-protocol/depeche/pkg/seal"
	"github.com/depeche-protocol/depeche/pkg/wire"
)

const (
	// DefaultPadSize is how many addresses a fresh pad carries.
	DefaultPadSize = 10

	// DefaultForwardCap bounds how many times one message is gossiped on.
	DefaultForwardCap = 3
)

// ErrNoAddresses is returned when a contact has no unused addresses left to
// send to.
var ErrNoAddresses = errors.New("depeche: no unused addresses for contact")

// NewAddress mints a fresh single-use destination address.
func NewAddress() string {
	return "ADR-" + uuid.NewString()
}

// ProduceRendezvousInfo generates the keypair and address pad offered to a
// peer during one rendezvous attempt. The keypair is persisted immediately;
// the addresses are persisted by SaveRendezvousInfo only once the rendezvous
// succeeds and a contact exists to bind them to.
func ProduceRendezvousInfo(s Store, provider seal.Provider, alias string, padSize int) (keyID string, info *wire.RendezvousInfo, err error) {
	if padSize <= 0 {
		padSize = DefaultPadSize
	}

	priv, pub, err := provider.GenerateKeypair()
	if err != nil {
		return "", nil, err
	}
	keyID, err = s.StoreOwnKeypair(priv, pub)
	if err != nil {
		return "", nil, err
	}

	pad := make([]string, padSize)
	for i := range pad {
		pad[i] = NewAddress()
	}

	return keyID, &wire.RendezvousInfo{Alias: alias, AddressPad: pad, PublicKey: pub}, nil
}

// SaveRendezvousInfo persists the outcome of a successful rendezvous: the
// peer as a new contact, their key and addresses for sending, and our own
// offered addresses for receiving. keyID is the key ProduceRendezvousInfo
// bound to our pad.
func SaveRendezvousInfo(s Store, keyID string, own, peer *wire.RendezvousInfo) (contactID string, err error) {
	contactID, err = s.StoreContact(peer.Alias, own.Alias)
	if err != nil {
		return "", err
	}

	peerKeyID, err := s.StoreContactKey(peer.PublicKey)
	if err != nil {
		return "", err
	}
	for _, adr := range peer.AddressPad {
		if err := s.StoreContactAddress(contactID, adr, peerKeyID); err != nil {
			return "", err
		}
	}

	for _, adr := range own.AddressPad {
		if err := s.StoreOwnAddress(adr, contactID, keyID); err != nil {
			return "", err
		}
	}
	return contactID, nil
}

// EnqueueUserMessage seals a text message to the contact's next unused
// address and stores it for forwarding. requestPad attaches a request for
// fresh addresses; attachPad generates and attaches a pad of our own.
func EnqueueUserMessage(s Store, provider seal.Provider, to *Contact, body string, requestPad, attachPad bool) error {
	pad, err := s.AddressPadFor(to.ID, 1)
	if err != nil {
		return err
	}
	if len(pad) == 0 {
		return fmt.Errorf("%w: %s", ErrNoAddresses, to.Nickname)
	}
	dest := pad[0]

	env := &intercom.Envelope{
		To:   to.Nickname, // the name we gave them
		From: to.Alias,    // the name they know us by
		Body: body,
	}
	if requestPad {
		env.PadRequest = &intercom.AddressPadRequest{RequestedSize: 2 * DefaultPadSize}
	}
	if attachPad {
		pad, err := GenerateOwnAddressPad(s, provider, to, DefaultPadSize)
		if err != nil {
			return err
		}
		env.Pad = pad
	}

	plain, err := env.Encode()
	if err != nil {
		return err
	}
	sealed, err := provider.Seal(plain, dest.PublicKey)
	if err != nil {
		return err
	}

	if _, err := s.StoreMessage(wire.NewUserMessage(dest.Address, time.Now().UTC(), sealed)); err != nil {
		return err
	}
	// never reuse an address, even our own sends burn them
	return s.MarkContactAddressUsed(dest.Address)
}

// GenerateOwnAddressPad mints a fresh key and a batch of own addresses bound
// to the contact, persists them, and returns the pad in its transport form.
func GenerateOwnAddressPad(s Store, provider seal.Provider, to *Contact, size int) (*intercom.AddressPad, error) {
	if size <= 0 {
		size = DefaultPadSize
	}

	priv, pub, err := provider.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	keyID, err := s.StoreOwnKeypair(priv, pub)
	if err != nil {
		return nil, err
	}

	addresses := make([]string, size)
	for i := range addresses {
		addresses[i] = NewAddress()
		if err := s.StoreOwnAddress(addresses[i], to.ID, keyID); err != nil {
			return nil, err
		}
	}

	return &intercom.AddressPad{
		Owner:    to.Alias, // the name the contact knows us by
		Mappings: []intercom.KeyMapping{{Key: pub, Addresses: addresses}},
	}, nil
}

// ParseMessage decrypts a received message with the key of the address it was
// delivered to and unpacks the envelope. It returns nil when we hold no key
// for the address: either the message is not ours or it was cleaned out.
func ParseMessage(s Store, provider seal.Provider, m *StoredMessage) (*intercom.Envelope, error) {
	_, priv, ok, err := s.GetOwnAddressKey(m.HeaderAddress)
	if err != nil {
		return nil, err
	}
	if !ok || priv == "" {
		return nil, nil
	}

	plain, err := provider.Open(m.Contents, priv)
	if err != nil {
		return nil, err
	}
	return intercom.ParseEnvelope(plain)
}

// ImportAddressPad stores the keys and addresses of a received pad under the
// contact going by the pad's owner nickname, creating the contact if it is
// unknown.
func ImportAddressPad(s Store, pad *intercom.AddressPad, ownAlias string) error {
	contact, err := s.ReadContactFromNickname(pad.Owner)
	if err != nil {
		return err
	}

	var contactID string
	if contact == nil {
		if contactID, err = s.StoreContact(pad.Owner, ownAlias); err != nil {
			return err
		}
	} else {
		contactID = contact.ID
	}

	for _, mapping := range pad.Mappings {
		keyID, err := s.StoreContactKey(mapping.Key)
		if err != nil {
			return err
		}
		for _, adr := range mapping.Addresses {
			if err := s.StoreContactAddress(contactID, adr, keyID); err != nil {
				return err
			}
		}
	}
	return nil
}
