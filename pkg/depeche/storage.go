package depeche

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/depeche-protocol/depeche/pkg/wire"
)

var (
	// ErrKeyInUse is returned by RemoveOwnKey while any address still
	// references the key. Designed call sites swallow it.
	ErrKeyInUse = errors.New("depeche: key still referenced by an address")
)

// Contact is a known peer: the nickname we gave them and the alias they know
// us by.
type Contact struct {
	ID        string
	Nickname  string
	Alias     string
	CreatedAt time.Time
}

// Address is one entry of an address pad: a single-use destination string
// with the key that encrypts messages sent to it. The key id is internal to
// this node and must never leave it.
type Address struct {
	Address   string
	KeyID     string
	PublicKey string
}

// StoredMessage is the persistent superset of a wire user message: the
// opaque contents plus gossip metadata.
type StoredMessage struct {
	ID            string
	ReceivedAt    time.Time
	LastSeenAt    time.Time
	ForwardCount  int
	HeaderAddress string
	HeaderSentAt  time.Time
	Contents      string
}

// UserMessage converts a stored message back to its line form for exchange
// with a foreign node.
func (m *StoredMessage) UserMessage() wire.UserMessage {
	return wire.NewUserMessage(m.HeaderAddress, m.HeaderSentAt, m.Contents)
}

// MessageID is the content-addressed message id: hex SHA-256 of the opaque
// contents. Replays of the same ciphertext always map to the same id.
func MessageID(contents string) string {
	sum := sha256.Sum256([]byte(contents))
	return hex.EncodeToString(sum[:])
}

// Store is the source of truth for addresses, keys, contacts, and stored
// messages. Implementations must be safe for use from multiple goroutines;
// individual operations are atomic but no cross-operation transaction
// semantics are promised.
type Store interface {
	// StoreOwnKeypair persists a keypair generated by this node and returns
	// its internal key id.
	StoreOwnKeypair(privateKey, publicKey string) (keyID string, err error)

	// LeastUsedOwnKey picks the own key with the fewest address references,
	// to throttle key reuse. ok is false when no own key exists.
	LeastUsedOwnKey() (keyID, publicKey string, ok bool, err error)

	// RemoveOwnKey deletes an own key. Fails with ErrKeyInUse while any
	// address still references it.
	RemoveOwnKey(keyID string) error

	// StoreContactKey persists the public key of a foreign node.
	StoreContactKey(publicKey string) (keyID string, err error)

	// StoreOwnAddress registers an address we have handed to a contact,
	// bound to the key a peer must use for it. New addresses are unused.
	StoreOwnAddress(address, contactID, keyID string) error

	// MarkOwnAddressUsed records that a message addressed to it arrived.
	MarkOwnAddressUsed(address string) error

	// RemoveOwnAddress deletes an own address outright.
	RemoveOwnAddress(address string) error

	// GetOwnAddressKey returns the key id and private key registered for an
	// own address. ok is false if the address is not ours.
	GetOwnAddressKey(address string) (keyID, privateKey string, ok bool, err error)

	// IsOwnUnusedAddress reports whether this node generated the address and
	// no message has been received on it yet.
	IsOwnUnusedAddress(address string) (bool, error)

	// StoreContactAddress persists an address of a foreign node. Replaces
	// any previous binding of the same address.
	StoreContactAddress(contactID, address, keyID string) error

	// MarkContactAddressUsed retires a contact address after sending to it.
	MarkContactAddressUsed(address string) error

	// AddressPadFor returns at most size unused addresses pointing at the
	// contact, each carrying its public key. size <= 0 means all.
	AddressPadFor(contactID string, size int) ([]Address, error)

	// UnusedAddressCount counts unused addresses pointing at the contact.
	UnusedAddressCount(contactID string) (int, error)

	// StoreMessage persists a message for forwarding. Idempotent on the
	// content hash: a replay refreshes last-seen and returns the same id.
	StoreMessage(m wire.UserMessage) (id string, err error)

	// ReadMessage returns a message by id, or nil if absent.
	ReadMessage(id string) (*StoredMessage, error)

	// RemoveMessage deletes a message by id.
	RemoveMessage(id string) error

	// MessagesToForward returns messages forwarded fewer than forwardCap
	// times.
	MessagesToForward(forwardCap int) ([]StoredMessage, error)

	// MarkMessageForwarded bumps a message's forward count.
	MarkMessageForwarded(id string) error

	// ReceivedMessages returns messages whose destination is an own address
	// that was assigned to a contact, newest first.
	ReceivedMessages() ([]StoredMessage, error)

	// CleanOutReceivedMessage removes the own address a received message was
	// delivered to, and its key if now orphaned, so that replays of the same
	// ciphertext can no longer be decrypted. Cleaning an already-cleaned
	// message is a no-op.
	CleanOutReceivedMessage(id string) error

	// StoreContact persists a contact and returns its id.
	StoreContact(nickname, alias string) (contactID string, err error)

	// ReadContact returns a contact by id, or nil if absent.
	ReadContact(contactID string) (*Contact, error)

	// ReadContactFromNickname returns a contact by nickname, or nil.
	ReadContactFromNickname(nickname string) (*Contact, error)

	// Contacts returns all known contacts.
	Contacts() ([]Contact, error)

	// RemoveContact deletes a contact by id.
	RemoveContact(contactID string) error

	Close() error
}
