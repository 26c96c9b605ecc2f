// Package memstore implements in-memory storage for a depeche node. It backs
// tests and ephemeral nodes that should leave no trace on disk.
package memstore

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/depeche-protocol/depeche/pkg/depeche"
	"github.com/depeche-protocol/depeche/pkg/wire"
)

type keyRec struct {
	id         string
	own        bool
	privateKey string
	publicKey  string
}

type addrRec struct {
	address   string
	contactID string
	keyID     string
	used      bool
	seq       int
}

type msgRec struct {
	depeche.StoredMessage
	seq int
}

// Store keeps all node state in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	keys     map[string]keyRec
	own      map[string]addrRec // own addresses by address string
	foreign  map[string]addrRec // contact addresses by address string
	messages map[string]msgRec
	contacts map[string]depeche.Contact

	seq int
}

var _ depeche.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		keys:     make(map[string]keyRec),
		own:      make(map[string]addrRec),
		foreign:  make(map[string]addrRec),
		messages: make(map[string]msgRec),
		contacts: make(map[string]depeche.Contact),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) StoreOwnKeypair(privateKey, publicKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.keys[id] = keyRec{id: id, own: true, privateKey: privateKey, publicKey: publicKey}
	return id, nil
}

func (s *Store) StoreContactKey(publicKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.keys[id] = keyRec{id: id, publicKey: publicKey}
	return id, nil
}

func (s *Store) LeastUsedOwnKey() (string, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage := make(map[string]int)
	for _, a := range s.own {
		usage[a.keyID]++
	}

	var bestID, bestPub string
	bestUsage, found := 0, false
	for id, k := range s.keys {
		if !k.own {
			continue
		}
		if !found || usage[id] < bestUsage {
			bestID, bestPub, bestUsage, found = id, k.publicKey, usage[id], true
		}
	}
	if !found {
		return "", "", false, nil
	}
	return bestID, bestPub, true, nil
}

func (s *Store) RemoveOwnKey(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok || !k.own {
		return nil
	}
	for _, a := range s.own {
		if a.keyID == keyID {
			return depeche.ErrKeyInUse
		}
	}
	delete(s.keys, keyID)
	return nil
}

func (s *Store) StoreOwnAddress(address, contactID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.own[address] = addrRec{address: address, contactID: contactID, keyID: keyID, seq: s.seq}
	return nil
}

func (s *Store) MarkOwnAddressUsed(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.own[address]; ok {
		a.used = true
		s.own[address] = a
	}
	return nil
}

func (s *Store) RemoveOwnAddress(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.own, address)
	return nil
}

func (s *Store) GetOwnAddressKey(address string) (string, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.own[address]
	if !ok {
		return "", "", false, nil
	}
	k, ok := s.keys[a.keyID]
	if !ok || !k.own {
		return "", "", false, nil
	}
	return k.id, k.privateKey, true, nil
}

func (s *Store) IsOwnUnusedAddress(address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.own[address]
	return ok && !a.used, nil
}

func (s *Store) StoreContactAddress(contactID, address, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.foreign[address] = addrRec{address: address, contactID: contactID, keyID: keyID, seq: s.seq}
	return nil
}

func (s *Store) MarkContactAddressUsed(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.foreign[address]; ok {
		a.used = true
		s.foreign[address] = a
	}
	return nil
}

func (s *Store) AddressPadFor(contactID string, size int) ([]depeche.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []addrRec
	for _, a := range s.foreign {
		if a.contactID == contactID && !a.used {
			recs = append(recs, a)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	if size > 0 && len(recs) > size {
		recs = recs[:size]
	}

	pad := make([]depeche.Address, 0, len(recs))
	for _, a := range recs {
		pad = append(pad, depeche.Address{
			Address:   a.address,
			KeyID:     a.keyID,
			PublicKey: s.keys[a.keyID].publicKey,
		})
	}
	return pad, nil
}

func (s *Store) UnusedAddressCount(contactID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.foreign {
		if a.contactID == contactID && !a.used {
			n++
		}
	}
	return n, nil
}

func (s *Store) StoreMessage(m wire.UserMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := depeche.MessageID(m.Contents)
	now := time.Now().UTC()
	if rec, ok := s.messages[id]; ok {
		rec.LastSeenAt = now
		s.messages[id] = rec
		return id, nil
	}
	s.seq++
	s.messages[id] = msgRec{
		StoredMessage: depeche.StoredMessage{
			ID:            id,
			ReceivedAt:    now,
			LastSeenAt:    now,
			HeaderAddress: m.ToAddress,
			HeaderSentAt:  m.SendTime,
			Contents:      m.Contents,
		},
		seq: s.seq,
	}
	return id, nil
}

func (s *Store) ReadMessage(id string) (*depeche.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	m := rec.StoredMessage
	return &m, nil
}

func (s *Store) RemoveMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

func (s *Store) MessagesToForward(forwardCap int) ([]depeche.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []msgRec
	for _, rec := range s.messages {
		if rec.ForwardCount < forwardCap {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	out := make([]depeche.StoredMessage, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.StoredMessage)
	}
	return out, nil
}

func (s *Store) MarkMessageForwarded(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.messages[id]; ok {
		rec.ForwardCount++
		s.messages[id] = rec
	}
	return nil
}

func (s *Store) ReceivedMessages() ([]depeche.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []msgRec
	for _, rec := range s.messages {
		if a, ok := s.own[rec.HeaderAddress]; ok && a.contactID != "" {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })

	out := make([]depeche.StoredMessage, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.StoredMessage)
	}
	return out, nil
}

func (s *Store) CleanOutReceivedMessage(id string) error {
	msg, err := s.ReadMessage(id)
	if err != nil || msg == nil {
		return err
	}
	keyID, _, ok, err := s.GetOwnAddressKey(msg.HeaderAddress)
	if err != nil || !ok {
		return err
	}
	if err := s.RemoveOwnAddress(msg.HeaderAddress); err != nil {
		return err
	}
	if err := s.RemoveOwnKey(keyID); err != nil && err != depeche.ErrKeyInUse {
		return err
	}
	return nil
}

func (s *Store) StoreContact(nickname, alias string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := uuid.NewString()
	s.contacts[id] = depeche.Contact{ID: id, Nickname: nickname, Alias: alias, CreatedAt: time.Now().UTC()}
	return id, nil
}

func (s *Store) ReadContact(contactID string) (*depeche.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *Store) ReadContactFromNickname(nickname string) (*depeche.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.contacts {
		if c := s.contacts[id]; c.Nickname == nickname {
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Store) Contacts() ([]depeche.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]depeche.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RemoveContact(contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contacts, contactID)
	return nil
}
