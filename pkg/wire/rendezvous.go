package wire

import (
	"encoding/json"
	"fmt"
)

// RendezvousInfo is the payload exchanged under the shared secret during
// rendezvous: the alias the peer wants to be known by, an ordered pad of
// single-use addresses, and the hex public key bound to those addresses.
type RendezvousInfo struct {
	Alias      string
	AddressPad []string
	PublicKey  string
}

type rendezvousInfoJSON struct {
	Type       string   `json:"type"`
	Alias      string   `json:"alias"`
	AddressPad []string `json:"address_pad"`
	PublicKey  string   `json:"public_key"`
}

const kindRendezvousInfo = "rendezvous_info"

// Encode serializes the info for transport inside the encrypted rendezvous
// segment.
func (ri *RendezvousInfo) Encode() ([]byte, error) {
	return json.Marshal(rendezvousInfoJSON{
		Type:       kindRendezvousInfo,
		Alias:      ri.Alias,
		AddressPad: ri.AddressPad,
		PublicKey:  ri.PublicKey,
	})
}

// DecodeRendezvousInfo parses and validates a rendezvous info payload.
func DecodeRendezvousInfo(data []byte) (*RendezvousInfo, error) {
	var v rendezvousInfoJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if v.Type != kindRendezvousInfo {
		return nil, fmt.Errorf("%w: type %q", ErrMalformedPayload, v.Type)
	}
	if v.Alias == "" || v.AddressPad == nil || v.PublicKey == "" {
		return nil, fmt.Errorf("%w: incomplete rendezvous info", ErrMalformedPayload)
	}
	return &RendezvousInfo{
		Alias:      v.Alias,
		AddressPad: v.AddressPad,
		PublicKey:  v.PublicKey,
	}, nil
}
