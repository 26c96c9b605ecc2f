// Package intercom implements the node-to-node payload convention carried
// inside sealed user message contents: a MIME multipart envelope holding the
// plaintext body plus optional address-pad requests and address pads.
//
// The protocol engine is transparent to this format; it only ever sees the
// sealed ciphertext. Only the node layer builds and parses envelopes.
package intercom

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Content-Description values tagging the protocol parts of an envelope.
const (
	DescriptionAddressPadRequest = "depeche/address_pad_request"
	DescriptionAddressPad        = "depeche/address_pad"
)

var ErrMalformedPart = errors.New("intercom: malformed protocol part")

// AddressPadRequest asks a contact for a fresh pad of addresses. The peer may
// honour any size it likes; the requested size is a suggestion.
type AddressPadRequest struct {
	RequestedSize int
}

type addressPadRequestJSON struct {
	Type          string `json:"type"`
	RequestedSize int    `json:"requested_size"`
}

func (r *AddressPadRequest) Encode() ([]byte, error) {
	return json.Marshal(addressPadRequestJSON{
		Type:          "address_pad_request",
		RequestedSize: r.RequestedSize,
	})
}

func DecodeAddressPadRequest(data []byte) (*AddressPadRequest, error) {
	var v addressPadRequestJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPart, err)
	}
	if v.Type != "address_pad_request" || v.RequestedSize <= 0 {
		return nil, fmt.Errorf("%w: not an address pad request", ErrMalformedPart)
	}
	return &AddressPadRequest{RequestedSize: v.RequestedSize}, nil
}

// KeyMapping binds one public key to the addresses it decrypts for. Multiple
// addresses per key are possible but key reuse is discouraged.
type KeyMapping struct {
	Key       string   `json:"key"`
	Addresses []string `json:"addresses"`
}

// AddressPad transports a batch of single-use addresses from the node
// operator known by Owner. A common use is introducing a third party by
// forwarding some of their addresses.
type AddressPad struct {
	Owner    string
	Mappings []KeyMapping
}

type addressPadJSON struct {
	Type     string       `json:"type"`
	Owner    string       `json:"owner"`
	Mappings []KeyMapping `json:"mappings"`
}

func (p *AddressPad) Encode() ([]byte, error) {
	return json.Marshal(addressPadJSON{
		Type:     "address_pad",
		Owner:    p.Owner,
		Mappings: p.Mappings,
	})
}

func DecodeAddressPad(data []byte) (*AddressPad, error) {
	var v addressPadJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPart, err)
	}
	if v.Type != "address_pad" || v.Owner == "" {
		return nil, fmt.Errorf("%w: not an address pad", ErrMalformedPart)
	}
	return &AddressPad{Owner: v.Owner, Mappings: v.Mappings}, nil
}
