package intercom

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		To:   "mallory",
		From: "alice-as-seen-by-mallory",
		Body: "hello there\nsecond line with åäö나이",
		PadRequest: &AddressPadRequest{
			RequestedSize: 20,
		},
		Pad: &AddressPad{
			Owner: "alice-as-seen-by-mallory",
			Mappings: []KeyMapping{
				{Key: "cafe01", Addresses: []string{"ADR-1", "ADR-2"}},
			},
		},
	}

	raw, err := env.Encode()
	require.NoError(t, err)

	got, err := ParseEnvelope(raw)
	require.NoError(t, err)

	require.Equal(t, env.To, got.To)
	require.Equal(t, env.From, got.From)
	require.Equal(t, env.Body, got.Body)
	require.NotNil(t, got.PadRequest)
	require.Equal(t, 20, got.PadRequest.RequestedSize)
	require.NotNil(t, got.Pad)
	require.Equal(t, env.Pad, got.Pad)
}

func TestEnvelopeBodyOnly(t *testing.T) {
	env := &Envelope{To: "bob", From: "carol", Body: "just text"}

	raw, err := env.Encode()
	require.NoError(t, err)

	got, err := ParseEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, "just text", got.Body)
	require.Nil(t, got.PadRequest)
	require.Nil(t, got.Pad)
}

func TestPadRequestValidation(t *testing.T) {
	_, err := DecodeAddressPadRequest([]byte(`{"type":"address_pad","requested_size":10}`))
	require.True(t, errors.Is(err, ErrMalformedPart), "got %v", err)

	_, err = DecodeAddressPadRequest([]byte(`{"type":"address_pad_request","requested_size":0}`))
	require.True(t, errors.Is(err, ErrMalformedPart), "got %v", err)

	req, err := DecodeAddressPadRequest([]byte(`{"type":"address_pad_request","requested_size":10}`))
	require.NoError(t, err)
	require.Equal(t, 10, req.RequestedSize)
}

func TestPadValidation(t *testing.T) {
	_, err := DecodeAddressPad([]byte(`{"type":"address_pad","owner":""}`))
	require.True(t, errors.Is(err, ErrMalformedPart), "got %v", err)

	pad, err := DecodeAddressPad([]byte(`{"type":"address_pad","owner":"zed","mappings":[{"key":"k","addresses":["ADR-9"]}]}`))
	require.NoError(t, err)
	require.Equal(t, "zed", pad.Owner)
	require.Len(t, pad.Mappings, 1)
	require.Equal(t, []string{"ADR-9"}, pad.Mappings[0].Addresses)
}
