package wire

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestContainerRoundTrip(t *testing.T) {
	sent := time.Date(2024, 5, 17, 9, 30, 12, 123456000, time.UTC)

	msgs := []Message{
		NewUserMessage("ADR-1d9c9c7e-8cf4-4a34-9a89-f54d9bd42790", sent, "Y2lwaGVydGV4dA=="),
		NewNoMoreData(),
		NewStopSending(),
	}

	data, err := EncodeContainer(msgs)
	require.NoError(t, err)

	got, err := DecodeContainer(data)
	require.NoError(t, err)
	require.Len(t, got, 3)

	um, ok := got[0].(UserMessage)
	require.True(t, ok)
	require.Equal(t, msgs[0].(UserMessage), um)
	require.True(t, um.SendTime.Equal(sent))

	require.IsType(t, NoMoreData{}, got[1])
	require.IsType(t, StopSending{}, got[2])
	for i, m := range got {
		require.Equal(t, msgs[i].Ref(), m.Ref())
		require.NotEmpty(t, m.Ref())
	}
}

func TestContainerIsPlainArray(t *testing.T) {
	// a container must be a JSON array of objects, not double-encoded strings
	data, err := EncodeContainer([]Message{NewNoMoreData()})
	require.NoError(t, err)

	var arr []map[string]any
	require.NoError(t, json.Unmarshal(data, &arr))
	require.Len(t, arr, 1)
	require.Equal(t, "no_more_data", arr[0]["type"])
	require.NotEmpty(t, arr[0]["exchange_ref"])
}

func TestSendTimeFormat(t *testing.T) {
	sent := time.Date(2024, 5, 17, 9, 30, 12, 120000000, time.UTC)
	data, err := EncodeContainer([]Message{NewUserMessage("ADR-x", sent, "c")})
	require.NoError(t, err)

	var arr []map[string]any
	require.NoError(t, json.Unmarshal(data, &arr))
	// microsecond precision, digits always present
	require.Equal(t, "2024-05-17T09:30:12.120000", arr[0]["send_time"])
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := DecodeContainer([]byte(`[{"type":"voice_request","exchange_ref":"r"}]`))
	require.True(t, errors.Is(err, ErrUnknownMessageKind), "got %v", err)
}

func TestDecodeMalformed(t *testing.T) {
	for _, bad := range []string{
		`{"type":"no_more_data"}`, // not an array
		`[{"type":"user_message","exchange_ref":"r","send_time":"yesterday"}]`,
		`garbage`,
	} {
		_, err := DecodeContainer([]byte(bad))
		require.Error(t, err, "input %q", bad)
	}
}

func TestRendezvousInfoRoundTrip(t *testing.T) {
	ri := &RendezvousInfo{
		Alias:      "beta",
		AddressPad: []string{"ADR-a", "ADR-b"},
		PublicKey:  "ab12",
	}

	data, err := ri.Encode()
	require.NoError(t, err)

	got, err := DecodeRendezvousInfo(data)
	require.NoError(t, err)
	require.Equal(t, ri, got)
}

func TestRendezvousInfoValidation(t *testing.T) {
	for _, bad := range []string{
		`{"type":"rendezvous_info","alias":"","address_pad":["a"],"public_key":"k"}`,
		`{"type":"rendezvous_info","alias":"x","public_key":"k"}`,
		`{"type":"user_message","alias":"x","address_pad":["a"],"public_key":"k"}`,
		`nope`,
	} {
		_, err := DecodeRendezvousInfo([]byte(bad))
		require.True(t, errors.Is(err, ErrMalformedPayload), "input %q: got %v", bad, err)
	}
}
