// Package wire defines the JSON line format exchanged between depeche nodes:
// the tagged message union carried during message exchange and the rendezvous
// info payload.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message kind discriminators as they appear in the type field on the wire.
const (
	KindUserMessage = "user_message"
	KindStopSending = "stop_sending"
	KindNoMoreData  = "no_more_data"
)

// TimeLayout is the line format for datetime fields: ISO-8601 with microsecond
// precision and no zone designator.
const TimeLayout = "2006-01-02T15:04:05.000000"

var (
	ErrUnknownMessageKind = errors.New("wire: unknown message kind")
	ErrMalformedPayload   = errors.New("wire: malformed payload")
)

// Message is one member of the exchange message union. The exchange ref is an
// opaque correlation id assigned when the message is constructed.
type Message interface {
	Kind() string
	Ref() string
}

// UserMessage carries opaque ciphertext addressed to a single-use address.
type UserMessage struct {
	ExchangeRef string
	ToAddress   string
	SendTime    time.Time
	Contents    string
}

// NewUserMessage constructs a user message with a fresh exchange ref.
func NewUserMessage(toAddress string, sendTime time.Time, contents string) UserMessage {
	return UserMessage{
		ExchangeRef: uuid.NewString(),
		ToAddress:   toAddress,
		SendTime:    sendTime,
		Contents:    contents,
	}
}

func (m UserMessage) Kind() string { return KindUserMessage }
func (m UserMessage) Ref() string  { return m.ExchangeRef }

// StopSending tells the peer we will not read any more of its data.
type StopSending struct {
	ExchangeRef string
}

func NewStopSending() StopSending { return StopSending{ExchangeRef: uuid.NewString()} }

func (m StopSending) Kind() string { return KindStopSending }
func (m StopSending) Ref() string  { return m.ExchangeRef }

// NoMoreData tells the peer we have nothing more to send.
type NoMoreData struct {
	ExchangeRef string
}

func NewNoMoreData() NoMoreData { return NoMoreData{ExchangeRef: uuid.NewString()} }

func (m NoMoreData) Kind() string { return KindNoMoreData }
func (m NoMoreData) Ref() string  { return m.ExchangeRef }

// envelope is the union of all message fields as serialized on the wire.
type envelope struct {
	Type        string `json:"type"`
	ExchangeRef string `json:"exchange_ref"`
	ToAddress   string `json:"to_address,omitempty"`
	SendTime    string `json:"send_time,omitempty"`
	Contents    string `json:"contents,omitempty"`
}

func toEnvelope(m Message) (envelope, error) {
	switch v := m.(type) {
	case UserMessage:
		return envelope{
			Type:        KindUserMessage,
			ExchangeRef: v.ExchangeRef,
			ToAddress:   v.ToAddress,
			SendTime:    v.SendTime.Format(TimeLayout),
			Contents:    v.Contents,
		}, nil
	case StopSending:
		return envelope{Type: KindStopSending, ExchangeRef: v.ExchangeRef}, nil
	case NoMoreData:
		return envelope{Type: KindNoMoreData, ExchangeRef: v.ExchangeRef}, nil
	default:
		return envelope{}, fmt.Errorf("%w: %T", ErrUnknownMessageKind, m)
	}
}

func fromEnvelope(e envelope) (Message, error) {
	switch e.Type {
	case KindUserMessage:
		ts, err := time.Parse(TimeLayout, e.SendTime)
		if err != nil {
			return nil, fmt.Errorf("%w: send_time %q: %v", ErrMalformedPayload, e.SendTime, err)
		}
		return UserMessage{
			ExchangeRef: e.ExchangeRef,
			ToAddress:   e.ToAddress,
			SendTime:    ts,
			Contents:    e.Contents,
		}, nil
	case KindStopSending:
		return StopSending{ExchangeRef: e.ExchangeRef}, nil
	case KindNoMoreData:
		return NoMoreData{ExchangeRef: e.ExchangeRef}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageKind, e.Type)
	}
}

// EncodeContainer serializes a batch of messages as a JSON array of message
// objects. The container is a bandwidth-amortization unit; ordering within it
// carries no meaning.
func EncodeContainer(msgs []Message) ([]byte, error) {
	es := make([]envelope, 0, len(msgs))
	for _, m := range msgs {
		e, err := toEnvelope(m)
		if err != nil {
			return nil, err
		}
		es = append(es, e)
	}
	return json.Marshal(es)
}

// DecodeContainer parses a JSON array of message objects, dispatching on the
// type discriminator.
func DecodeContainer(data []byte) ([]Message, error) {
	var es []envelope
	if err := json.Unmarshal(data, &es); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	msgs := make([]Message, 0, len(es))
	for _, e := range es {
		m, err := fromEnvelope(e)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
