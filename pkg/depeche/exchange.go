package depeche

import (
	"github.com/rs/zerolog"

	"github.com/depeche-protocol/depeche/pkg/wire"
)

// ExchangeHandler adapts the store to the exchange engine's callbacks: it
// supplies the messages worth forwarding and files away whatever the peer
// hands us. One handler serves any number of connections.
type ExchangeHandler struct {
	log        zerolog.Logger
	store      Store
	forwardCap int

	// OnCompleted, if set, is invoked after each finished exchange so a UI
	// can refresh. It may fire on any worker goroutine.
	OnCompleted func()
}

func NewExchangeHandler(log zerolog.Logger, store Store, forwardCap int) *ExchangeHandler {
	if forwardCap <= 0 {
		forwardCap = DefaultForwardCap
	}
	return &ExchangeHandler{log: log, store: store, forwardCap: forwardCap}
}

// GetMessagesToSend returns the stored messages still under the forward cap,
// in line form. Each offered message has its forward count bumped once per
// connection; this is deliberate gossip dampening so a message stops
// travelling after a few hops.
func (h *ExchangeHandler) GetMessagesToSend() []wire.UserMessage {
	stored, err := h.store.MessagesToForward(h.forwardCap)
	if err != nil {
		h.log.Err(err).Msg("could not load messages to forward")
		return nil
	}

	out := make([]wire.UserMessage, 0, len(stored))
	for i := range stored {
		out = append(out, stored[i].UserMessage())
		if err := h.store.MarkMessageForwarded(stored[i].ID); err != nil {
			h.log.Err(err).Str("id", stored[i].ID).Msg("could not bump forward count")
		}
	}
	return out
}

// OnMessageReceived stores an incoming message. Replays collapse onto the
// same row via the content hash. An address of ours that a message arrives
// on is retired immediately.
func (h *ExchangeHandler) OnMessageReceived(m wire.UserMessage) {
	id, err := h.store.StoreMessage(m)
	if err != nil {
		h.log.Err(err).Msg("could not store received message")
		return
	}
	h.log.Info().Str("id", id).Msg("message stored")

	if _, _, ok, err := h.store.GetOwnAddressKey(m.ToAddress); err != nil {
		h.log.Err(err).Msg("could not check message address")
	} else if ok {
		if err := h.store.MarkOwnAddressUsed(m.ToAddress); err != nil {
			h.log.Err(err).Str("address", m.ToAddress).Msg("could not retire own address")
		}
	}
}

// OnExchangeCompleted forwards the completion signal.
func (h *ExchangeHandler) OnExchangeCompleted() {
	if h.OnCompleted != nil {
		h.OnCompleted()
	}
}
