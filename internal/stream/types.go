package stream

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"brokergate/internal/protocol"
)

// Errors
var (
	ErrSelfTestFailed = errors.New("startup self-test failed")
	ErrFatalAuth      = errors.New("fatal auth error")
	ErrNotStarted     = errors.New("gateway not started")
	ErrClosed         = errors.New("gateway closed")
	ErrUnknownKind    = errors.New("unknown data kind")
)

// State is one position in a channel's lifecycle state machine.
type State int32

const (
	StateDisconnected State = iota
	StateSelfTesting
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateStreaming
	StateDegraded
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSelfTesting:
		return "self_testing"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DataKind is the (data class, message type) pair a subscriber asks for.
type DataKind int

const (
	EquityQuotes DataKind = iota
	EquityTrades
	OptionQuotes
	OptionTrades
)

func (k DataKind) String() string {
	switch k {
	case EquityQuotes:
		return "equity_quotes"
	case EquityTrades:
		return "equity_trades"
	case OptionQuotes:
		return "option_quotes"
	case OptionTrades:
		return "option_trades"
	default:
		return "unknown"
	}
}

// channel maps the kind onto its upstream channel.
func (k DataKind) channel() protocol.Channel {
	switch k {
	case OptionQuotes, OptionTrades:
		return protocol.ChannelOptions
	default:
		return protocol.ChannelEquities
	}
}

// wantsQuotes reports whether the kind selects quote messages (as opposed
// to trade prints).
func (k DataKind) wantsQuotes() bool {
	return k == EquityQuotes || k == OptionQuotes
}

func (k DataKind) valid() bool {
	switch k {
	case EquityQuotes, EquityTrades, OptionQuotes, OptionTrades:
		return true
	}
	return false
}

// Event is one normalized market-data message delivered to a subscriber.
// Exactly one of Quote and Trade is set.
type Event struct {
	Channel    protocol.Channel
	Quote      *protocol.Quote
	Trade      *protocol.Trade
	ReceivedAt time.Time
}

// Subscription is a local consumer's handle on a (symbol, kind) interest.
// Events arrive on Events() in upstream order; a slow consumer loses the
// oldest queued events, never blocks the upstream read loop.
type Subscription struct {
	ID     uuid.UUID
	Symbol string
	Kind   DataKind

	events chan Event
}

// Events returns the subscriber's event channel. It is closed on
// Unsubscribe and on gateway shutdown.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// ChannelStatus is a read-only snapshot of one channel for the status
// surface.
type ChannelStatus struct {
	Channel       protocol.Channel `json:"channel"`
	State         string           `json:"state"`
	Halted        bool             `json:"halted"`
	LastMessageAt time.Time        `json:"last_message_at"`
	Symbols       int              `json:"symbols"`
	Subscribers   int              `json:"subscribers"`
	Reconnects    uint64           `json:"reconnects"`
}
