// Package protocol encodes and decodes the two wire formats used on the
// upstream streaming channels.
//
// A channel's format is fixed by channel identity: equities (and the
// canary test stream) speak a UTF-8 JSON envelope, options speak a
// msgpack binary envelope. The codec never infers the format from
// message content and never falls back across formats.
package protocol

import (
	"fmt"
	"time"
)

// Channel identifies one upstream streaming channel.
type Channel string

const (
	ChannelEquities Channel = "equities"
	ChannelOptions  Channel = "options"
	ChannelTest     Channel = "test" // canary stream, same format as equities
)

// Binary reports whether the channel's wire format is msgpack-framed.
func (c Channel) Binary() bool {
	return c == ChannelOptions
}

// Kind classifies a decoded frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthAck
	KindSubscribeAck
	KindQuote
	KindTrade
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindAuthAck:
		return "auth_ack"
	case KindSubscribeAck:
		return "subscribe_ack"
	case KindQuote:
		return "quote"
	case KindTrade:
		return "trade"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Quote is a normalized top-of-book update.
type Quote struct {
	Symbol    string
	BidPrice  float64
	BidSize   int64
	AskPrice  float64
	AskSize   int64
	Timestamp time.Time
}

// Trade is a normalized trade print.
type Trade struct {
	Symbol    string
	Price     float64
	Size      int64
	Timestamp time.Time
}

// ErrorFrame carries an upstream error indicator.
type ErrorFrame struct {
	Code    int
	Message string
}

// SubscribeAck reports the upstream's view of the channel's
// subscriptions after a subscribe/unsubscribe command.
type SubscribeAck struct {
	Quotes []string
	Trades []string
}

// Message is one decoded upstream message.
type Message struct {
	Kind    Kind
	Channel Channel

	Quote *Quote
	Trade *Trade
	Error *ErrorFrame
	Sub   *SubscribeAck
}

// DecodeError is a per-frame, non-fatal decode failure. It is logged and
// the frame dropped; it never terminates a read loop.
type DecodeError struct {
	Channel Channel
	Cause   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame on %s channel: %v", e.Channel, e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}
