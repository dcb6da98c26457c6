package protocol

import (
	"bytes"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

// wireMessage is the upstream envelope, shared by both wire formats. The
// "T" field is the message-type discriminator.
type wireMessage struct {
	T    string `json:"T" msgpack:"T"`
	Msg  string `json:"msg,omitempty" msgpack:"msg,omitempty"`
	Code int    `json:"code,omitempty" msgpack:"code,omitempty"`

	// subscription ack
	Quotes []string `json:"quotes,omitempty" msgpack:"quotes,omitempty"`
	Trades []string `json:"trades,omitempty" msgpack:"trades,omitempty"`

	// quote / trade payload
	Symbol    string    `json:"S,omitempty" msgpack:"S,omitempty"`
	BidPrice  float64   `json:"bp,omitempty" msgpack:"bp,omitempty"`
	BidSize   int64     `json:"bs,omitempty" msgpack:"bs,omitempty"`
	AskPrice  float64   `json:"ap,omitempty" msgpack:"ap,omitempty"`
	AskSize   int64     `json:"as,omitempty" msgpack:"as,omitempty"`
	Price     float64   `json:"p,omitempty" msgpack:"p,omitempty"`
	Size      int64     `json:"s,omitempty" msgpack:"s,omitempty"`
	Timestamp time.Time `json:"t,omitempty" msgpack:"t,omitempty"`
}

func (w wireMessage) kind() Kind {
	switch w.T {
	case "q":
		return KindQuote
	case "t":
		return KindTrade
	case "error":
		return KindError
	case "subscription":
		return KindSubscribeAck
	case "success":
		if w.Msg == "authenticated" {
			return KindAuthAck
		}
		// "connected" handshake frames carry no information the state
		// machine acts on.
		return KindUnknown
	default:
		return KindUnknown
	}
}

func (w wireMessage) toMessage(ch Channel) Message {
	msg := Message{Kind: w.kind(), Channel: ch}
	switch msg.Kind {
	case KindQuote:
		msg.Quote = &Quote{
			Symbol:    w.Symbol,
			BidPrice:  w.BidPrice,
			BidSize:   w.BidSize,
			AskPrice:  w.AskPrice,
			AskSize:   w.AskSize,
			Timestamp: w.Timestamp,
		}
	case KindTrade:
		msg.Trade = &Trade{
			Symbol:    w.Symbol,
			Price:     w.Price,
			Size:      w.Size,
			Timestamp: w.Timestamp,
		}
	case KindError:
		msg.Error = &ErrorFrame{Code: w.Code, Message: w.Msg}
	case KindSubscribeAck:
		msg.Sub = &SubscribeAck{Quotes: w.Quotes, Trades: w.Trades}
	}
	return msg
}

// Classify inspects a raw frame's message-type discriminator. A bare
// message object and a one-element array wrapping the same object
// classify identically. Undecodable frames classify as KindUnknown.
func Classify(raw []byte, ch Channel) Kind {
	msgs, err := decodeWire(raw, ch)
	if err != nil || len(msgs) == 0 {
		return KindUnknown
	}
	return msgs[0].kind()
}

// Decode decodes a raw frame into typed messages. The upstream may wrap
// messages in an array envelope or send a bare object; both decode the
// same way. Failure yields a *DecodeError, which is per-frame and
// non-fatal by contract.
func Decode(raw []byte, ch Channel) ([]Message, error) {
	wire, err := decodeWire(raw, ch)
	if err != nil {
		return nil, &DecodeError{Channel: ch, Cause: err}
	}

	msgs := make([]Message, 0, len(wire))
	for _, w := range wire {
		msgs = append(msgs, w.toMessage(ch))
	}
	return msgs, nil
}

// decodeWire unmarshals raw bytes in the channel's fixed wire format.
func decodeWire(raw []byte, ch Channel) ([]wireMessage, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if ch.Binary() {
		return decodeBinary(raw)
	}
	return decodeText(raw)
}

func decodeText(raw []byte) ([]wireMessage, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("blank frame")
	}

	if trimmed[0] == '[' {
		var msgs []wireMessage
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, err
		}
		return msgs, nil
	}

	var msg wireMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, err
	}
	return []wireMessage{msg}, nil
}

// msgpack array format bytes: fixarray, array16, array32.
func isMsgpackArray(b byte) bool {
	return (b >= 0x90 && b <= 0x9f) || b == 0xdc || b == 0xdd
}

func decodeBinary(raw []byte) ([]wireMessage, error) {
	if isMsgpackArray(raw[0]) {
		var msgs []wireMessage
		if err := msgpack.Unmarshal(raw, &msgs); err != nil {
			return nil, err
		}
		return msgs, nil
	}

	var msg wireMessage
	if err := msgpack.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return []wireMessage{msg}, nil
}

// authCommand and subscribeCommand are the client→upstream frames.
type authCommand struct {
	Action string `json:"action" msgpack:"action"`
	Key    string `json:"key" msgpack:"key"`
	Secret string `json:"secret" msgpack:"secret"`
}

type subscribeCommand struct {
	Action string   `json:"action" msgpack:"action"`
	Quotes []string `json:"quotes,omitempty" msgpack:"quotes,omitempty"`
	Trades []string `json:"trades,omitempty" msgpack:"trades,omitempty"`
}

// EncodeAuth builds an auth frame in the channel's wire format.
func EncodeAuth(ch Channel, key, secret string) ([]byte, error) {
	return encode(ch, authCommand{Action: "auth", Key: key, Secret: secret})
}

// EncodeSubscribe builds a subscribe frame in the channel's wire format.
func EncodeSubscribe(ch Channel, quotes, trades []string) ([]byte, error) {
	return encode(ch, subscribeCommand{Action: "subscribe", Quotes: quotes, Trades: trades})
}

// EncodeUnsubscribe builds an unsubscribe frame in the channel's wire format.
func EncodeUnsubscribe(ch Channel, quotes, trades []string) ([]byte, error) {
	return encode(ch, subscribeCommand{Action: "unsubscribe", Quotes: quotes, Trades: trades})
}

func encode(ch Channel, v any) ([]byte, error) {
	if ch.Binary() {
		data, err := msgpack.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode msgpack frame: %w", err)
		}
		return data, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json frame: %w", err)
	}
	return data, nil
}
