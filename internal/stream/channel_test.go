package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"brokergate/internal/config"
	"brokergate/internal/protocol"

	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestChannel(u *fakeUpstream, name protocol.Channel, cfg config.StreamConfig) *channel {
	return newChannel(name, "ws://fake/"+string(name), "key", "secret", cfg, u.dial, discardLogger())
}

func TestChannelReachesStreamingAndDelivers(t *testing.T) {
	u := newFakeUpstream()
	c := newTestChannel(u, protocol.ChannelEquities, testStreamConfig())

	sub := &Subscription{ID: uuid.New(), Symbol: "AAPL", Kind: EquityQuotes, events: make(chan Event, 8)}
	c.fan.add(sub)
	c.addInterest("AAPL", true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)

	waitFor(t, time.Second, func() bool { return c.currentState() == StateStreaming }, "streaming state")

	u.client(0).pushQuote("AAPL", 187.2, 187.4)

	select {
	case ev := <-sub.Events():
		if ev.Quote == nil || ev.Quote.Symbol != "AAPL" {
			t.Fatalf("event = %+v, want AAPL quote", ev)
		}
		if ev.Channel != protocol.ChannelEquities {
			t.Errorf("Channel = %q, want equities", ev.Channel)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for quote event")
	}
}

func TestChannelAuthFailureHaltsPermanently(t *testing.T) {
	u := newFakeUpstream()
	u.handler = func(c *fakeClient, cmd wireCommand) {
		if cmd.Action == "auth" {
			c.pushError(401, "invalid credentials")
		}
	}

	c := newTestChannel(u, protocol.ChannelEquities, testStreamConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)

	waitFor(t, time.Second, c.isHalted, "halted channel")

	if got := c.currentState(); got != StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}

	// A halted channel never dials again.
	time.Sleep(60 * time.Millisecond)
	if n := u.clientCount(); n != 1 {
		t.Errorf("dial count = %d after halt, want 1", n)
	}
}

func TestChannelAuthRejectedFrameIsNotAnAck(t *testing.T) {
	u := newFakeUpstream()
	u.handler = func(c *fakeClient, cmd wireCommand) {
		if cmd.Action == "auth" {
			c.pushError(400, "invalid syntax")
		}
	}

	cfg := testStreamConfig()
	cfg.SubscribeTimeout = 40 * time.Millisecond
	c := newTestChannel(u, protocol.ChannelEquities, cfg)
	c.addInterest("AAPL", true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)

	// The 400 reply is frame-scoped; with no auth ack the attempt times
	// out and reconnects instead of advancing.
	waitFor(t, 2*time.Second, func() bool { return u.clientCount() >= 2 }, "reconnect after failed auth handshake")

	for _, cmd := range u.recordedCommands() {
		if cmd.Action != "auth" {
			t.Fatalf("%q command sent without a completed auth handshake", cmd.Action)
		}
	}
	if got := c.currentState(); got == StateStreaming || got == StateSubscribing {
		t.Errorf("state = %v after auth answered only with 400, want no handshake progress", got)
	}
	if c.isHalted() {
		t.Error("a rejected frame must not halt the channel")
	}
}

func TestChannelSubscribeRejectedFrameIsNotAnAck(t *testing.T) {
	u := newFakeUpstream()
	var rejectedFirst atomic.Bool
	u.handler = func(c *fakeClient, cmd wireCommand) {
		switch cmd.Action {
		case "auth":
			c.pushAuthAck()
		case "subscribe":
			if rejectedFirst.CompareAndSwap(false, true) {
				c.pushError(400, "invalid syntax")
				return
			}
			c.pushSubAck(cmd.Quotes, cmd.Trades)
		}
	}

	cfg := testStreamConfig()
	cfg.SubscribeTimeout = 40 * time.Millisecond
	c := newTestChannel(u, protocol.ChannelEquities, cfg)
	c.addInterest("AAPL", true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)

	waitFor(t, 2*time.Second, func() bool { return c.currentState() == StateStreaming }, "streaming state")

	// The first attempt's subscribe was answered only with 400: that is
	// not an ack, so reaching Streaming requires a second connection.
	if n := u.clientCount(); n != 2 {
		t.Errorf("dial count = %d, want 2 (rejected subscribe is not an ack)", n)
	}
}

func TestChannelSplitsOversizedBatch(t *testing.T) {
	u := newFakeUpstream()
	u.handler = func(c *fakeClient, cmd wireCommand) {
		switch cmd.Action {
		case "auth":
			c.pushAuthAck()
		case "subscribe":
			if len(cmd.Quotes) > 20 {
				c.pushError(413, "too many symbols")
				return
			}
			c.pushSubAck(cmd.Quotes, cmd.Trades)
		}
	}

	cfg := testStreamConfig()
	cfg.MaxSymbolsPerRequest = 100 // let a 40-symbol batch through to the upstream
	c := newTestChannel(u, protocol.ChannelEquities, cfg)

	for i := 0; i < 40; i++ {
		c.addInterest(fmt.Sprintf("SYM%02d", i), true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)

	waitFor(t, time.Second, func() bool { return c.currentState() == StateStreaming }, "streaming state")

	var sizes []int
	for _, cmd := range u.recordedCommands() {
		if cmd.Action == "subscribe" {
			sizes = append(sizes, len(cmd.Quotes))
		}
	}
	if len(sizes) != 3 || sizes[0] != 40 || sizes[1] != 20 || sizes[2] != 20 {
		t.Errorf("subscribe batch sizes = %v, want [40 20 20]", sizes)
	}
	if n := u.clientCount(); n != 1 {
		t.Errorf("dial count = %d, want 1 (splitting must not reconnect)", n)
	}
}

func TestChannelSplitsMixedBatchWithoutEmptyFrames(t *testing.T) {
	u := newFakeUpstream()
	u.handler = func(c *fakeClient, cmd wireCommand) {
		switch cmd.Action {
		case "auth":
			c.pushAuthAck()
		case "subscribe":
			if len(cmd.Quotes)+len(cmd.Trades) > 1 {
				c.pushError(413, "too many symbols")
				return
			}
			c.pushSubAck(cmd.Quotes, cmd.Trades)
		}
	}

	c := newTestChannel(u, protocol.ChannelEquities, testStreamConfig())
	c.addInterest("AAPL", true)
	c.addInterest("MSFT", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)

	waitFor(t, time.Second, func() bool { return c.currentState() == StateStreaming }, "streaming state")

	// One quote plus one trade splits into two single-symbol frames;
	// neither half may be empty.
	var sizes []int
	for _, cmd := range u.recordedCommands() {
		if cmd.Action != "subscribe" {
			continue
		}
		if len(cmd.Quotes)+len(cmd.Trades) == 0 {
			t.Error("empty subscribe frame sent to upstream")
		}
		sizes = append(sizes, len(cmd.Quotes)+len(cmd.Trades))
	}
	if len(sizes) != 3 || sizes[0] != 2 || sizes[1] != 1 || sizes[2] != 1 {
		t.Errorf("subscribe batch sizes = %v, want [2 1 1]", sizes)
	}
	if n := u.clientCount(); n != 1 {
		t.Errorf("dial count = %d, want 1 (splitting must not reconnect)", n)
	}
}

func TestChannelReconnectPreservesSubscriptions(t *testing.T) {
	u := newFakeUpstream()
	c := newTestChannel(u, protocol.ChannelEquities, testStreamConfig())
	c.addInterest("AAPL", true)
	c.addInterest("MSFT", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)

	waitFor(t, time.Second, func() bool { return c.currentState() == StateStreaming }, "first streaming")

	u.client(0).pushTransportError(errors.New("connection reset"))

	waitFor(t, time.Second, func() bool { return u.clientCount() == 2 }, "second connection")
	waitFor(t, time.Second, func() bool { return c.currentState() == StateStreaming }, "streaming after reconnect")

	// The desired set survives the reconnect and is resubscribed as-is.
	cmds := u.recordedCommands()
	var last wireCommand
	for _, cmd := range cmds {
		if cmd.Action == "subscribe" {
			last = cmd
		}
	}
	if len(last.Quotes) != 1 || last.Quotes[0] != "AAPL" {
		t.Errorf("resubscribed quotes = %v, want [AAPL]", last.Quotes)
	}
	if len(last.Trades) != 1 || last.Trades[0] != "MSFT" {
		t.Errorf("resubscribed trades = %v, want [MSFT]", last.Trades)
	}
	if c.reconnects.Load() == 0 {
		t.Error("reconnect counter not advanced")
	}
}

func TestChannelDuplicateSubscriptionReconciles(t *testing.T) {
	u := newFakeUpstream()
	c := newTestChannel(u, protocol.ChannelEquities, testStreamConfig())
	c.addInterest("AAPL", true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)

	waitFor(t, time.Second, func() bool { return c.currentState() == StateStreaming }, "streaming state")
	before := len(u.recordedCommands())

	u.client(0).pushError(409, "already subscribed")

	waitFor(t, time.Second, func() bool { return len(u.recordedCommands()) > before }, "reconcile resend")

	cmds := u.recordedCommands()
	last := cmds[len(cmds)-1]
	if last.Action != "subscribe" || len(last.Quotes) != 1 || last.Quotes[0] != "AAPL" {
		t.Errorf("reconcile command = %+v, want full subscribe resend", last)
	}
	if n := u.clientCount(); n != 1 {
		t.Errorf("dial count = %d, want 1 (reconcile must not reconnect)", n)
	}
	if got := c.currentState(); got != StateStreaming {
		t.Errorf("state = %v, want streaming", got)
	}
}

func TestChannelDecodeErrorDoesNotKillReadLoop(t *testing.T) {
	u := newFakeUpstream()
	c := newTestChannel(u, protocol.ChannelEquities, testStreamConfig())

	sub := &Subscription{ID: uuid.New(), Symbol: "AAPL", Kind: EquityQuotes, events: make(chan Event, 8)}
	c.fan.add(sub)
	c.addInterest("AAPL", true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)

	waitFor(t, time.Second, func() bool { return c.currentState() == StateStreaming }, "streaming state")

	// A malformed frame is logged and dropped; the next valid frame still
	// flows through.
	client := u.client(0)
	client.frames <- newRawFrame([]byte("not json at all"))
	client.pushQuote("AAPL", 100, 101)

	select {
	case ev := <-sub.Events():
		if ev.Quote == nil || ev.Quote.Symbol != "AAPL" {
			t.Fatalf("event = %+v, want AAPL quote", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("read loop did not survive the malformed frame")
	}
	if n := u.clientCount(); n != 1 {
		t.Errorf("dial count = %d, want 1 (decode errors are non-fatal)", n)
	}
}

func TestChannelDegradesAndRecovers(t *testing.T) {
	u := newFakeUpstream()
	cfg := testStreamConfig()
	cfg.HeartbeatTimeout = 40 * time.Millisecond
	cfg.HardReconnectTimeout = 5 * time.Second
	c := newTestChannel(u, protocol.ChannelEquities, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)

	waitFor(t, time.Second, func() bool { return c.currentState() == StateStreaming }, "streaming state")
	waitFor(t, time.Second, func() bool { return c.currentState() == StateDegraded }, "degraded state")

	u.client(0).pushQuote("AAPL", 1, 2)

	waitFor(t, time.Second, func() bool { return c.currentState() == StateStreaming }, "recovery to streaming")
}

func TestChannelHardTimeoutForcesReconnect(t *testing.T) {
	u := newFakeUpstream()
	cfg := testStreamConfig()
	cfg.HeartbeatTimeout = 20 * time.Millisecond
	cfg.HardReconnectTimeout = 60 * time.Millisecond
	c := newTestChannel(u, protocol.ChannelEquities, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)

	waitFor(t, time.Second, func() bool { return c.currentState() == StateStreaming }, "streaming state")
	waitFor(t, 2*time.Second, func() bool { return u.clientCount() >= 2 }, "forced reconnect")
}

func TestChannelIncrementalSubscribeWhileStreaming(t *testing.T) {
	u := newFakeUpstream()
	c := newTestChannel(u, protocol.ChannelEquities, testStreamConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)

	waitFor(t, time.Second, func() bool { return c.currentState() == StateStreaming }, "streaming state")

	c.addInterest("TSLA", true)

	waitFor(t, time.Second, func() bool {
		for _, cmd := range u.recordedCommands() {
			if cmd.Action == "subscribe" && len(cmd.Quotes) == 1 && cmd.Quotes[0] == "TSLA" {
				return true
			}
		}
		return false
	}, "incremental subscribe command")
}

func TestChannelBinaryWireFormat(t *testing.T) {
	u := newFakeUpstream()
	c := newTestChannel(u, protocol.ChannelOptions, testStreamConfig())

	sub := &Subscription{ID: uuid.New(), Symbol: "SPY240119P00470000", Kind: OptionQuotes, events: make(chan Event, 8)}
	c.fan.add(sub)
	c.addInterest("SPY240119P00470000", true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)

	waitFor(t, time.Second, func() bool { return c.currentState() == StateStreaming }, "streaming state")

	client := u.client(0)
	if !client.binary {
		t.Fatal("options channel must dial a binary-mode transport")
	}

	client.pushQuote("SPY240119P00470000", 1.05, 1.10)

	select {
	case ev := <-sub.Events():
		if ev.Quote == nil || ev.Quote.Symbol != "SPY240119P00470000" {
			t.Fatalf("event = %+v, want option quote", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for binary quote event")
	}
}
