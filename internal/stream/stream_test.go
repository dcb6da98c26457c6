package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"brokergate/internal/config"
	"brokergate/internal/ws"
)

// wireCommand is a decoded client→upstream frame as the fake sees it.
type wireCommand struct {
	Action string   `json:"action" msgpack:"action"`
	Key    string   `json:"key" msgpack:"key"`
	Secret string   `json:"secret" msgpack:"secret"`
	Quotes []string `json:"quotes" msgpack:"quotes"`
	Trades []string `json:"trades" msgpack:"trades"`
}

// fakeUpstream scripts the far end of the WebSocket. Its dial method
// satisfies the gateway's dialer hook; every connection it hands out is
// recorded for inspection.
type fakeUpstream struct {
	mu       sync.Mutex
	clients  []*fakeClient
	commands []wireCommand

	// handler scripts the response to each command. Defaults to ackAll.
	handler func(c *fakeClient, cmd wireCommand)
}

func newFakeUpstream() *fakeUpstream {
	u := &fakeUpstream{}
	u.handler = u.ackAll
	return u
}

func (u *fakeUpstream) dial(cfg ws.ClientConfig, _ *slog.Logger) ws.Client {
	c := &fakeClient{
		upstream: u,
		binary:   cfg.Binary,
		url:      cfg.URL,
		frames:   make(chan ws.TimestampedFrame, 256),
		errs:     make(chan error, 4),
	}
	u.mu.Lock()
	u.clients = append(u.clients, c)
	u.mu.Unlock()
	return c
}

func (u *fakeUpstream) clientCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.clients)
}

func (u *fakeUpstream) client(i int) *fakeClient {
	u.mu.Lock()
	defer u.mu.Unlock()
	if i >= len(u.clients) {
		return nil
	}
	return u.clients[i]
}

func (u *fakeUpstream) recordedCommands() []wireCommand {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]wireCommand, len(u.commands))
	copy(out, u.commands)
	return out
}

// ackAll acknowledges auth and subscribe commands the way a healthy
// upstream would.
func (u *fakeUpstream) ackAll(c *fakeClient, cmd wireCommand) {
	switch cmd.Action {
	case "auth":
		c.pushAuthAck()
	case "subscribe", "unsubscribe":
		c.pushSubAck(cmd.Quotes, cmd.Trades)
	}
}

// fakeClient is an in-memory ws.Client wired to a fakeUpstream.
type fakeClient struct {
	upstream *fakeUpstream
	binary   bool
	url      string

	frames chan ws.TimestampedFrame
	errs   chan error

	mu         sync.Mutex
	connected  bool
	closed     bool
	lastMsg    time.Time
	connectErr error
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	c.lastMsg = time.Now()
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.closed = true
	return nil
}

func (c *fakeClient) Send(data []byte) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ws.ErrNotConnected
	}
	c.mu.Unlock()

	var cmd wireCommand
	var err error
	if c.binary {
		err = msgpack.Unmarshal(data, &cmd)
	} else {
		err = json.Unmarshal(data, &cmd)
	}
	if err != nil {
		return err
	}

	c.upstream.mu.Lock()
	c.upstream.commands = append(c.upstream.commands, cmd)
	handler := c.upstream.handler
	c.upstream.mu.Unlock()

	handler(c, cmd)
	return nil
}

func (c *fakeClient) Frames() <-chan ws.TimestampedFrame { return c.frames }
func (c *fakeClient) Errors() <-chan error               { return c.errs }

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) LastMessageAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMsg
}

// push delivers one upstream frame to the client, never blocking.
func (c *fakeClient) push(v any) {
	var data []byte
	if c.binary {
		data, _ = msgpack.Marshal(v)
	} else {
		data, _ = json.Marshal(v)
	}

	c.mu.Lock()
	c.lastMsg = time.Now()
	c.mu.Unlock()

	select {
	case c.frames <- ws.TimestampedFrame{Data: data, ReceivedAt: time.Now()}:
	default:
	}
}

func (c *fakeClient) pushAuthAck() {
	c.push(map[string]any{"T": "success", "msg": "authenticated"})
}

func (c *fakeClient) pushSubAck(quotes, trades []string) {
	c.push(map[string]any{"T": "subscription", "quotes": quotes, "trades": trades})
}

func (c *fakeClient) pushError(code int, msg string) {
	c.push(map[string]any{"T": "error", "code": code, "msg": msg})
}

func (c *fakeClient) pushQuote(symbol string, bid, ask float64) {
	c.push(map[string]any{
		"T": "q", "S": symbol, "bp": bid, "ap": ask, "t": time.Now().UTC(),
	})
}

func (c *fakeClient) pushTrade(symbol string, price float64, size int64) {
	c.push(map[string]any{
		"T": "t", "S": symbol, "p": price, "s": size, "t": time.Now().UTC(),
	})
}

func (c *fakeClient) pushTransportError(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

func newRawFrame(data []byte) ws.TimestampedFrame {
	return ws.TimestampedFrame{Data: data, ReceivedAt: time.Now()}
}

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		HeartbeatTimeout:     200 * time.Millisecond,
		HardReconnectTimeout: 5 * time.Second,
		SubscribeTimeout:     time.Second,
		SelfTestTimeout:      2 * time.Second,
		SubscriberQueueSize:  64,
		MaxSymbolsPerRequest: 20,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
