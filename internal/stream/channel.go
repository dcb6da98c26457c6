package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"brokergate/internal/config"
	"brokergate/internal/errclass"
	"brokergate/internal/metrics"
	"brokergate/internal/protocol"
	"brokergate/internal/ws"
)

// dialFunc builds a transport client; injectable so tests can observe the
// wiring without a real upstream.
type dialFunc func(cfg ws.ClientConfig, logger *slog.Logger) ws.Client

// Control-flow sentinels for one connection attempt. errHalt stops the
// reconnect loop permanently; errWiden asks for a wider backoff window.
var (
	errHalt  = errors.New("channel halted")
	errWiden = errors.New("widen backoff")
)

// channel is one upstream data-class connection and its state machine.
// Its identity (the desired subscription set) survives reconnects; the
// transport client underneath it does not.
type channel struct {
	name   protocol.Channel
	url    string
	key    string
	secret string
	cfg    config.StreamConfig
	logger *slog.Logger
	dial   dialFunc
	fan    *fanout

	state      atomic.Int32
	reconnects atomic.Uint64

	mu     sync.Mutex
	quotes map[string]struct{}
	trades map[string]struct{}
	client ws.Client // live transport, nil between connections
	halted bool
}

func newChannel(name protocol.Channel, url, key, secret string, cfg config.StreamConfig, dial dialFunc, logger *slog.Logger) *channel {
	c := &channel{
		name:   name,
		url:    url,
		key:    key,
		secret: secret,
		cfg:    cfg,
		logger: logger.With("channel", string(name)),
		dial:   dial,
		fan:    newFanout(name, cfg.SubscriberQueueSize, logger),
		quotes: make(map[string]struct{}),
		trades: make(map[string]struct{}),
	}
	c.setState(StateDisconnected)
	return c
}

func (c *channel) setState(s State) {
	c.state.Store(int32(s))
	metrics.StreamState.WithLabelValues(string(c.name)).Set(float64(s))
}

func (c *channel) currentState() State {
	return State(c.state.Load())
}

func (c *channel) isHalted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

func (c *channel) lastMessageAt() time.Time {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return time.Time{}
	}
	return client.LastMessageAt()
}

func (c *channel) status() ChannelStatus {
	c.mu.Lock()
	symbols := len(c.quotes) + len(c.trades)
	halted := c.halted
	c.mu.Unlock()

	return ChannelStatus{
		Channel:       c.name,
		State:         c.currentState().String(),
		Halted:        halted,
		LastMessageAt: c.lastMessageAt(),
		Symbols:       symbols,
		Subscribers:   c.fan.count(),
		Reconnects:    c.reconnects.Load(),
	}
}

// addInterest records a (symbol, quotes/trades) interest and, when the
// channel is live, sends an incremental subscribe. The ack is consumed by
// the read loop.
func (c *channel) addInterest(symbol string, wantQuotes bool) {
	c.mu.Lock()
	set := c.trades
	if wantQuotes {
		set = c.quotes
	}
	_, already := set[symbol]
	set[symbol] = struct{}{}
	client := c.client
	streaming := c.currentState() == StateStreaming
	c.mu.Unlock()

	if already || client == nil || !streaming {
		return
	}

	var quotes, trades []string
	if wantQuotes {
		quotes = []string{symbol}
	} else {
		trades = []string{symbol}
	}
	if err := c.sendSubscribeFrame(client, quotes, trades, "subscribe"); err != nil {
		c.logger.Warn("incremental subscribe failed", "symbol", symbol, "error", err)
	}
}

// removeInterest drops an interest with no remaining subscribers and,
// when live, sends an unsubscribe.
func (c *channel) removeInterest(symbol string, wantQuotes bool) {
	c.mu.Lock()
	set := c.trades
	if wantQuotes {
		set = c.quotes
	}
	if _, ok := set[symbol]; !ok {
		c.mu.Unlock()
		return
	}
	delete(set, symbol)
	client := c.client
	streaming := c.currentState() == StateStreaming
	c.mu.Unlock()

	if client == nil || !streaming {
		return
	}

	var quotes, trades []string
	if wantQuotes {
		quotes = []string{symbol}
	} else {
		trades = []string{symbol}
	}
	if err := c.sendSubscribeFrame(client, quotes, trades, "unsubscribe"); err != nil {
		c.logger.Warn("unsubscribe failed", "symbol", symbol, "error", err)
	}
}

func (c *channel) sendSubscribeFrame(client ws.Client, quotes, trades []string, action string) error {
	var (
		frame []byte
		err   error
	)
	if action == "unsubscribe" {
		frame, err = protocol.EncodeUnsubscribe(c.name, quotes, trades)
	} else {
		frame, err = protocol.EncodeSubscribe(c.name, quotes, trades)
	}
	if err != nil {
		return err
	}
	return client.Send(frame)
}

// desiredSets snapshots the subscription identity, sorted for
// deterministic batch composition.
func (c *channel) desiredSets() (quotes, trades []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for s := range c.quotes {
		quotes = append(quotes, s)
	}
	for s := range c.trades {
		trades = append(trades, s)
	}
	sort.Strings(quotes)
	sort.Strings(trades)
	return quotes, trades
}

// run is the channel's reconnect loop. It returns only on context
// cancellation or a permanent halt (fatal auth / disabled credential).
func (c *channel) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectBaseDelay
	bo.MaxInterval = c.cfg.ReconnectMaxDelay

	for {
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return
		}

		started := time.Now()
		err := c.runOnce(ctx)

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			c.setState(StateClosed)
			return
		}
		if errors.Is(err, errHalt) {
			c.mu.Lock()
			c.halted = true
			c.mu.Unlock()
			c.setState(StateDisconnected)
			c.logger.Error("channel halted pending operator intervention", "error", err)
			return
		}

		// A long healthy run resets the backoff schedule.
		if time.Since(started) > bo.MaxInterval {
			bo.Reset()
		}

		c.reconnects.Add(1)
		metrics.StreamReconnects.WithLabelValues(string(c.name)).Inc()
		c.setState(StateReconnecting)

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = c.cfg.ReconnectMaxDelay
		}
		if errors.Is(err, errWiden) {
			// Upstream connection limit: back off harder than the schedule.
			wait *= 2
		}

		c.logger.Warn("channel reconnecting", "error", err, "wait", wait,
			"attempt", c.reconnects.Load())

		select {
		case <-ctx.Done():
			c.setState(StateClosed)
			return
		case <-time.After(wait):
		}
	}
}

// runOnce performs one full connect → authenticate → subscribe → stream
// pass and returns when the connection is no longer usable.
func (c *channel) runOnce(ctx context.Context) error {
	c.setState(StateConnecting)

	client := c.dial(ws.ClientConfig{
		URL:          c.url,
		Binary:       c.name.Binary(),
		PingTimeout:  c.cfg.HeartbeatTimeout,
		WriteTimeout: 5 * time.Second,
		BufferSize:   c.cfg.SubscriberQueueSize,
	}, c.logger)

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer client.Close()

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.client = nil
		c.mu.Unlock()
	}()

	c.setState(StateAuthenticating)
	if err := c.authenticate(ctx, client); err != nil {
		return err
	}

	c.setState(StateSubscribing)
	quotes, trades := c.desiredSets()
	if err := c.subscribeBatched(ctx, client, quotes, trades); err != nil {
		return err
	}

	c.setState(StateStreaming)
	return c.stream(ctx, client)
}

func (c *channel) authenticate(ctx context.Context, client ws.Client) error {
	frame, err := protocol.EncodeAuth(c.name, c.key, c.secret)
	if err != nil {
		return fmt.Errorf("encode auth: %w", err)
	}
	if err := client.Send(frame); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	msg, err := c.awaitAck(ctx, client, protocol.KindAuthAck)
	if err != nil {
		return fmt.Errorf("auth handshake: %w", err)
	}
	if msg.Kind == protocol.KindError {
		return c.actOnError(ctx, client, msg.Error, errclass.PhaseStartup)
	}
	return nil
}

// subscribeBatched sends the desired set in batches no larger than the
// configured maximum, splitting recursively when the upstream rejects a
// batch as too large.
func (c *channel) subscribeBatched(ctx context.Context, client ws.Client, quotes, trades []string) error {
	if len(quotes) == 0 && len(trades) == 0 {
		return nil
	}

	max := c.cfg.MaxSymbolsPerRequest
	for len(quotes) > 0 || len(trades) > 0 {
		var bq, bt []string
		budget := max
		take := min(budget, len(quotes))
		bq, quotes = quotes[:take], quotes[take:]
		budget -= take
		take = min(budget, len(trades))
		bt, trades = trades[:take], trades[take:]

		if len(bq) == 0 && len(bt) == 0 {
			break
		}
		if err := c.subscribeBatch(ctx, client, bq, bt); err != nil {
			return err
		}
	}
	return nil
}

// subscribeBatch sends one subscribe request and waits for the ack,
// halving the batch on a too-many-symbols rejection.
func (c *channel) subscribeBatch(ctx context.Context, client ws.Client, quotes, trades []string) error {
	if len(quotes) == 0 && len(trades) == 0 {
		return nil
	}
	if err := c.sendSubscribeFrame(client, quotes, trades, "subscribe"); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	msg, err := c.awaitAck(ctx, client, protocol.KindSubscribeAck)
	if err != nil {
		return fmt.Errorf("subscribe handshake: %w", err)
	}
	if msg.Kind != protocol.KindError {
		return nil
	}

	rec := errclass.Classify(msg.Error.Code, errclass.PhaseRuntime)
	switch rec.Action {
	case errclass.ActionSplitBatch:
		if len(quotes)+len(trades) <= 1 {
			return fmt.Errorf("upstream rejected single-symbol subscribe: %s", msg.Error.Message)
		}
		c.logger.Info("subscribe batch too large, splitting",
			"quotes", len(quotes), "trades", len(trades))
		q1, q2, t1, t2 := splitSets(quotes, trades)
		if err := c.subscribeBatch(ctx, client, q1, t1); err != nil {
			return err
		}
		return c.subscribeBatch(ctx, client, q2, t2)
	case errclass.ActionReconcileSubscriptions:
		// Upstream already holds some of these; the duplicate is benign.
		c.logger.Info("duplicate subscription reconciled", "code", msg.Error.Code)
		return nil
	default:
		return c.actOnError(ctx, client, msg.Error, errclass.PhaseRuntime)
	}
}

// awaitAck drains frames until a message of the wanted kind or an error
// frame arrives. Data messages seen along the way are dispatched, not
// dropped.
func (c *channel) awaitAck(ctx context.Context, client ws.Client, want protocol.Kind) (protocol.Message, error) {
	timeout := time.NewTimer(c.cfg.SubscribeTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		case <-timeout.C:
			return protocol.Message{}, fmt.Errorf("no %s within %s", want, c.cfg.SubscribeTimeout)
		case err := <-client.Errors():
			return protocol.Message{}, err
		case frame, ok := <-client.Frames():
			if !ok {
				return protocol.Message{}, ws.ErrNotConnected
			}
			msgs, err := protocol.Decode(frame.Data, c.name)
			if err != nil {
				metrics.StreamDecodeErrors.WithLabelValues(string(c.name)).Inc()
				c.logger.Warn("dropping undecodable frame", "error", err)
				continue
			}
			for _, msg := range msgs {
				switch msg.Kind {
				case want:
					return msg, nil
				case protocol.KindError:
					// A frame-scoped rejection (malformed frame, wrong
					// encoding report) never stands in for the ack; the
					// upstream still owes one.
					rec := errclass.Classify(msg.Error.Code, errclass.PhaseRuntime)
					if rec.Action == errclass.ActionDropFrame || rec.Action == errclass.ActionReportBug {
						c.logger.Warn("upstream rejected a frame while awaiting ack",
							"code", msg.Error.Code, "message", msg.Error.Message)
						continue
					}
					return msg, nil
				case protocol.KindQuote:
					c.fan.publishQuote(msg.Quote, frame.ReceivedAt)
				case protocol.KindTrade:
					c.fan.publishTrade(msg.Trade, frame.ReceivedAt)
				}
			}
		}
	}
}

// stream is the steady-state read loop. It returns a plain error to
// trigger a reconnect, errWiden to reconnect with a wider backoff, or
// errHalt to stop the channel for good.
func (c *channel) stream(ctx context.Context, client ws.Client) error {
	interval := c.cfg.HeartbeatTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-client.Errors():
			return fmt.Errorf("transport: %w", err)

		case frame, ok := <-client.Frames():
			if !ok {
				return ws.ErrNotConnected
			}
			if c.currentState() == StateDegraded {
				c.setState(StateStreaming)
				c.logger.Info("channel recovered from degraded state")
			}
			if err := c.handleFrame(ctx, client, frame); err != nil {
				return err
			}

		case <-ticker.C:
			idle := time.Since(client.LastMessageAt())
			if idle > c.cfg.HardReconnectTimeout {
				return fmt.Errorf("no upstream traffic for %s, forcing reconnect", idle.Round(time.Millisecond))
			}
			if idle > c.cfg.HeartbeatTimeout && c.currentState() == StateStreaming {
				c.setState(StateDegraded)
				c.logger.Warn("channel degraded, no upstream traffic", "idle", idle.Round(time.Millisecond))
			}
		}
	}
}

func (c *channel) handleFrame(ctx context.Context, client ws.Client, frame ws.TimestampedFrame) error {
	msgs, err := protocol.Decode(frame.Data, c.name)
	if err != nil {
		// Per-frame failure: log and drop, never tear down the loop.
		metrics.StreamDecodeErrors.WithLabelValues(string(c.name)).Inc()
		c.logger.Warn("dropping undecodable frame", "error", err)
		return nil
	}

	for _, msg := range msgs {
		metrics.StreamFrames.WithLabelValues(string(c.name), msg.Kind.String()).Inc()

		switch msg.Kind {
		case protocol.KindQuote:
			c.fan.publishQuote(msg.Quote, frame.ReceivedAt)
		case protocol.KindTrade:
			c.fan.publishTrade(msg.Trade, frame.ReceivedAt)
		case protocol.KindSubscribeAck:
			c.logger.Debug("subscription state acknowledged",
				"quotes", len(msg.Sub.Quotes), "trades", len(msg.Sub.Trades))
		case protocol.KindError:
			if err := c.actOnError(ctx, client, msg.Error, errclass.PhaseRuntime); err != nil {
				return err
			}
		}
	}
	return nil
}

// actOnError performs the recovery the classifier prescribes. A nil
// return means the loop continues; errHalt/errWiden/plain errors steer
// the reconnect loop.
func (c *channel) actOnError(ctx context.Context, client ws.Client, ef *protocol.ErrorFrame, phase errclass.Phase) error {
	rec := errclass.Classify(ef.Code, phase)
	logger := c.logger.With("code", ef.Code, "category", rec.Category.String(), "message", ef.Message)

	switch rec.Action {
	case errclass.ActionDropFrame:
		logger.Warn("upstream rejected a frame")
		return nil

	case errclass.ActionReportBug:
		logger.Error("wrong wire encoding for channel, codec defect")
		return nil

	case errclass.ActionHaltPermanently:
		return fmt.Errorf("%w: %w: %s", errHalt, ErrFatalAuth, ef.Message)

	case errclass.ActionDisableStreaming, errclass.ActionDisableChannel:
		return fmt.Errorf("%w: credential or channel disabled by upstream (%d): %s",
			errHalt, ef.Code, ef.Message)

	case errclass.ActionFatalConfig:
		return fmt.Errorf("%w: upstream endpoint rejected startup (%d): %s",
			errHalt, ef.Code, ef.Message)

	case errclass.ActionWidenBackoff:
		return fmt.Errorf("%w: upstream connection limit (%d): %s", errWiden, ef.Code, ef.Message)

	case errclass.ActionReconcileSubscriptions:
		logger.Info("reconciling subscription set")
		quotes, trades := c.desiredSets()
		if err := c.sendSubscribeFrame(client, quotes, trades, "subscribe"); err != nil {
			return fmt.Errorf("reconcile resend: %w", err)
		}
		return nil

	case errclass.ActionSplitBatch:
		quotes, trades := c.desiredSets()
		if len(quotes)+len(trades) == 0 {
			return nil
		}
		logger.Info("resending subscription set in halves")
		q1, q2, t1, t2 := splitSets(quotes, trades)
		if len(q1)+len(t1) > 0 {
			if err := c.sendSubscribeFrame(client, q1, t1, "subscribe"); err != nil {
				return fmt.Errorf("split resend: %w", err)
			}
		}
		if len(q2)+len(t2) > 0 {
			if err := c.sendSubscribeFrame(client, q2, t2, "subscribe"); err != nil {
				return fmt.Errorf("split resend: %w", err)
			}
		}
		return nil

	default:
		return fmt.Errorf("upstream fault (%d): %s", ef.Code, ef.Message)
	}
}

// splitSets halves the combined (quotes, trades) load. Whenever two or
// more symbols are present, both halves come back non-empty, so a split
// never produces an empty subscribe frame.
func splitSets(quotes, trades []string) (q1, q2, t1, t2 []string) {
	half := (len(quotes) + len(trades)) / 2
	n := min(half, len(quotes))
	q1, q2 = quotes[:n], quotes[n:]
	n = half - n
	t1, t2 = trades[:n], trades[n:]
	return q1, q2, t1, t2
}
