// Package stream maintains the upstream market-data connections and fans
// decoded messages out to local subscribers.
//
// Each data class (equities, options) runs its own state machine:
// Disconnected → SelfTesting → Connecting → Authenticating → Subscribing
// → Streaming → Degraded → Reconnecting → Closed. The channels are
// independent; one channel's failure never tears down the other. A
// blocking self-test against the canary stream gates startup: the gateway
// refuses to start streaming until the transport, credentials, and codec
// have been proven live.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"brokergate/internal/account"
	"brokergate/internal/config"
	"brokergate/internal/protocol"
	"brokergate/internal/route"
	"brokergate/internal/ws"
)

// CredentialSelector picks the account whose credentials a channel
// streams with, through the same policy as REST routing.
type CredentialSelector interface {
	SelectAccount(criteria route.Criteria) (account.Account, error)
}

// Gateway is the streaming side of the gateway process.
type Gateway interface {
	// Start runs the blocking self-test and then brings up both data
	// channels. A self-test failure aborts startup.
	Start(ctx context.Context) error

	// Stop shuts down cooperatively: no new subscriptions, in-flight
	// frames flushed, sockets closed.
	Stop(ctx context.Context) error

	// Subscribe registers a local consumer for a (symbol, kind) interest.
	Subscribe(symbol string, kind DataKind) (*Subscription, error)

	// Unsubscribe removes a subscription and closes its event channel.
	Unsubscribe(sub *Subscription) error

	// Status returns a read-only per-channel snapshot.
	Status() []ChannelStatus
}

// Option configures the gateway.
type Option func(*gateway)

// WithDialer overrides the transport constructor.
func WithDialer(dial func(cfg ws.ClientConfig, logger *slog.Logger) ws.Client) Option {
	return func(g *gateway) {
		g.dial = dial
	}
}

type gateway struct {
	upstream config.UpstreamConfig
	cfg      config.StreamConfig
	creds    CredentialSelector
	logger   *slog.Logger
	dial     dialFunc

	mu       sync.Mutex
	channels map[protocol.Channel]*channel
	started  bool
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewGateway creates a stream gateway. It does not touch the network
// until Start.
func NewGateway(upstream config.UpstreamConfig, cfg config.StreamConfig, creds CredentialSelector, logger *slog.Logger, opts ...Option) Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	g := &gateway{
		upstream: upstream,
		cfg:      cfg,
		creds:    creds,
		logger:   logger,
		dial: func(cfg ws.ClientConfig, logger *slog.Logger) ws.Client {
			return ws.NewClient(cfg, logger)
		},
		channels: make(map[protocol.Channel]*channel),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start runs the self-test, then launches both channel state machines.
func (g *gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started || g.closed {
		g.mu.Unlock()
		return fmt.Errorf("gateway already started or closed")
	}
	g.mu.Unlock()

	urls := map[protocol.Channel]string{
		protocol.ChannelEquities: g.upstream.EquitiesWS,
		protocol.ChannelOptions:  g.upstream.OptionsWS,
	}

	// Resolve each channel's credential set up front so a routing failure
	// is a startup failure, not a mid-stream surprise.
	accts := make(map[protocol.Channel]account.Account, len(urls))
	for ch := range urls {
		acct, err := g.creds.SelectAccount(route.Criteria{RoutingKey: "stream:" + string(ch)})
		if err != nil {
			return fmt.Errorf("select streaming account for %s: %w", ch, err)
		}
		accts[ch] = acct
		g.logger.Info("streaming credentials selected", "channel", string(ch), "account", acct.ID)
	}

	// Mandatory blocking self-test. Streaming is unreachable without it.
	if err := g.selfTest(ctx, accts[protocol.ChannelEquities]); err != nil {
		return fmt.Errorf("%w: %w", ErrSelfTestFailed, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	g.mu.Lock()
	g.started = true
	g.cancel = cancel
	for ch, url := range urls {
		acct := accts[ch]
		c := newChannel(ch, url, acct.APIKey, acct.APISecret, g.cfg, g.dial, g.logger)
		g.channels[ch] = c
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			c.run(runCtx)
		}()
	}
	g.mu.Unlock()

	g.logger.Info("stream gateway started",
		"equities_ws", g.upstream.EquitiesWS, "options_ws", g.upstream.OptionsWS)
	return nil
}

// selfTest proves the transport, credentials, and codec against the
// canary stream: connect, authenticate, subscribe to the canary symbol,
// and receive at least one decodable data frame.
func (g *gateway) selfTest(ctx context.Context, acct account.Account) error {
	g.logger.Info("running startup self-test",
		"url", g.upstream.TestWS, "canary", g.upstream.CanarySymbol)

	ctx, cancel := context.WithTimeout(ctx, g.cfg.SelfTestTimeout)
	defer cancel()

	// The canary stream speaks the text format.
	c := newChannel(protocol.ChannelTest, g.upstream.TestWS, acct.APIKey, acct.APISecret,
		g.cfg, g.dial, g.logger)
	c.setState(StateSelfTesting)

	client := g.dial(ws.ClientConfig{
		URL:          g.upstream.TestWS,
		PingTimeout:  g.cfg.HeartbeatTimeout,
		WriteTimeout: 5 * time.Second,
		BufferSize:   g.cfg.SubscriberQueueSize,
	}, g.logger)

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("dial canary stream: %w", err)
	}
	defer client.Close()

	if err := c.authenticate(ctx, client); err != nil {
		return err
	}
	if err := c.subscribeBatch(ctx, client, []string{g.upstream.CanarySymbol}, nil); err != nil {
		return err
	}

	// One live canary data frame proves the full pipeline.
	msg, err := c.awaitAck(ctx, client, protocol.KindQuote)
	if err != nil {
		return fmt.Errorf("waiting for canary data: %w", err)
	}
	if msg.Kind == protocol.KindError {
		return fmt.Errorf("canary stream error %d: %s", msg.Error.Code, msg.Error.Message)
	}
	if msg.Quote == nil || msg.Quote.Symbol != g.upstream.CanarySymbol {
		return fmt.Errorf("canary frame carried unexpected payload")
	}

	g.logger.Info("self-test passed")
	return nil
}

// Stop shuts the gateway down cooperatively.
func (g *gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.started || g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	cancel := g.cancel
	channels := make([]*channel, 0, len(g.channels))
	for _, c := range g.channels {
		channels = append(channels, c)
	}
	g.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("shutdown deadline reached before channels drained")
	}

	for _, c := range channels {
		c.fan.removeAll()
	}

	g.logger.Info("stream gateway stopped")
	return nil
}

// Subscribe registers a (symbol, kind) interest and returns its handle.
func (g *gateway) Subscribe(symbol string, kind DataKind) (*Subscription, error) {
	if symbol == "" {
		return nil, fmt.Errorf("empty symbol")
	}
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}

	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return nil, ErrNotStarted
	}
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	c := g.channels[kind.channel()]
	g.mu.Unlock()

	sub := &Subscription{
		ID:     uuid.New(),
		Symbol: symbol,
		Kind:   kind,
		events: make(chan Event, g.cfg.SubscriberQueueSize),
	}
	c.fan.add(sub)
	c.addInterest(symbol, kind.wantsQuotes())

	g.logger.Debug("subscription added",
		"id", sub.ID, "symbol", symbol, "kind", kind.String())
	return sub, nil
}

// Unsubscribe removes a subscription; the upstream symbol is dropped when
// no other subscriber wants it.
func (g *gateway) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("nil subscription")
	}

	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return ErrNotStarted
	}
	c := g.channels[sub.Kind.channel()]
	g.mu.Unlock()

	if !c.fan.remove(sub.ID) {
		return fmt.Errorf("subscription %s not found", sub.ID)
	}
	if c.fan.refs(sub.Symbol, sub.Kind.wantsQuotes()) == 0 {
		c.removeInterest(sub.Symbol, sub.Kind.wantsQuotes())
	}

	g.logger.Debug("subscription removed", "id", sub.ID, "symbol", sub.Symbol)
	return nil
}

// Status returns per-channel snapshots sorted by channel name.
func (g *gateway) Status() []ChannelStatus {
	g.mu.Lock()
	channels := make([]*channel, 0, len(g.channels))
	for _, c := range g.channels {
		channels = append(channels, c)
	}
	g.mu.Unlock()

	statuses := make([]ChannelStatus, 0, len(channels))
	for _, c := range channels {
		statuses = append(statuses, c.status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Channel < statuses[j].Channel
	})
	return statuses
}
