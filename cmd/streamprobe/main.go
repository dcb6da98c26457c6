// streamprobe connects to the upstream market-data streams and prints
// normalized events to the console. It exercises the full path: self-test,
// auth, subscribe, decode, fan-out.
//
// Usage: go run ./cmd/streamprobe --config configs/gateway.local.yaml --symbols AAPL,MSFT
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"brokergate/internal/account"
	"brokergate/internal/config"
	"brokergate/internal/pool"
	"brokergate/internal/route"
	"brokergate/internal/session"
	"brokergate/internal/stream"
)

func main() {
	configPath := flag.String("config", "configs/gateway.example.yaml", "path to config file")
	symbols := flag.String("symbols", "FAKEPACA", "comma-separated symbols to subscribe")
	trades := flag.Bool("trades", false, "subscribe to trades instead of quotes")
	options := flag.Bool("options", false, "subscribe on the options channel")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	registry, err := account.Load(cfg.Accounts.Entries, logger)
	if err != nil {
		logger.Error("failed to load accounts", "error", err)
		os.Exit(1)
	}

	// The probe only streams; the pool is never warmed, the router just
	// picks the streaming credential set.
	factory := func(acct account.Account) pool.Session {
		return session.NewClient(cfg.Upstream.RestURL, acct.APIKey, acct.APISecret)
	}
	p := pool.New(pool.Config{}, registry, factory, logger)

	strategy, err := route.ParseStrategy(cfg.Routing.Strategy)
	if err != nil {
		logger.Error("invalid routing strategy", "error", err)
		os.Exit(1)
	}
	router := route.New(registry, p, strategy, logger)

	gw := stream.NewGateway(cfg.Upstream, cfg.Stream, router, logger)
	if err := gw.Start(ctx); err != nil {
		logger.Error("stream gateway failed to start", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		gw.Stop(shutdownCtx)
	}()

	kind := stream.EquityQuotes
	switch {
	case *options && *trades:
		kind = stream.OptionTrades
	case *options:
		kind = stream.OptionQuotes
	case *trades:
		kind = stream.EquityTrades
	}

	for _, symbol := range strings.Split(*symbols, ",") {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		sub, err := gw.Subscribe(symbol, kind)
		if err != nil {
			logger.Error("subscribe failed", "symbol", symbol, "error", err)
			os.Exit(1)
		}
		logger.Info("subscribed", "id", sub.ID, "symbol", symbol, "kind", kind.String())

		go func(sub *stream.Subscription) {
			for ev := range sub.Events() {
				switch {
				case ev.Quote != nil:
					logger.Info("quote",
						"symbol", ev.Quote.Symbol,
						"bid", ev.Quote.BidPrice,
						"ask", ev.Quote.AskPrice,
						"ts", ev.Quote.Timestamp,
					)
				case ev.Trade != nil:
					logger.Info("trade",
						"symbol", ev.Trade.Symbol,
						"price", ev.Trade.Price,
						"size", ev.Trade.Size,
						"ts", ev.Trade.Timestamp,
					)
				}
			}
		}(sub)
	}

	<-ctx.Done()
	logger.Info("streamprobe stopped")
}
