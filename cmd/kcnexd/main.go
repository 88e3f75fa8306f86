package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/kcnex/core/internal/book"
	"github.com/kcnex/core/internal/config"
	"github.com/kcnex/core/internal/coordinator"
	"github.com/kcnex/core/internal/domain"
	"github.com/kcnex/core/internal/engine"
	"github.com/kcnex/core/internal/gateway"
	"github.com/kcnex/core/internal/handler"
	"github.com/kcnex/core/internal/ledger"
	"github.com/kcnex/core/internal/store"
	"github.com/kcnex/core/internal/stream"
	"github.com/kcnex/core/internal/wire"
)

// feeAccountID collects exchange fees. It has to be stable across restarts
// so replayed fee entries land on the same account.
var feeAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000fee")

// feedStreamID identifies the UDP market-data stream.
const feedStreamID = 1

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	watch := flag.String("watch", "", "Subscribe to a UDP market-data feed at this address and log decoded messages")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Handle -watch flag: run as a feed subscriber instead of a server.
	if *watch != "" {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		if err := watchFeed(*watch, logger); err != nil {
			logger.Error("feed watch failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	// Load configuration. A .env file is optional.
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Set up slog logger with configured level.
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Open the journal and rebuild state from it.
	journal, err := store.OpenJournal(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open journal", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer journal.Close()

	led := ledger.New(ledger.FeeSchedule{
		MakerBps: cfg.MakerFeeBps,
		TakerBps: cfg.TakerFeeBps,
	}, feeAccountID, journal)

	if err := journal.ReplayEntries(func(e ledger.Entry) error {
		led.RestoreEntry(e)
		return nil
	}); err != nil {
		logger.Error("entry replay failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := journal.ReplayTrades(func(t ledger.Trade) error {
		led.RestoreTrade(t)
		return nil
	}); err != nil {
		logger.Error("trade replay failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	orders := store.NewOrderStore(journal)
	if err := journal.ReplayOrders(func(o domain.ClientOrder) error {
		orders.Restore(o)
		return nil
	}); err != nil {
		logger.Error("order replay failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Seed the fill id sequence above everything already settled, so ids
	// stay unique across restarts.
	var startTradeSeq uint64
	for _, fillID := range led.FillIDs() {
		if seq, ok := book.FillSeq(fillID); ok && seq > startTradeSeq {
			startTradeSeq = seq
		}
	}

	eng := engine.New(engine.Config{
		Symbol:          cfg.Symbol,
		PublishInterval: cfg.PublishInterval,
		Depth:           cfg.Depth,
		StartTradeSeq:   startTradeSeq,
	}, logger)

	coord := coordinator.New(coordinator.Config{
		Symbol:          cfg.Symbol,
		LockSlippagePct: cfg.LockSlippagePct,
		CommandTimeout:  cfg.CommandTimeout,
		MaxRetries:      cfg.MaxRetries,
	}, led, orders, eng, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// WebSocket hub and gateway.
	hub := gateway.NewHub(logger)
	go hub.Run(ctx)

	gwDeltas := make(chan engine.BookDelta, 64)
	gw := gateway.New(hub, marketSource{deltas: gwDeltas, eng: eng},
		cfg.Symbol.String(), cfg.Depth, cfg.PublishInterval, logger)
	go gw.Run(ctx)
	coord.SetNotifier(gw)

	// Optional UDP market-data feed.
	var feed *wire.Feed
	if cfg.BindAddr != "" {
		feed, err = wire.ListenFeed(cfg.BindAddr, feedStreamID, logger)
		if err != nil {
			logger.Error("failed to bind feed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		go func() {
			if err := feed.Run(ctx); err != nil {
				logger.Error("feed stopped", slog.String("error", err.Error()))
			}
		}()
	}

	// Optional Kafka broadcaster.
	var bcast *stream.Broadcaster
	if cfg.EventTopic != "" {
		bcast = stream.New(cfg.KafkaBrokers, cfg.EventTopic, logger)
		defer bcast.Close()
	}

	coord.SetTradeSink(func(t ledger.Trade) {
		if bcast != nil {
			bcast.PublishTrade(ctx, t)
		}
		if feed != nil {
			if msg, ok := fillMsgFromTrade(t); ok {
				feed.PublishFill(msg)
			}
		}
	})

	// Fan the engine's delta stream out to the gateway, feed and
	// broadcaster. The gateway resyncs from a snapshot if it falls behind.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-eng.Deltas():
				select {
				case gwDeltas <- d:
				default:
				}
				if feed != nil {
					feed.PublishDelta(deltaMsgFrom(d))
				}
				if bcast != nil {
					bcast.PublishDelta(ctx, d)
				}
			}
		}
	}()

	eng.Start(ctx)

	// Resolve orders that were in flight when the previous process died,
	// then start consuming engine events.
	if err := coord.Recover(ctx); err != nil {
		logger.Error("recovery failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	go func() {
		if err := coord.Run(ctx); err != nil {
			logger.Error("coordinator stopped", slog.String("error", err.Error()))
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case dl := <-coord.DeadLetters():
				logger.Error("settlement needs operator attention",
					slog.String("fill_id", dl.FillID),
					slog.String("error", dl.Err.Error()))
			}
		}
	}()

	// Router.
	router := handler.NewRouter(coord, orders, led, eng, hub, logger)

	// Configure HTTP server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Start HTTP server in a goroutine.
	go func() {
		logger.Info("server starting",
			slog.String("addr", addr),
			slog.String("symbol", cfg.Symbol.String()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Graceful shutdown: stop HTTP server, then the engine, then everything
	// hanging off the context.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	if err := eng.Stop(); err != nil {
		logger.Error("engine shutdown error", slog.String("error", err.Error()))
	}
	cancel()

	logger.Info("server stopped")
}

// marketSource adapts the fanned-out delta channel plus the engine's
// snapshot endpoint to the gateway's view of market data.
type marketSource struct {
	deltas <-chan engine.BookDelta
	eng    *engine.Service
}

func (m marketSource) Deltas() <-chan engine.BookDelta {
	return m.deltas
}

func (m marketSource) Snapshot(ctx context.Context) (engine.Snapshot, error) {
	return m.eng.Snapshot(ctx)
}

func deltaMsgFrom(d engine.BookDelta) wire.BookDeltaMsg {
	msg := wire.BookDeltaMsg{
		Seq:      d.Seq,
		Time:     d.Time,
		TotalBid: d.TotalBid,
		TotalAsk: d.TotalAsk,
		Levels:   make([]wire.DeltaLevel, 0, len(d.BidChanges)+len(d.AskChanges)),
	}
	for _, c := range d.BidChanges {
		msg.Levels = append(msg.Levels, wire.DeltaLevel{Side: domain.SideBid, Price: c.Price, Quantity: c.New})
	}
	for _, c := range d.AskChanges {
		msg.Levels = append(msg.Levels, wire.DeltaLevel{Side: domain.SideAsk, Price: c.Price, Quantity: c.New})
	}
	return msg
}

func fillMsgFromTrade(t ledger.Trade) (wire.FillMsg, bool) {
	var buyEng, sellEng, seq uint64
	if _, err := fmt.Sscanf(t.FillID, "%d:%d:%d", &buyEng, &sellEng, &seq); err != nil {
		return wire.FillMsg{}, false
	}
	return wire.FillMsg{
		BuyEngineID:    buyEng,
		SellEngineID:   sellEng,
		TradeSeq:       seq,
		BuyExternalID:  t.BuyOrderID,
		SellExternalID: t.SellOrderID,
		Price:          t.Price,
		Quantity:       t.Quantity,
		TakerSide:      t.TakerSide,
		Time:           t.SettledAt,
	}, true
}
