package main

import (
	"context"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/kcnex/core/internal/wire"
)

// feedKeepalive is how often the watcher refreshes its subscription; the
// feed drops subscribers idle for 30 seconds.
const feedKeepalive = 10 * time.Second

// watchFeed subscribes to a running engine's UDP market-data feed and logs
// every decoded message until interrupted. Packet gaps are reported so an
// operator can see loss on the path.
func watchFeed(addr string, logger *slog.Logger) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	sender := wire.NewSender(conn, raddr, 0)
	if err := sender.Heartbeat(); err != nil {
		return err
	}
	go func() {
		ticker := time.NewTicker(feedKeepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := sender.Heartbeat(); err != nil {
					logger.Warn("keepalive failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	recv := wire.NewReceiver(func(streamID uint32, expected, got uint64) {
		logger.Warn("packet gap",
			slog.Uint64("stream_id", uint64(streamID)),
			slog.Uint64("expected", expected),
			slog.Uint64("got", got))
	}, logger)

	logger.Info("watching feed", slog.String("addr", raddr.String()))
	buf := make([]byte, wire.MaxMTU)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		pkt, ok, err := recv.Accept(buf[:n])
		if err != nil {
			logger.Warn("bad packet", slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		for _, msg := range pkt.Messages {
			logFeedMessage(logger, msg)
		}
	}
}

func logFeedMessage(logger *slog.Logger, msg wire.RawMessage) {
	switch msg.Type {
	case wire.MsgBookDelta:
		m, err := wire.DecodeBookDelta(msg.Payload)
		if err != nil {
			logger.Warn("bad book delta", slog.String("error", err.Error()))
			return
		}
		logger.Info("book_delta",
			slog.Uint64("seq", m.Seq),
			slog.Int("levels", len(m.Levels)),
			slog.String("total_bid", m.TotalBid.String()),
			slog.String("total_ask", m.TotalAsk.String()))
	case wire.MsgFill:
		m, err := wire.DecodeFill(msg.Payload)
		if err != nil {
			logger.Warn("bad fill", slog.String("error", err.Error()))
			return
		}
		logger.Info("fill",
			slog.String("fill_id", m.FillID()),
			slog.String("price", m.Price.String()),
			slog.String("quantity", m.Quantity.String()),
			slog.String("taker_side", string(m.TakerSide)))
	case wire.MsgAck:
		m, err := wire.DecodeAck(msg.Payload)
		if err != nil {
			logger.Warn("bad ack", slog.String("error", err.Error()))
			return
		}
		logger.Info("ack", slog.Uint64("packet_seq", m.PacketSeq))
	default:
		logger.Info("message",
			slog.String("type", msg.Type.String()),
			slog.Uint64("seq", msg.Seq))
	}
}
