package wire

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	// subscriberTTL is how long a feed subscriber stays registered after its
	// last datagram. Clients keep their slot alive with heartbeats.
	subscriberTTL = 30 * time.Second

	feedTick = 1 * time.Second
)

// Feed is the UDP market-data fan-out. Any datagram received on the bound
// socket registers its source address as a subscriber; the feed then pushes
// book deltas and fills to every live subscriber on its own packet stream.
type Feed struct {
	conn     net.PacketConn
	log      *slog.Logger
	streamID uint32

	mu   sync.Mutex
	subs map[string]*subscriber
}

type subscriber struct {
	sender   *Sender
	lastSeen time.Time
}

// ListenFeed binds the feed socket.
func ListenFeed(bindAddr string, streamID uint32, log *slog.Logger) (*Feed, error) {
	conn, err := net.ListenPacket("udp", bindAddr)
	if err != nil {
		return nil, err
	}
	return &Feed{
		conn:     conn,
		log:      log.With("component", "feed", "addr", conn.LocalAddr().String()),
		streamID: streamID,
		subs:     make(map[string]*subscriber),
	}, nil
}

// Run reads subscription datagrams and maintains subscriber liveness until
// the context ends.
func (f *Feed) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		f.conn.Close()
	}()
	go f.maintain(ctx)

	buf := make([]byte, MaxMTU)
	for {
		n, addr, err := f.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		f.touch(addr, buf[:n])
	}
}

// PublishDelta pushes one book delta to every subscriber.
func (f *Feed) PublishDelta(msg BookDeltaMsg) {
	payload, err := msg.Encode()
	if err != nil {
		f.log.Error("encode delta", "error", err)
		return
	}
	f.each(MsgBookDelta, payload)
}

// PublishFill pushes one fill to every subscriber.
func (f *Feed) PublishFill(msg FillMsg) {
	payload, err := msg.Encode()
	if err != nil {
		f.log.Error("encode fill", "error", err)
		return
	}
	f.each(MsgFill, payload)
}

func (f *Feed) each(msgType MsgType, payload []byte) {
	f.mu.Lock()
	senders := make([]*Sender, 0, len(f.subs))
	for _, sub := range f.subs {
		senders = append(senders, sub.sender)
	}
	f.mu.Unlock()

	for _, s := range senders {
		if err := s.Send(msgType, payload); err != nil {
			f.log.Warn("feed send failed", "error", err)
		}
	}
}

// touch registers or refreshes the subscriber behind addr. The datagram body
// only has to parse as a valid packet; its messages are ignored.
func (f *Feed) touch(addr net.Addr, buf []byte) {
	if _, err := ParsePacket(buf); err != nil {
		f.log.Warn("bad subscription packet", "from", addr.String(), "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := addr.String()
	if sub, ok := f.subs[key]; ok {
		sub.lastSeen = time.Now()
		return
	}
	f.subs[key] = &subscriber{
		sender:   NewSender(f.conn, addr, f.streamID),
		lastSeen: time.Now(),
	}
	f.log.Info("subscriber joined", "from", key, "total", len(f.subs))
}

// maintain prunes idle subscribers and keeps live ones fed with heartbeats.
func (f *Feed) maintain(ctx context.Context) {
	ticker := time.NewTicker(feedTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			f.mu.Lock()
			senders := make([]*Sender, 0, len(f.subs))
			for key, sub := range f.subs {
				if now.Sub(sub.lastSeen) > subscriberTTL {
					delete(f.subs, key)
					f.log.Info("subscriber expired", "from", key, "total", len(f.subs))
					continue
				}
				senders = append(senders, sub.sender)
			}
			f.mu.Unlock()

			for _, s := range senders {
				if err := s.Heartbeat(); err != nil {
					f.log.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}
}
