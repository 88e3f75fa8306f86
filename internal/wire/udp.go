package wire

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Sender serialises messages into MTU-bounded packets on one stream and
// writes them to a UDP peer. Messages queue into the current packet until it
// fills or Flush is called; packet and message sequences advance
// monotonically so receivers can detect loss.
type Sender struct {
	mu   sync.Mutex
	conn net.PacketConn
	addr net.Addr

	streamID  uint32
	packetSeq uint64
	msgSeq    uint64
	builder   *PacketBuilder
}

// NewSender creates a sender for one (conn, peer, stream) triple.
func NewSender(conn net.PacketConn, addr net.Addr, streamID uint32) *Sender {
	return &Sender{conn: conn, addr: addr, streamID: streamID}
}

// Queue appends one message to the outgoing packet, flushing first when it
// would not fit.
func (s *Sender) Queue(msgType MsgType, payload []byte) error {
	if MessageHeaderLen+len(payload) > MaxPayload {
		return ErrMessageTooBig
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.builder == nil {
		s.builder = NewPacketBuilder(s.streamID, s.packetSeq, s.msgSeq)
	}
	if !s.builder.TryAdd(msgType, payload) {
		if err := s.flushLocked(); err != nil {
			return err
		}
		s.builder = NewPacketBuilder(s.streamID, s.packetSeq, s.msgSeq)
		s.builder.TryAdd(msgType, payload)
	}
	return nil
}

// Send queues one message and flushes immediately.
func (s *Sender) Send(msgType MsgType, payload []byte) error {
	if err := s.Queue(msgType, payload); err != nil {
		return err
	}
	return s.Flush()
}

// Flush writes the pending packet, if any.
func (s *Sender) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Sender) flushLocked() error {
	if s.builder == nil || s.builder.Empty() {
		return nil
	}
	count := uint64(s.builder.Count())
	if _, err := s.conn.WriteTo(s.builder.Finish(), s.addr); err != nil {
		return fmt.Errorf("wire: send to %s: %w", s.addr, err)
	}
	s.packetSeq++
	s.msgSeq += count
	s.builder = nil
	return nil
}

// Heartbeat announces the current stream position without carrying messages.
func (s *Sender) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flushLocked(); err != nil {
		return err
	}
	if _, err := s.conn.WriteTo(Heartbeat(s.streamID, s.packetSeq, s.msgSeq), s.addr); err != nil {
		return fmt.Errorf("wire: heartbeat to %s: %w", s.addr, err)
	}
	s.packetSeq++
	return nil
}

// GapFunc is invoked when a receiver observes a packet sequence jump.
type GapFunc func(streamID uint32, expected, got uint64)

// Receiver parses inbound datagrams and tracks per-stream packet sequences.
// Duplicate and reordered packets older than the high-water mark are
// dropped; gaps invoke onGap so the consumer can resync.
type Receiver struct {
	mu      sync.Mutex
	nextSeq map[uint32]uint64
	onGap   GapFunc
	log     *slog.Logger
}

// NewReceiver creates a receiver. onGap may be nil.
func NewReceiver(onGap GapFunc, log *slog.Logger) *Receiver {
	return &Receiver{
		nextSeq: make(map[uint32]uint64),
		onGap:   onGap,
		log:     log,
	}
}

// Accept parses one datagram. It returns ok=false for packets that should be
// ignored (duplicates or stale reordering); heartbeats are returned with an
// empty message list so the caller can refresh liveness.
func (r *Receiver) Accept(buf []byte) (Packet, bool, error) {
	pkt, err := ParsePacket(buf)
	if err != nil {
		return Packet{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next, seen := r.nextSeq[pkt.Header.StreamID]
	seq := pkt.Header.PacketSeq
	if seen && seq < next {
		return Packet{}, false, nil
	}
	if seen && seq > next {
		if r.onGap != nil {
			r.onGap(pkt.Header.StreamID, next, seq)
		}
		r.log.Warn("packet gap",
			"stream_id", pkt.Header.StreamID,
			"expected", next,
			"got", seq)
	}
	r.nextSeq[pkt.Header.StreamID] = seq + 1
	return pkt, true, nil
}
