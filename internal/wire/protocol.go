// Package wire implements the engine's datagram protocol: fixed-size
// little-endian framing with a 24-byte packet header carrying up to MTU
// worth of length-prefixed messages. A packet with msg_count 0 is a
// heartbeat.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	ProtocolVersion  = 1
	PacketHeaderLen  = 24
	MessageHeaderLen = 4
	MaxMTU           = 1400
	MaxPayload       = MaxMTU - PacketHeaderLen
)

// MsgType identifies a message within a packet.
type MsgType uint8

const (
	MsgPlace     MsgType = 0x01
	MsgCancel    MsgType = 0x02
	MsgAck       MsgType = 0x03
	MsgAccepted  MsgType = 0x10
	MsgRejected  MsgType = 0x11
	MsgFill      MsgType = 0x12
	MsgCancelled MsgType = 0x13
	MsgBookDelta MsgType = 0x20
)

func (t MsgType) String() string {
	switch t {
	case MsgPlace:
		return "place"
	case MsgCancel:
		return "cancel"
	case MsgAck:
		return "ack"
	case MsgAccepted:
		return "accepted"
	case MsgRejected:
		return "rejected"
	case MsgFill:
		return "fill"
	case MsgCancelled:
		return "cancelled"
	case MsgBookDelta:
		return "book_delta"
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

var (
	ErrBufferTooSmall = errors.New("wire: buffer too small")
	ErrBadVersion     = errors.New("wire: unsupported protocol version")
	ErrBadHeaderLen   = errors.New("wire: unexpected header length")
	ErrTruncated      = errors.New("wire: truncated packet")
	ErrMessageTooBig  = errors.New("wire: message exceeds packet capacity")
	ErrUnknownType    = errors.New("wire: unknown message type")
)

// PacketHeader is the fixed 24-byte preamble of every datagram.
//
//	0  - 1   version        u8
//	1  - 2   header_len     u8
//	2  - 4   msg_count      u16
//	4  - 8   stream_id      u32
//	8  - 16  packet_seq     u64
//	16 - 24  first_msg_seq  u64
type PacketHeader struct {
	Version     uint8
	HeaderLen   uint8
	MsgCount    uint16
	StreamID    uint32
	PacketSeq   uint64
	FirstMsgSeq uint64
}

// IsHeartbeat reports whether the packet carries no messages.
func (h PacketHeader) IsHeartbeat() bool {
	return h.MsgCount == 0
}

func (h PacketHeader) writeTo(buf []byte) {
	buf[0] = h.Version
	buf[1] = h.HeaderLen
	binary.LittleEndian.PutUint16(buf[2:4], h.MsgCount)
	binary.LittleEndian.PutUint32(buf[4:8], h.StreamID)
	binary.LittleEndian.PutUint64(buf[8:16], h.PacketSeq)
	binary.LittleEndian.PutUint64(buf[16:24], h.FirstMsgSeq)
}

func readPacketHeader(buf []byte) (PacketHeader, error) {
	if len(buf) < PacketHeaderLen {
		return PacketHeader{}, ErrBufferTooSmall
	}
	h := PacketHeader{
		Version:     buf[0],
		HeaderLen:   buf[1],
		MsgCount:    binary.LittleEndian.Uint16(buf[2:4]),
		StreamID:    binary.LittleEndian.Uint32(buf[4:8]),
		PacketSeq:   binary.LittleEndian.Uint64(buf[8:16]),
		FirstMsgSeq: binary.LittleEndian.Uint64(buf[16:24]),
	}
	if h.Version != ProtocolVersion {
		return PacketHeader{}, fmt.Errorf("%w: got %d", ErrBadVersion, h.Version)
	}
	if h.HeaderLen != PacketHeaderLen {
		return PacketHeader{}, fmt.Errorf("%w: got %d", ErrBadHeaderLen, h.HeaderLen)
	}
	return h, nil
}

// RawMessage is one framed message, payload not yet decoded. Seq is the
// per-stream message sequence derived from the packet's first_msg_seq.
type RawMessage struct {
	Type    MsgType
	Flags   uint8
	Payload []byte
	Seq     uint64
}

// Packet is a parsed datagram.
type Packet struct {
	Header   PacketHeader
	Messages []RawMessage
}

// ParsePacket decodes one datagram. The returned payloads alias buf.
func ParsePacket(buf []byte) (Packet, error) {
	header, err := readPacketHeader(buf)
	if err != nil {
		return Packet{}, err
	}

	msgs := make([]RawMessage, 0, header.MsgCount)
	offset := PacketHeaderLen
	for i := uint16(0); i < header.MsgCount; i++ {
		if offset+MessageHeaderLen > len(buf) {
			return Packet{}, ErrTruncated
		}
		msgType := MsgType(buf[offset])
		flags := buf[offset+1]
		msgLen := int(binary.LittleEndian.Uint16(buf[offset+2 : offset+4]))
		offset += MessageHeaderLen

		if offset+msgLen > len(buf) {
			return Packet{}, ErrTruncated
		}
		msgs = append(msgs, RawMessage{
			Type:    msgType,
			Flags:   flags,
			Payload: buf[offset : offset+msgLen],
			Seq:     header.FirstMsgSeq + uint64(i),
		})
		offset += msgLen
	}

	return Packet{Header: header, Messages: msgs}, nil
}

// PacketBuilder accumulates messages into a single MTU-bounded datagram.
type PacketBuilder struct {
	buf    []byte
	offset int
	count  uint16

	streamID    uint32
	packetSeq   uint64
	firstMsgSeq uint64
}

// NewPacketBuilder starts an empty packet for the given stream position.
func NewPacketBuilder(streamID uint32, packetSeq, firstMsgSeq uint64) *PacketBuilder {
	return &PacketBuilder{
		buf:         make([]byte, MaxMTU),
		offset:      PacketHeaderLen,
		streamID:    streamID,
		packetSeq:   packetSeq,
		firstMsgSeq: firstMsgSeq,
	}
}

func (b *PacketBuilder) Remaining() int {
	return MaxMTU - b.offset
}

func (b *PacketBuilder) Empty() bool {
	return b.count == 0
}

func (b *PacketBuilder) Count() uint16 {
	return b.count
}

// TryAdd appends one message. Returns false when it doesn't fit; the caller
// flushes and retries in the next packet.
func (b *PacketBuilder) TryAdd(msgType MsgType, payload []byte) bool {
	if MessageHeaderLen+len(payload) > b.Remaining() {
		return false
	}
	b.buf[b.offset] = byte(msgType)
	b.buf[b.offset+1] = 0
	binary.LittleEndian.PutUint16(b.buf[b.offset+2:b.offset+4], uint16(len(payload)))
	b.offset += MessageHeaderLen

	copy(b.buf[b.offset:], payload)
	b.offset += len(payload)
	b.count++
	return true
}

// Finish writes the header and returns the wire bytes.
func (b *PacketBuilder) Finish() []byte {
	header := PacketHeader{
		Version:     ProtocolVersion,
		HeaderLen:   PacketHeaderLen,
		MsgCount:    b.count,
		StreamID:    b.streamID,
		PacketSeq:   b.packetSeq,
		FirstMsgSeq: b.firstMsgSeq,
	}
	header.writeTo(b.buf)
	return b.buf[:b.offset]
}

// Heartbeat builds a header-only packet announcing the stream position, so
// receivers can detect gaps during idle periods.
func Heartbeat(streamID uint32, packetSeq, nextMsgSeq uint64) []byte {
	buf := make([]byte, PacketHeaderLen)
	header := PacketHeader{
		Version:     ProtocolVersion,
		HeaderLen:   PacketHeaderLen,
		StreamID:    streamID,
		PacketSeq:   packetSeq,
		FirstMsgSeq: nextMsgSeq,
	}
	header.writeTo(buf)
	return buf
}
