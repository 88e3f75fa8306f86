package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcnex/core/internal/domain"
)

// Fixed little-endian payload layouts. Sides are 0 (bid) / 1 (ask), kinds
// 0 (limit) / 1 (market); timestamps are unix microseconds.

const (
	sideBid uint8 = 0
	sideAsk uint8 = 1

	kindLimit  uint8 = 0
	kindMarket uint8 = 1
)

// RejectReason travels in Rejected payloads.
type RejectReason uint8

const (
	RejectInvalid  RejectReason = 0
	RejectSlippage RejectReason = 1
	RejectOverload RejectReason = 2
)

func encodeSide(s domain.Side) uint8 {
	if s == domain.SideAsk {
		return sideAsk
	}
	return sideBid
}

func decodeSide(b uint8) (domain.Side, error) {
	switch b {
	case sideBid:
		return domain.SideBid, nil
	case sideAsk:
		return domain.SideAsk, nil
	}
	return "", fmt.Errorf("wire: invalid side byte 0x%02x", b)
}

// PlaceMsg submits an order to the engine.
// Layout: external_id 16 | side 1 | kind 1 | price 16 | qty 16 | max_slippage 16.
type PlaceMsg struct {
	ExternalID  uuid.UUID
	Side        domain.Side
	Kind        domain.OrderKind
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	MaxSlippage decimal.Decimal
}

const placeLen = 16 + 1 + 1 + 3*decimalLen

func (m PlaceMsg) Encode() ([]byte, error) {
	buf := make([]byte, placeLen)
	copy(buf[0:16], m.ExternalID[:])
	buf[16] = encodeSide(m.Side)
	if m.Kind == domain.OrderKindMarket {
		buf[17] = kindMarket
	} else {
		buf[17] = kindLimit
	}
	if err := putDecimal(buf[18:34], m.Price); err != nil {
		return nil, err
	}
	if err := putDecimal(buf[34:50], m.Quantity); err != nil {
		return nil, err
	}
	if err := putDecimal(buf[50:66], m.MaxSlippage); err != nil {
		return nil, err
	}
	return buf, nil
}

func DecodePlace(payload []byte) (PlaceMsg, error) {
	if len(payload) != placeLen {
		return PlaceMsg{}, fmt.Errorf("%w: place payload %d bytes", ErrTruncated, len(payload))
	}
	var m PlaceMsg
	copy(m.ExternalID[:], payload[0:16])
	side, err := decodeSide(payload[16])
	if err != nil {
		return PlaceMsg{}, err
	}
	m.Side = side
	switch payload[17] {
	case kindLimit:
		m.Kind = domain.OrderKindLimit
	case kindMarket:
		m.Kind = domain.OrderKindMarket
	default:
		return PlaceMsg{}, fmt.Errorf("wire: invalid kind byte 0x%02x", payload[17])
	}
	m.Price = getDecimal(payload[18:34])
	m.Quantity = getDecimal(payload[34:50])
	m.MaxSlippage = getDecimal(payload[50:66])
	return m, nil
}

// CancelMsg removes a resting order.
// Layout: external_id 16.
type CancelMsg struct {
	ExternalID uuid.UUID
}

const cancelLen = 16

func (m CancelMsg) Encode() ([]byte, error) {
	buf := make([]byte, cancelLen)
	copy(buf, m.ExternalID[:])
	return buf, nil
}

func DecodeCancel(payload []byte) (CancelMsg, error) {
	if len(payload) != cancelLen {
		return CancelMsg{}, fmt.Errorf("%w: cancel payload %d bytes", ErrTruncated, len(payload))
	}
	var m CancelMsg
	copy(m.ExternalID[:], payload)
	return m, nil
}

// AckMsg acknowledges receipt of a packet on a reliable stream.
// Layout: packet_seq 8.
type AckMsg struct {
	PacketSeq uint64
}

const ackLen = 8

func (m AckMsg) Encode() ([]byte, error) {
	buf := make([]byte, ackLen)
	binary.LittleEndian.PutUint64(buf, m.PacketSeq)
	return buf, nil
}

func DecodeAck(payload []byte) (AckMsg, error) {
	if len(payload) != ackLen {
		return AckMsg{}, fmt.Errorf("%w: ack payload %d bytes", ErrTruncated, len(payload))
	}
	return AckMsg{PacketSeq: binary.LittleEndian.Uint64(payload)}, nil
}

// AcceptedMsg reports admission, binding the external id to the engine id.
// Layout: external_id 16 | engine_id 8.
type AcceptedMsg struct {
	ExternalID uuid.UUID
	EngineID   uint64
}

const acceptedLen = 16 + 8

func (m AcceptedMsg) Encode() ([]byte, error) {
	buf := make([]byte, acceptedLen)
	copy(buf[0:16], m.ExternalID[:])
	binary.LittleEndian.PutUint64(buf[16:24], m.EngineID)
	return buf, nil
}

func DecodeAccepted(payload []byte) (AcceptedMsg, error) {
	if len(payload) != acceptedLen {
		return AcceptedMsg{}, fmt.Errorf("%w: accepted payload %d bytes", ErrTruncated, len(payload))
	}
	var m AcceptedMsg
	copy(m.ExternalID[:], payload[0:16])
	m.EngineID = binary.LittleEndian.Uint64(payload[16:24])
	return m, nil
}

// RejectedMsg reports refusal before any match.
// Layout: external_id 16 | reason 1.
type RejectedMsg struct {
	ExternalID uuid.UUID
	Reason     RejectReason
}

const rejectedLen = 16 + 1

func (m RejectedMsg) Encode() ([]byte, error) {
	buf := make([]byte, rejectedLen)
	copy(buf[0:16], m.ExternalID[:])
	buf[16] = byte(m.Reason)
	return buf, nil
}

func DecodeRejected(payload []byte) (RejectedMsg, error) {
	if len(payload) != rejectedLen {
		return RejectedMsg{}, fmt.Errorf("%w: rejected payload %d bytes", ErrTruncated, len(payload))
	}
	var m RejectedMsg
	copy(m.ExternalID[:], payload[0:16])
	m.Reason = RejectReason(payload[16])
	return m, nil
}

// FillMsg reports one match. The fill id is carried as its three components
// and reassembled with FillID().
// Layout: buy_engine 8 | sell_engine 8 | trade_seq 8 | buy_external 16 |
// sell_external 16 | price 16 | qty 16 | taker_side 1 | timestamp 8.
type FillMsg struct {
	BuyEngineID    uint64
	SellEngineID   uint64
	TradeSeq       uint64
	BuyExternalID  uuid.UUID
	SellExternalID uuid.UUID
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	TakerSide      domain.Side
	Time           time.Time
}

const fillLen = 3*8 + 2*16 + 2*decimalLen + 1 + 8

// FillID reassembles the deterministic fill identifier.
func (m FillMsg) FillID() string {
	return fmt.Sprintf("%d:%d:%d", m.BuyEngineID, m.SellEngineID, m.TradeSeq)
}

func (m FillMsg) Encode() ([]byte, error) {
	buf := make([]byte, fillLen)
	binary.LittleEndian.PutUint64(buf[0:8], m.BuyEngineID)
	binary.LittleEndian.PutUint64(buf[8:16], m.SellEngineID)
	binary.LittleEndian.PutUint64(buf[16:24], m.TradeSeq)
	copy(buf[24:40], m.BuyExternalID[:])
	copy(buf[40:56], m.SellExternalID[:])
	if err := putDecimal(buf[56:72], m.Price); err != nil {
		return nil, err
	}
	if err := putDecimal(buf[72:88], m.Quantity); err != nil {
		return nil, err
	}
	buf[88] = encodeSide(m.TakerSide)
	binary.LittleEndian.PutUint64(buf[89:97], uint64(m.Time.UnixMicro()))
	return buf, nil
}

func DecodeFill(payload []byte) (FillMsg, error) {
	if len(payload) != fillLen {
		return FillMsg{}, fmt.Errorf("%w: fill payload %d bytes", ErrTruncated, len(payload))
	}
	var m FillMsg
	m.BuyEngineID = binary.LittleEndian.Uint64(payload[0:8])
	m.SellEngineID = binary.LittleEndian.Uint64(payload[8:16])
	m.TradeSeq = binary.LittleEndian.Uint64(payload[16:24])
	copy(m.BuyExternalID[:], payload[24:40])
	copy(m.SellExternalID[:], payload[40:56])
	m.Price = getDecimal(payload[56:72])
	m.Quantity = getDecimal(payload[72:88])
	side, err := decodeSide(payload[88])
	if err != nil {
		return FillMsg{}, err
	}
	m.TakerSide = side
	m.Time = time.UnixMicro(int64(binary.LittleEndian.Uint64(payload[89:97])))
	return m, nil
}

// CancelledMsg reports removal, including market-order residuals.
// Layout: external_id 16 | filled_quantity 16.
type CancelledMsg struct {
	ExternalID     uuid.UUID
	FilledQuantity decimal.Decimal
}

const cancelledLen = 16 + decimalLen

func (m CancelledMsg) Encode() ([]byte, error) {
	buf := make([]byte, cancelledLen)
	copy(buf[0:16], m.ExternalID[:])
	if err := putDecimal(buf[16:32], m.FilledQuantity); err != nil {
		return nil, err
	}
	return buf, nil
}

func DecodeCancelled(payload []byte) (CancelledMsg, error) {
	if len(payload) != cancelledLen {
		return CancelledMsg{}, fmt.Errorf("%w: cancelled payload %d bytes", ErrTruncated, len(payload))
	}
	var m CancelledMsg
	copy(m.ExternalID[:], payload[0:16])
	m.FilledQuantity = getDecimal(payload[16:32])
	return m, nil
}

// DeltaLevel is one changed price level; a zero quantity removes the level.
type DeltaLevel struct {
	Side     domain.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// BookDeltaMsg carries the publisher's top-of-book diff.
// Layout: seq 8 | timestamp 8 | total_bid 16 | total_ask 16 | count 2 |
// count × (side 1 | price 16 | qty 16).
type BookDeltaMsg struct {
	Seq      uint64
	Time     time.Time
	TotalBid decimal.Decimal
	TotalAsk decimal.Decimal
	Levels   []DeltaLevel
}

const (
	bookDeltaFixedLen = 8 + 8 + 2*decimalLen + 2
	deltaLevelLen     = 1 + 2*decimalLen
)

func (m BookDeltaMsg) Encode() ([]byte, error) {
	buf := make([]byte, bookDeltaFixedLen+len(m.Levels)*deltaLevelLen)
	binary.LittleEndian.PutUint64(buf[0:8], m.Seq)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.Time.UnixMicro()))
	if err := putDecimal(buf[16:32], m.TotalBid); err != nil {
		return nil, err
	}
	if err := putDecimal(buf[32:48], m.TotalAsk); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint16(buf[48:50], uint16(len(m.Levels)))

	offset := bookDeltaFixedLen
	for _, lvl := range m.Levels {
		buf[offset] = encodeSide(lvl.Side)
		if err := putDecimal(buf[offset+1:offset+17], lvl.Price); err != nil {
			return nil, err
		}
		if err := putDecimal(buf[offset+17:offset+33], lvl.Quantity); err != nil {
			return nil, err
		}
		offset += deltaLevelLen
	}
	return buf, nil
}

func DecodeBookDelta(payload []byte) (BookDeltaMsg, error) {
	if len(payload) < bookDeltaFixedLen {
		return BookDeltaMsg{}, fmt.Errorf("%w: book delta payload %d bytes", ErrTruncated, len(payload))
	}
	var m BookDeltaMsg
	m.Seq = binary.LittleEndian.Uint64(payload[0:8])
	m.Time = time.UnixMicro(int64(binary.LittleEndian.Uint64(payload[8:16])))
	m.TotalBid = getDecimal(payload[16:32])
	m.TotalAsk = getDecimal(payload[32:48])
	count := int(binary.LittleEndian.Uint16(payload[48:50]))

	if len(payload) != bookDeltaFixedLen+count*deltaLevelLen {
		return BookDeltaMsg{}, fmt.Errorf("%w: book delta with %d levels", ErrTruncated, count)
	}
	m.Levels = make([]DeltaLevel, 0, count)
	offset := bookDeltaFixedLen
	for i := 0; i < count; i++ {
		side, err := decodeSide(payload[offset])
		if err != nil {
			return BookDeltaMsg{}, err
		}
		m.Levels = append(m.Levels, DeltaLevel{
			Side:     side,
			Price:    getDecimal(payload[offset+1 : offset+17]),
			Quantity: getDecimal(payload[offset+17 : offset+33]),
		})
		offset += deltaLevelLen
	}
	return m, nil
}
