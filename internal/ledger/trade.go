package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcnex/core/internal/domain"
)

// FeeSchedule is the maker/taker fee rate in basis points. The maker is the
// resting side of a fill; the taker is the incoming side.
type FeeSchedule struct {
	MakerBps int64
	TakerBps int64
}

func (f FeeSchedule) makerRate() decimal.Decimal {
	return decimal.New(f.MakerBps, -4)
}

func (f FeeSchedule) takerRate() decimal.Decimal {
	return decimal.New(f.TakerBps, -4)
}

// Trade is the persisted settlement record for one fill. Participant ids are
// Nil for anonymous (bot) counterparties whose balances are not tracked
// here. FillID is unique: a duplicate settlement is a no-op returning the
// existing row.
type Trade struct {
	ID          uuid.UUID
	Symbol      string
	BuyOrderID  uuid.UUID
	SellOrderID uuid.UUID
	BuyerID     uuid.UUID
	SellerID    uuid.UUID
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	BuyerFee    decimal.Decimal // charged in the base asset
	SellerFee   decimal.Decimal // charged in the quote asset
	TakerSide   domain.Side
	FillID      string
	SettledAt   time.Time
}
