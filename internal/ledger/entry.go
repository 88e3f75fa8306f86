package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryKind classifies a ledger posting.
type EntryKind string

const (
	EntryDeposit    EntryKind = "deposit"
	EntryWithdrawal EntryKind = "withdrawal"
	EntryLock       EntryKind = "lock"
	EntryUnlock     EntryKind = "unlock"
	EntryTrade      EntryKind = "trade"
	EntryFee        EntryKind = "fee"
)

// Entry is one immutable ledger row. Amount is the signed change to the
// user's AVAILABLE balance: a lock posts a negative amount (funds move to
// locked), an unlock posts the reverse. BalanceAfter is the available
// balance after the posting, so the sum of amounts per (user, asset) always
// equals the available balance.
type Entry struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Asset        string
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	Kind         EntryKind
	RefID        uuid.UUID // order or trade this posting belongs to; Nil when none
	CreatedAt    time.Time
}

// Balance is the cached (available, locked) pair per (user, asset), derived
// from the ledger. Both components are non-negative at all times; the ledger
// aborts the process on any posting that would violate this.
type Balance struct {
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// Total returns available + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

type balanceKey struct {
	user  uuid.UUID
	asset string
}
