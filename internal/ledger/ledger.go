package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcnex/core/internal/domain"
)

// Ledger is the settlement ledger: the source of truth for user balances,
// implemented as an append-only sequence of postings with a cached
// (available, locked) pair per (user, asset).
//
// One mutex guards every operation. Each exported method is one atomic
// transaction: either all of its postings commit or none do. Validation
// happens before the first posting, so a returned error implies zero balance
// effect. A posting that would drive available or locked negative after
// validation passed is a bug in the caller and aborts the process, as does a
// journal write failure: memory and journal are not allowed to diverge.
type Ledger struct {
	mu sync.Mutex

	balances map[balanceKey]Balance
	entries  []Entry
	trades   []Trade
	byFill   map[string]int // fill id -> index into trades

	fees       FeeSchedule
	feeAccount uuid.UUID
	journal    Journal

	now func() time.Time
}

// New creates an empty ledger. Fees collected on settlement are credited to
// feeAccount. Postings are written through to journal after each commit.
func New(fees FeeSchedule, feeAccount uuid.UUID, journal Journal) *Ledger {
	if journal == nil {
		journal = NopJournal{}
	}
	return &Ledger{
		balances:   make(map[balanceKey]Balance),
		byFill:     make(map[string]int),
		fees:       fees,
		feeAccount: feeAccount,
		journal:    journal,
		now:        time.Now,
	}
}

// FeeAccount returns the account fees are credited to.
func (l *Ledger) FeeAccount() uuid.UUID { return l.feeAccount }

// Deposit credits available funds.
func (l *Ledger) Deposit(user uuid.UUID, asset string, amount decimal.Decimal) (Entry, error) {
	if !amount.IsPositive() {
		return Entry{}, &domain.ValidationError{Message: "deposit amount must be greater than 0"}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.post(user, asset, amount, EntryDeposit, uuid.Nil), nil
}

// Withdraw debits available funds.
func (l *Ledger) Withdraw(user uuid.UUID, asset string, amount decimal.Decimal) (Entry, error) {
	if !amount.IsPositive() {
		return Entry{}, &domain.ValidationError{Message: "withdrawal amount must be greater than 0"}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balance(user, asset).Available.LessThan(amount) {
		return Entry{}, domain.ErrInsufficientFunds
	}
	return l.post(user, asset, amount.Neg(), EntryWithdrawal, uuid.Nil), nil
}

// LockFunds moves amount from available to locked, reserving it for the
// order identified by ref. Fails with ErrInsufficientFunds when available is
// short; nothing is posted in that case.
func (l *Ledger) LockFunds(user uuid.UUID, asset string, amount decimal.Decimal, ref uuid.UUID) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balance(user, asset).Available.LessThan(amount) {
		return Entry{}, domain.ErrInsufficientFunds
	}
	entry := l.post(user, asset, amount.Neg(), EntryLock, ref)
	l.adjustLocked(user, asset, amount)
	return entry, nil
}

// UnlockFunds moves amount from locked back to available. The caller tracks
// how much of each order's reservation is outstanding; unlocking more than is
// locked means that accounting is corrupt and aborts the process.
func (l *Ledger) UnlockFunds(user uuid.UUID, asset string, amount decimal.Decimal, ref uuid.UUID) Entry {
	if amount.IsZero() {
		return Entry{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.post(user, asset, amount, EntryUnlock, ref)
	l.adjustLocked(user, asset, amount.Neg())
	return entry
}

// SettleParams identifies one fill to settle. Buyer or seller may be Nil for
// counterparties whose balances are not tracked in this ledger; that side's
// postings are skipped.
type SettleParams struct {
	FillID      string
	Symbol      domain.Symbol
	BuyOrderID  uuid.UUID
	SellOrderID uuid.UUID
	BuyerID     uuid.UUID
	SellerID    uuid.UUID
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	TakerSide   domain.Side
	Time        time.Time
}

// SettleFill applies one fill to both parties' balances and records the
// trade, all under a single mutex hold:
//
//	seller: locked base -qty, available quote +qty*price - seller_fee
//	buyer:  locked quote -qty*price, available base +qty - buyer_fee
//
// The taker pays the taker rate, the maker the maker rate; the buyer's fee
// is charged in base, the seller's in quote, and both are credited to the
// fee account. SettleFill is idempotent on FillID: a duplicate returns the
// previously recorded trade with no balance effect. A duplicate whose price
// or quantity disagrees with the recorded trade aborts the process.
func (l *Ledger) SettleFill(p SettleParams) (Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if i, ok := l.byFill[p.FillID]; ok {
		existing := l.trades[i]
		if !existing.Price.Equal(p.Price) || !existing.Quantity.Equal(p.Quantity) {
			panic(fmt.Sprintf("ledger: fill %s resettled with different terms (%s@%s vs %s@%s)",
				p.FillID, p.Quantity, p.Price, existing.Quantity, existing.Price))
		}
		return existing, nil
	}

	quoteAmount := p.Price.Mul(p.Quantity)

	buyerRate, sellerRate := l.fees.makerRate(), l.fees.takerRate()
	if p.TakerSide == domain.SideBid {
		buyerRate, sellerRate = sellerRate, buyerRate
	}

	trade := Trade{
		ID:          uuid.New(),
		Symbol:      p.Symbol.String(),
		BuyOrderID:  p.BuyOrderID,
		SellOrderID: p.SellOrderID,
		BuyerID:     p.BuyerID,
		SellerID:    p.SellerID,
		Price:       p.Price,
		Quantity:    p.Quantity,
		TakerSide:   p.TakerSide,
		FillID:      p.FillID,
		SettledAt:   p.Time,
	}
	if trade.SettledAt.IsZero() {
		trade.SettledAt = l.now()
	}

	if p.SellerID != uuid.Nil {
		trade.SellerFee = domain.RoundFee(quoteAmount.Mul(sellerRate))

		l.post(p.SellerID, p.Symbol.Base, p.Quantity, EntryUnlock, trade.ID)
		l.adjustLocked(p.SellerID, p.Symbol.Base, p.Quantity.Neg())
		l.post(p.SellerID, p.Symbol.Base, p.Quantity.Neg(), EntryTrade, trade.ID)
		l.post(p.SellerID, p.Symbol.Quote, quoteAmount, EntryTrade, trade.ID)
		if trade.SellerFee.IsPositive() {
			l.post(p.SellerID, p.Symbol.Quote, trade.SellerFee.Neg(), EntryFee, trade.ID)
			l.post(l.feeAccount, p.Symbol.Quote, trade.SellerFee, EntryFee, trade.ID)
		}
	}

	if p.BuyerID != uuid.Nil {
		trade.BuyerFee = domain.RoundFee(p.Quantity.Mul(buyerRate))

		l.post(p.BuyerID, p.Symbol.Quote, quoteAmount, EntryUnlock, trade.ID)
		l.adjustLocked(p.BuyerID, p.Symbol.Quote, quoteAmount.Neg())
		l.post(p.BuyerID, p.Symbol.Quote, quoteAmount.Neg(), EntryTrade, trade.ID)
		l.post(p.BuyerID, p.Symbol.Base, p.Quantity, EntryTrade, trade.ID)
		if trade.BuyerFee.IsPositive() {
			l.post(p.BuyerID, p.Symbol.Base, trade.BuyerFee.Neg(), EntryFee, trade.ID)
			l.post(l.feeAccount, p.Symbol.Base, trade.BuyerFee, EntryFee, trade.ID)
		}
	}

	l.byFill[p.FillID] = len(l.trades)
	l.trades = append(l.trades, trade)

	if err := l.journal.AppendTrade(trade); err != nil {
		// The postings above are already committed and journalled; a retry
		// would hit the idempotency path and the trade would never reach
		// the journal.
		panic(fmt.Sprintf("ledger: journal trade %s failed: %v", p.FillID, err))
	}
	return trade, nil
}

// Balance returns the (available, locked) pair for one (user, asset). Zero
// values for unknown pairs.
func (l *Ledger) Balance(user uuid.UUID, asset string) Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(user, asset)
}

// Balances returns every non-empty balance held by user, keyed by asset.
func (l *Ledger) Balances(user uuid.UUID) map[string]Balance {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]Balance)
	for key, bal := range l.balances {
		if key.user == user && !bal.Total().IsZero() {
			out[key.asset] = bal
		}
	}
	return out
}

// History returns up to limit postings for one (user, asset), newest first.
// An empty asset matches every asset.
func (l *Ledger) History(user uuid.UUID, asset string, limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := l.entries[i]
		if e.UserID != user {
			continue
		}
		if asset != "" && e.Asset != asset {
			continue
		}
		out = append(out, e)
	}
	return out
}

// TradeByFill looks up a settled trade by fill id.
func (l *Ledger) TradeByFill(fillID string) (Trade, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.byFill[fillID]
	if !ok {
		return Trade{}, false
	}
	return l.trades[i], true
}

// RecentTrades returns up to limit settled trades, newest first.
func (l *Ledger) RecentTrades(limit int) []Trade {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.trades)
	if limit > n {
		limit = n
	}
	out := make([]Trade, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.trades[i])
	}
	return out
}

// FillIDs returns the fill id of every settled trade, oldest first. Used on
// boot to re-seed idempotency state.
func (l *Ledger) FillIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, len(l.trades))
	for i, t := range l.trades {
		out[i] = t.FillID
	}
	return out
}

// RestoreEntry replays one journalled posting during boot, rebuilding the
// balance caches without re-journalling. Entries must arrive in their
// original order.
func (l *Ledger) RestoreEntry(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.apply(e.UserID, e.Asset, e.Amount)
	switch e.Kind {
	case EntryLock, EntryUnlock:
		// Lock amounts are negative, unlock amounts positive; the locked
		// component always moves by the opposite sign.
		l.adjustLocked(e.UserID, e.Asset, e.Amount.Neg())
	}
	l.entries = append(l.entries, e)
}

// RestoreTrade replays one journalled trade during boot.
func (l *Ledger) RestoreTrade(t Trade) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.byFill[t.FillID] = len(l.trades)
	l.trades = append(l.trades, t)
}

func (l *Ledger) balance(user uuid.UUID, asset string) Balance {
	return l.balances[balanceKey{user: user, asset: asset}]
}

// post appends one entry, moving the available balance by amount. Caller
// must hold the mutex and have validated user-facing preconditions; a
// negative result here is unrecoverable.
func (l *Ledger) post(user uuid.UUID, asset string, amount decimal.Decimal, kind EntryKind, ref uuid.UUID) Entry {
	after := l.apply(user, asset, amount)

	entry := Entry{
		ID:           uuid.New(),
		UserID:       user,
		Asset:        asset,
		Amount:       amount,
		BalanceAfter: after,
		Kind:         kind,
		RefID:        ref,
		CreatedAt:    l.now(),
	}
	l.entries = append(l.entries, entry)

	if err := l.journal.AppendEntry(entry); err != nil {
		// Balances must be rebuildable from the journal alone. Running on
		// with a lost posting would make replay disagree with memory.
		panic(fmt.Sprintf("ledger: journal append for %s/%s failed: %v", user, asset, err))
	}
	return entry
}

func (l *Ledger) apply(user uuid.UUID, asset string, amount decimal.Decimal) decimal.Decimal {
	key := balanceKey{user: user, asset: asset}
	bal := l.balances[key]
	bal.Available = bal.Available.Add(amount)
	if bal.Available.IsNegative() {
		panic(fmt.Sprintf("ledger: available balance for %s/%s driven negative (%s)", user, asset, bal.Available))
	}
	l.balances[key] = bal
	return bal.Available
}

func (l *Ledger) adjustLocked(user uuid.UUID, asset string, delta decimal.Decimal) {
	key := balanceKey{user: user, asset: asset}
	bal := l.balances[key]
	bal.Locked = bal.Locked.Add(delta)
	if bal.Locked.IsNegative() {
		panic(fmt.Sprintf("ledger: locked balance for %s/%s driven negative (%s)", user, asset, bal.Locked))
	}
	l.balances[key] = bal
}
