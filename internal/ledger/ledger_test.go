package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcnex/core/internal/domain"
)

var testSymbol = domain.Symbol{Base: "KCN", Quote: "EUR"}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestLedger() *Ledger {
	return New(FeeSchedule{MakerBps: 10, TakerBps: 20}, uuid.New(), nil)
}

func mustBalance(t *testing.T, l *Ledger, user uuid.UUID, asset, available, locked string) {
	t.Helper()
	b := l.Balance(user, asset)
	if !b.Available.Equal(d(available)) {
		t.Errorf("%s available = %s, want %s", asset, b.Available, available)
	}
	if !b.Locked.Equal(d(locked)) {
		t.Errorf("%s locked = %s, want %s", asset, b.Locked, locked)
	}
}

func TestDepositWithdraw(t *testing.T) {
	l := newTestLedger()
	user := uuid.New()

	if _, err := l.Deposit(user, "EUR", d("100")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	mustBalance(t, l, user, "EUR", "100", "0")

	if _, err := l.Withdraw(user, "EUR", d("40")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	mustBalance(t, l, user, "EUR", "60", "0")

	if _, err := l.Withdraw(user, "EUR", d("100")); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Errorf("overdraw error = %v, want ErrInsufficientFunds", err)
	}
	mustBalance(t, l, user, "EUR", "60", "0")
}

func TestDeposit_RejectsNonPositive(t *testing.T) {
	l := newTestLedger()

	var validationErr *domain.ValidationError
	if _, err := l.Deposit(uuid.New(), "EUR", d("0")); !errors.As(err, &validationErr) {
		t.Errorf("zero deposit error = %v, want ValidationError", err)
	}
}

func TestLockFunds(t *testing.T) {
	l := newTestLedger()
	user := uuid.New()
	orderID := uuid.New()
	l.Deposit(user, "EUR", d("100"))

	entry, err := l.LockFunds(user, "EUR", d("30"), orderID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !entry.Amount.Equal(d("-30")) {
		t.Errorf("lock entry amount = %s, want -30", entry.Amount)
	}
	if entry.Kind != EntryLock {
		t.Errorf("lock entry kind = %s, want %s", entry.Kind, EntryLock)
	}
	if entry.RefID != orderID {
		t.Errorf("lock entry ref = %s, want %s", entry.RefID, orderID)
	}
	mustBalance(t, l, user, "EUR", "70", "30")

	if _, err := l.LockFunds(user, "EUR", d("80"), orderID); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Errorf("over-lock error = %v, want ErrInsufficientFunds", err)
	}
	mustBalance(t, l, user, "EUR", "70", "30")
}

func TestLockUnlock_Identity(t *testing.T) {
	l := newTestLedger()
	user := uuid.New()
	orderID := uuid.New()
	l.Deposit(user, "EUR", d("100"))

	l.LockFunds(user, "EUR", d("30"), orderID)
	l.UnlockFunds(user, "EUR", d("30"), orderID)

	mustBalance(t, l, user, "EUR", "100", "0")
}

func TestUnlockFunds_ZeroIsNoop(t *testing.T) {
	l := newTestLedger()
	user := uuid.New()
	l.Deposit(user, "EUR", d("10"))

	entry := l.UnlockFunds(user, "EUR", d("0"), uuid.New())
	if entry.ID != uuid.Nil {
		t.Error("zero unlock posted an entry")
	}
	if got := l.History(user, "EUR", 10); len(got) != 1 {
		t.Errorf("history length = %d, want 1", len(got))
	}
}

func TestUnlockFunds_OverUnlockPanics(t *testing.T) {
	l := newTestLedger()
	user := uuid.New()
	l.Deposit(user, "EUR", d("100"))
	l.LockFunds(user, "EUR", d("30"), uuid.New())

	defer func() {
		if recover() == nil {
			t.Error("expected panic on unlocking more than is locked")
		}
	}()
	l.UnlockFunds(user, "EUR", d("31"), uuid.New())
}

func settleOne(t *testing.T, l *Ledger, buyer, seller uuid.UUID) Trade {
	t.Helper()
	trade, err := l.SettleFill(SettleParams{
		FillID:      "1:2:1",
		Symbol:      testSymbol,
		BuyOrderID:  uuid.New(),
		SellOrderID: uuid.New(),
		BuyerID:     buyer,
		SellerID:    seller,
		Price:       d("10"),
		Quantity:    d("10"),
		TakerSide:   domain.SideBid,
		Time:        time.Now(),
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	return trade
}

func TestSettleFill_FeesAndBalances(t *testing.T) {
	l := newTestLedger()
	buyer, seller := uuid.New(), uuid.New()

	l.Deposit(buyer, "EUR", d("100"))
	l.Deposit(seller, "KCN", d("10"))
	l.LockFunds(buyer, "EUR", d("100"), uuid.New())
	l.LockFunds(seller, "KCN", d("10"), uuid.New())

	trade := settleOne(t, l, buyer, seller)

	// Taker is the bid: buyer pays the taker rate in base, seller the maker
	// rate in quote.
	if !trade.BuyerFee.Equal(d("0.02")) {
		t.Errorf("buyer fee = %s, want 0.02", trade.BuyerFee)
	}
	if !trade.SellerFee.Equal(d("0.1")) {
		t.Errorf("seller fee = %s, want 0.1", trade.SellerFee)
	}
	if trade.TakerSide != domain.SideBid {
		t.Errorf("taker side = %s, want bid", trade.TakerSide)
	}

	mustBalance(t, l, buyer, "EUR", "0", "0")
	mustBalance(t, l, buyer, "KCN", "9.98", "0")
	mustBalance(t, l, seller, "KCN", "0", "0")
	mustBalance(t, l, seller, "EUR", "99.9", "0")
	mustBalance(t, l, l.FeeAccount(), "KCN", "0.02", "0")
	mustBalance(t, l, l.FeeAccount(), "EUR", "0.1", "0")
}

func TestSettleFill_TakerAskSwapsRates(t *testing.T) {
	l := newTestLedger()
	buyer, seller := uuid.New(), uuid.New()

	l.Deposit(buyer, "EUR", d("100"))
	l.Deposit(seller, "KCN", d("10"))
	l.LockFunds(buyer, "EUR", d("100"), uuid.New())
	l.LockFunds(seller, "KCN", d("10"), uuid.New())

	trade, err := l.SettleFill(SettleParams{
		FillID:    "3:4:7",
		Symbol:    testSymbol,
		BuyerID:   buyer,
		SellerID:  seller,
		Price:     d("10"),
		Quantity:  d("10"),
		TakerSide: domain.SideAsk,
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	// Now the seller is the taker: 20 bps on the quote amount.
	if !trade.SellerFee.Equal(d("0.2")) {
		t.Errorf("seller fee = %s, want 0.2", trade.SellerFee)
	}
	if !trade.BuyerFee.Equal(d("0.01")) {
		t.Errorf("buyer fee = %s, want 0.01", trade.BuyerFee)
	}
}

func TestSettleFill_Idempotent(t *testing.T) {
	l := newTestLedger()
	buyer, seller := uuid.New(), uuid.New()

	l.Deposit(buyer, "EUR", d("100"))
	l.Deposit(seller, "KCN", d("10"))
	l.LockFunds(buyer, "EUR", d("100"), uuid.New())
	l.LockFunds(seller, "KCN", d("10"), uuid.New())

	first := settleOne(t, l, buyer, seller)
	second := settleOne(t, l, buyer, seller)

	if first.ID != second.ID {
		t.Error("duplicate settlement created a second trade")
	}
	mustBalance(t, l, buyer, "KCN", "9.98", "0")
	mustBalance(t, l, seller, "EUR", "99.9", "0")
}

func TestSettleFill_DuplicateDifferentTermsPanics(t *testing.T) {
	l := newTestLedger()
	buyer, seller := uuid.New(), uuid.New()

	l.Deposit(buyer, "EUR", d("100"))
	l.Deposit(seller, "KCN", d("10"))
	l.LockFunds(buyer, "EUR", d("100"), uuid.New())
	l.LockFunds(seller, "KCN", d("10"), uuid.New())
	settleOne(t, l, buyer, seller)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on resettling a fill with different terms")
		}
	}()
	l.SettleFill(SettleParams{
		FillID:    "1:2:1",
		Symbol:    testSymbol,
		BuyerID:   buyer,
		SellerID:  seller,
		Price:     d("11"),
		Quantity:  d("10"),
		TakerSide: domain.SideBid,
	})
}

func TestSettleFill_SkipsNilParties(t *testing.T) {
	l := newTestLedger()
	seller := uuid.New()

	l.Deposit(seller, "KCN", d("10"))
	l.LockFunds(seller, "KCN", d("10"), uuid.New())

	_, err := l.SettleFill(SettleParams{
		FillID:    "9:10:1",
		Symbol:    testSymbol,
		SellerID:  seller,
		Price:     d("10"),
		Quantity:  d("10"),
		TakerSide: domain.SideBid,
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	mustBalance(t, l, seller, "EUR", "99.9", "0")
	if b := l.Balance(uuid.Nil, "EUR"); !b.Available.IsZero() {
		t.Errorf("nil party accrued balance %s", b.Available)
	}
}

func TestHistory_NewestFirstWithFilter(t *testing.T) {
	l := newTestLedger()
	user := uuid.New()

	l.Deposit(user, "EUR", d("1"))
	l.Deposit(user, "KCN", d("2"))
	l.Deposit(user, "EUR", d("3"))

	all := l.History(user, "", 10)
	if len(all) != 3 {
		t.Fatalf("history length = %d, want 3", len(all))
	}
	if !all[0].Amount.Equal(d("3")) {
		t.Errorf("newest entry amount = %s, want 3", all[0].Amount)
	}

	eur := l.History(user, "EUR", 10)
	if len(eur) != 2 {
		t.Fatalf("EUR history length = %d, want 2", len(eur))
	}

	limited := l.History(user, "", 1)
	if len(limited) != 1 || !limited[0].Amount.Equal(d("3")) {
		t.Errorf("limited history = %v, want single newest entry", limited)
	}
}

func TestBalances_OmitsEmpty(t *testing.T) {
	l := newTestLedger()
	user := uuid.New()

	l.Deposit(user, "EUR", d("5"))
	l.Deposit(user, "KCN", d("5"))
	l.Withdraw(user, "KCN", d("5"))

	balances := l.Balances(user)
	if _, ok := balances["EUR"]; !ok {
		t.Error("EUR balance missing")
	}
	if _, ok := balances["KCN"]; ok {
		t.Error("empty KCN balance reported")
	}
}

func TestTradeLookups(t *testing.T) {
	l := newTestLedger()
	buyer, seller := uuid.New(), uuid.New()
	l.Deposit(buyer, "EUR", d("100"))
	l.Deposit(seller, "KCN", d("10"))
	l.LockFunds(buyer, "EUR", d("100"), uuid.New())
	l.LockFunds(seller, "KCN", d("10"), uuid.New())
	settleOne(t, l, buyer, seller)

	if _, ok := l.TradeByFill("1:2:1"); !ok {
		t.Error("TradeByFill missed a settled fill")
	}
	if _, ok := l.TradeByFill("no:such:fill"); ok {
		t.Error("TradeByFill found a fill that never settled")
	}
	if ids := l.FillIDs(); len(ids) != 1 || ids[0] != "1:2:1" {
		t.Errorf("FillIDs = %v, want [1:2:1]", ids)
	}
	if trades := l.RecentTrades(10); len(trades) != 1 {
		t.Errorf("RecentTrades length = %d, want 1", len(trades))
	}
}

func TestRestore_RebuildsBalances(t *testing.T) {
	l := newTestLedger()
	user := uuid.New()
	l.Deposit(user, "EUR", d("100"))
	l.LockFunds(user, "EUR", d("30"), uuid.New())
	l.UnlockFunds(user, "EUR", d("10"), uuid.New())

	entries := l.History(user, "", 10)
	replayed := newTestLedger()
	for i := len(entries) - 1; i >= 0; i-- {
		replayed.RestoreEntry(entries[i])
	}

	want := l.Balance(user, "EUR")
	got := replayed.Balance(user, "EUR")
	if !got.Available.Equal(want.Available) || !got.Locked.Equal(want.Locked) {
		t.Errorf("replayed balance = %+v, want %+v", got, want)
	}
}

// failingJournal errors on demand so journal write handling is observable.
type failingJournal struct {
	entryErr error
	tradeErr error
}

func (j failingJournal) AppendEntry(Entry) error { return j.entryErr }
func (j failingJournal) AppendTrade(Trade) error { return j.tradeErr }

func TestPost_JournalFailureAborts(t *testing.T) {
	l := New(FeeSchedule{}, uuid.New(), failingJournal{entryErr: errors.New("disk full")})

	defer func() {
		if recover() == nil {
			t.Error("expected panic when a posting cannot be journalled")
		}
	}()
	l.Deposit(uuid.New(), "EUR", d("100"))
}

func TestSettleFill_JournalFailureAborts(t *testing.T) {
	l := New(FeeSchedule{}, uuid.New(), failingJournal{tradeErr: errors.New("disk full")})

	defer func() {
		if recover() == nil {
			t.Error("expected panic when a trade cannot be journalled")
		}
	}()
	l.SettleFill(SettleParams{
		FillID:    "1:2:1",
		Symbol:    testSymbol,
		Price:     d("10"),
		Quantity:  d("1"),
		TakerSide: domain.SideBid,
	})
}
