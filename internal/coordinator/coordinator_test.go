package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcnex/core/internal/book"
	"github.com/kcnex/core/internal/domain"
	"github.com/kcnex/core/internal/engine"
	"github.com/kcnex/core/internal/ledger"
	"github.com/kcnex/core/internal/store"
)

var testSymbol = domain.Symbol{Base: "KCN", Quote: "EUR"}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// fakeEngine records submitted commands and lets tests drive the outcome by
// dispatching events directly.
type fakeEngine struct {
	mu       sync.Mutex
	places   []engine.PlaceCommand
	cancels  []engine.CancelCommand
	taken    int
	placeErr error
	quote    engine.QuoteResult
	quoteErr error
	events   chan engine.Event
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan engine.Event, 16)}
}

func (f *fakeEngine) SubmitPlace(_ context.Context, cmd engine.PlaceCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return f.placeErr
	}
	f.places = append(f.places, cmd)
	return nil
}

func (f *fakeEngine) SubmitCancel(_ context.Context, cmd engine.CancelCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, cmd)
	return nil
}

func (f *fakeEngine) Quote(context.Context, domain.Side, decimal.Decimal) (engine.QuoteResult, error) {
	return f.quote, f.quoteErr
}

func (f *fakeEngine) Events() <-chan engine.Event {
	return f.events
}

// awaitPlace blocks until the next unconsumed place command arrives.
func (f *fakeEngine) awaitPlace(t *testing.T) engine.PlaceCommand {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if f.taken < len(f.places) {
			cmd := f.places[f.taken]
			f.taken++
			f.mu.Unlock()
			return cmd
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no place command submitted")
	return engine.PlaceCommand{}
}

type fakeNotifier struct {
	mu        sync.Mutex
	filled    []uuid.UUID
	cancelled []uuid.UUID
}

func (n *fakeNotifier) OrderFilled(_, orderID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filled = append(n.filled, orderID)
}

func (n *fakeNotifier) OrderCancelled(_, orderID uuid.UUID, _ decimal.Decimal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, orderID)
}

type fixture struct {
	coord    *Coordinator
	eng      *fakeEngine
	led      *ledger.Ledger
	orders   *store.OrderStore
	notifier *fakeNotifier
	trades   []ledger.Trade
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.Symbol == (domain.Symbol{}) {
		cfg.Symbol = testSymbol
	}
	f := &fixture{
		eng:      newFakeEngine(),
		led:      ledger.New(ledger.FeeSchedule{MakerBps: 10, TakerBps: 20}, uuid.New(), nil),
		orders:   store.NewOrderStore(nil),
		notifier: &fakeNotifier{},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.coord = New(cfg, f.led, f.orders, f.eng, log)
	f.coord.SetNotifier(f.notifier)
	f.coord.SetTradeSink(func(tr ledger.Trade) { f.trades = append(f.trades, tr) })
	return f
}

type placeResult struct {
	order domain.ClientOrder
	err   error
}

func (f *fixture) placeAsync(req PlaceRequest) chan placeResult {
	done := make(chan placeResult, 1)
	go func() {
		o, err := f.coord.Place(context.Background(), req)
		done <- placeResult{o, err}
	}()
	return done
}

func awaitResult(t *testing.T, done chan placeResult) placeResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("Place did not return")
		return placeResult{}
	}
}

// placeAccepted runs a placement to admission and returns the open order.
func (f *fixture) placeAccepted(t *testing.T, req PlaceRequest) domain.ClientOrder {
	t.Helper()
	done := f.placeAsync(req)
	cmd := f.eng.awaitPlace(t)
	f.coord.dispatch(engine.Accepted{OrderID: cmd.OrderID, EngineID: 1})
	res := awaitResult(t, done)
	if res.err != nil {
		t.Fatalf("Place: %v", res.err)
	}
	return res.order
}

func (f *fixture) mustBalance(t *testing.T, user uuid.UUID, asset, available, locked string) {
	t.Helper()
	b := f.led.Balance(user, asset)
	if !b.Available.Equal(d(available)) || !b.Locked.Equal(d(locked)) {
		t.Errorf("%s balance = %s/%s, want %s/%s", asset, b.Available, b.Locked, available, locked)
	}
}

func TestPlace_LimitBidLocksQuote(t *testing.T) {
	f := newFixture(t, Config{})
	buyer := uuid.New()
	f.led.Deposit(buyer, "EUR", d("1000"))

	order := f.placeAccepted(t, PlaceRequest{
		UserID: buyer, Side: domain.SideBid, Kind: domain.OrderKindLimit,
		Price: d("100"), Quantity: d("5"),
	})

	if order.Status != domain.OrderStatusOpen {
		t.Errorf("status = %s, want open", order.Status)
	}
	if order.LockAsset != "EUR" || !order.LockAmount.Equal(d("500")) {
		t.Errorf("lock = %s %s, want 500 EUR", order.LockAmount, order.LockAsset)
	}
	f.mustBalance(t, buyer, "EUR", "500", "500")
}

func TestPlace_AskLocksBaseQuantity(t *testing.T) {
	f := newFixture(t, Config{})
	seller := uuid.New()
	f.led.Deposit(seller, "KCN", d("10"))

	order := f.placeAccepted(t, PlaceRequest{
		UserID: seller, Side: domain.SideAsk, Kind: domain.OrderKindLimit,
		Price: d("100"), Quantity: d("7"),
	})

	if order.LockAsset != "KCN" || !order.LockAmount.Equal(d("7")) {
		t.Errorf("lock = %s %s, want 7 KCN", order.LockAmount, order.LockAsset)
	}
	f.mustBalance(t, seller, "KCN", "3", "7")
}

func TestPlace_MarketBidSlippageBoundLock(t *testing.T) {
	f := newFixture(t, Config{})
	buyer := uuid.New()
	f.led.Deposit(buyer, "EUR", d("1000"))

	order := f.placeAccepted(t, PlaceRequest{
		UserID: buyer, Side: domain.SideBid, Kind: domain.OrderKindMarket,
		Quantity: d("3"), MaxSlippage: d("100.5"),
	})

	// Worst case cost: 3 * 100.5.
	if !order.LockAmount.Equal(d("301.5")) {
		t.Errorf("lock = %s, want 301.5", order.LockAmount)
	}
}

// A market buy with an explicit bound below the best ask can never fill;
// refuse it before anything is locked.
func TestPlace_MarketSlippageBoundOffTouch(t *testing.T) {
	f := newFixture(t, Config{})
	buyer := uuid.New()
	f.led.Deposit(buyer, "EUR", d("1000"))
	f.eng.quote = engine.QuoteResult{
		PriceLevels: []book.Level{{Price: d("101"), Quantity: d("1")}},
	}

	_, err := f.coord.Place(context.Background(), PlaceRequest{
		UserID: buyer, Side: domain.SideBid, Kind: domain.OrderKindMarket,
		Quantity: d("1"), MaxSlippage: d("100"),
	})

	if !errors.Is(err, domain.ErrSlippageExceeded) {
		t.Fatalf("error = %v, want ErrSlippageExceeded", err)
	}
	f.mustBalance(t, buyer, "EUR", "1000", "0")
	if len(f.eng.places) != 0 {
		t.Error("order submitted despite unreachable bound")
	}
}

func TestPlace_MarketAskFloorAboveTouch(t *testing.T) {
	f := newFixture(t, Config{})
	seller := uuid.New()
	f.led.Deposit(seller, "KCN", d("10"))
	f.eng.quote = engine.QuoteResult{
		PriceLevels: []book.Level{{Price: d("99"), Quantity: d("1")}},
	}

	_, err := f.coord.Place(context.Background(), PlaceRequest{
		UserID: seller, Side: domain.SideAsk, Kind: domain.OrderKindMarket,
		Quantity: d("1"), MaxSlippage: d("100"),
	})

	if !errors.Is(err, domain.ErrSlippageExceeded) {
		t.Fatalf("error = %v, want ErrSlippageExceeded", err)
	}
	f.mustBalance(t, seller, "KCN", "10", "0")
}

func TestPlace_MarketBidQuoteSizedLock(t *testing.T) {
	f := newFixture(t, Config{})
	buyer := uuid.New()
	f.led.Deposit(buyer, "EUR", d("2000"))
	total := d("1000")
	f.eng.quote = engine.QuoteResult{
		QuantityAvailable: d("4"),
		FullyFillable:     true,
		EstimatedTotal:    &total,
		PriceLevels:       []book.Level{{Price: d("250"), Quantity: d("4")}},
	}

	done := f.placeAsync(PlaceRequest{
		UserID: buyer, Side: domain.SideBid, Kind: domain.OrderKindMarket,
		Quantity: d("4"),
	})
	cmd := f.eng.awaitPlace(t)
	f.coord.dispatch(engine.Accepted{OrderID: cmd.OrderID, EngineID: 1})
	res := awaitResult(t, done)
	if res.err != nil {
		t.Fatalf("Place: %v", res.err)
	}

	// Worst quoted level grossed up by the default 5 percent pad, locked
	// for the full quantity and submitted as the execution bound.
	if !res.order.LockAmount.Equal(d("1050")) {
		t.Errorf("lock = %s, want 1050", res.order.LockAmount)
	}
	if !cmd.MaxSlippage.Equal(d("262.5")) {
		t.Errorf("submitted bound = %s, want 262.5", cmd.MaxSlippage)
	}
	f.mustBalance(t, buyer, "EUR", "950", "1050")
}

// Fills at the derived ceiling consume exactly the reservation; a quote that
// goes stale between sizing and execution can no longer overdraw the lock.
func TestFill_AtDerivedCeilingStaysWithinLock(t *testing.T) {
	f := newFixture(t, Config{})
	buyer := uuid.New()
	f.led.Deposit(buyer, "EUR", d("200"))
	total := d("100")
	f.eng.quote = engine.QuoteResult{
		QuantityAvailable: d("10"),
		FullyFillable:     true,
		EstimatedTotal:    &total,
		PriceLevels:       []book.Level{{Price: d("10"), Quantity: d("10")}},
	}

	done := f.placeAsync(PlaceRequest{
		UserID: buyer, Side: domain.SideBid, Kind: domain.OrderKindMarket,
		Quantity: d("10"),
	})
	cmd := f.eng.awaitPlace(t)
	if !cmd.MaxSlippage.Equal(d("10.5")) {
		t.Fatalf("submitted bound = %s, want 10.5", cmd.MaxSlippage)
	}
	f.coord.dispatch(engine.Accepted{OrderID: cmd.OrderID, EngineID: 1})
	order := awaitResult(t, done).order
	f.mustBalance(t, buyer, "EUR", "95", "105")

	f.coord.dispatch(engine.Filled{Fill: book.Fill{
		ID:             "1:2:1",
		BuyExternalID:  order.ID,
		SellExternalID: uuid.New(),
		Price:          d("10.5"),
		Quantity:       d("10"),
		TakerSide:      domain.SideBid,
		Time:           time.Now(),
	}})

	f.mustBalance(t, buyer, "EUR", "95", "0")
	f.mustBalance(t, buyer, "KCN", "9.98", "0")
	got, _ := f.orders.Get(order.ID)
	if got.Status != domain.OrderStatusFilled || !got.LockAmount.IsZero() {
		t.Errorf("order = %s lock %s, want filled with no lock", got.Status, got.LockAmount)
	}
}

func TestPlace_MarketBidNoLiquidity(t *testing.T) {
	f := newFixture(t, Config{})
	buyer := uuid.New()
	f.led.Deposit(buyer, "EUR", d("100"))

	_, err := f.coord.Place(context.Background(), PlaceRequest{
		UserID: buyer, Side: domain.SideBid, Kind: domain.OrderKindMarket,
		Quantity: d("1"),
	})

	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	f.mustBalance(t, buyer, "EUR", "100", "0")
	if len(f.eng.places) != 0 {
		t.Error("order submitted despite missing liquidity")
	}
}

func TestPlace_InsufficientFunds(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.coord.Place(context.Background(), PlaceRequest{
		UserID: uuid.New(), Side: domain.SideBid, Kind: domain.OrderKindLimit,
		Price: d("100"), Quantity: d("5"),
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Errorf("error = %v, want ErrInsufficientFunds", err)
	}
}

func TestPlace_Validation(t *testing.T) {
	f := newFixture(t, Config{})
	user := uuid.New()

	cases := map[string]PlaceRequest{
		"nil user":          {Side: domain.SideBid, Kind: domain.OrderKindLimit, Price: d("1"), Quantity: d("1")},
		"zero quantity":     {UserID: user, Side: domain.SideBid, Kind: domain.OrderKindLimit, Price: d("1")},
		"limit no price":    {UserID: user, Side: domain.SideBid, Kind: domain.OrderKindLimit, Quantity: d("1")},
		"market with price": {UserID: user, Side: domain.SideBid, Kind: domain.OrderKindMarket, Price: d("1"), Quantity: d("1")},
		"negative slippage": {UserID: user, Side: domain.SideBid, Kind: domain.OrderKindMarket, Quantity: d("1"), MaxSlippage: d("-1")},
		"unknown kind":      {UserID: user, Side: domain.SideBid, Kind: domain.OrderKind("stop"), Price: d("1"), Quantity: d("1")},
		"unknown side":      {UserID: user, Side: domain.Side("middle"), Kind: domain.OrderKindLimit, Price: d("1"), Quantity: d("1")},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.coord.Place(context.Background(), req)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("error = %v, want ValidationError", err)
			}
		})
	}
}

func TestPlace_RejectionUnlocks(t *testing.T) {
	f := newFixture(t, Config{})
	buyer := uuid.New()
	f.led.Deposit(buyer, "EUR", d("1000"))

	done := f.placeAsync(PlaceRequest{
		UserID: buyer, Side: domain.SideBid, Kind: domain.OrderKindLimit,
		Price: d("100"), Quantity: d("5"),
	})
	cmd := f.eng.awaitPlace(t)
	f.coord.dispatch(engine.Rejected{OrderID: cmd.OrderID, Reason: domain.ErrConflict})

	res := awaitResult(t, done)
	if !errors.Is(res.err, domain.ErrConflict) {
		t.Errorf("error = %v, want ErrConflict", res.err)
	}
	f.mustBalance(t, buyer, "EUR", "1000", "0")

	order, err := f.orders.Get(cmd.OrderID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if order.Status != domain.OrderStatusRejected || !order.LockAmount.IsZero() {
		t.Errorf("order = %+v, want rejected with no lock", order)
	}
}

func TestPlace_AdmissionTimeoutAbandons(t *testing.T) {
	f := newFixture(t, Config{CommandTimeout: 50 * time.Millisecond})
	buyer := uuid.New()
	f.led.Deposit(buyer, "EUR", d("1000"))

	done := f.placeAsync(PlaceRequest{
		UserID: buyer, Side: domain.SideBid, Kind: domain.OrderKindLimit,
		Price: d("100"), Quantity: d("5"),
	})
	cmd := f.eng.awaitPlace(t)

	res := awaitResult(t, done)
	if !errors.Is(res.err, domain.ErrEngineUnavailable) {
		t.Errorf("error = %v, want ErrEngineUnavailable", res.err)
	}
	f.mustBalance(t, buyer, "EUR", "1000", "0")

	order, _ := f.orders.Get(cmd.OrderID)
	if order.Status != domain.OrderStatusRejected {
		t.Errorf("status = %s, want rejected", order.Status)
	}
}

func TestFill_SettlesBothOrders(t *testing.T) {
	f := newFixture(t, Config{})
	buyer, seller := uuid.New(), uuid.New()
	f.led.Deposit(buyer, "EUR", d("1000"))
	f.led.Deposit(seller, "KCN", d("10"))

	buyOrder := f.placeAccepted(t, PlaceRequest{
		UserID: buyer, Side: domain.SideBid, Kind: domain.OrderKindLimit,
		Price: d("100"), Quantity: d("5"),
	})
	sellOrder := f.placeAccepted(t, PlaceRequest{
		UserID: seller, Side: domain.SideAsk, Kind: domain.OrderKindLimit,
		Price: d("100"), Quantity: d("5"),
	})

	f.coord.dispatch(engine.Filled{Fill: book.Fill{
		ID:             "1:2:1",
		BuyExternalID:  buyOrder.ID,
		SellExternalID: sellOrder.ID,
		Price:          d("100"),
		Quantity:       d("5"),
		TakerSide:      domain.SideAsk,
		Time:           time.Now(),
	}})

	// Seller took, so the seller pays 20 bps on the quote amount and the
	// buyer 10 bps on the base quantity.
	f.mustBalance(t, buyer, "EUR", "500", "0")
	f.mustBalance(t, buyer, "KCN", "4.995", "0")
	f.mustBalance(t, seller, "KCN", "5", "0")
	f.mustBalance(t, seller, "EUR", "499", "0")

	for _, id := range []uuid.UUID{buyOrder.ID, sellOrder.ID} {
		o, _ := f.orders.Get(id)
		if o.Status != domain.OrderStatusFilled || !o.FilledQuantity.Equal(d("5")) {
			t.Errorf("order %s = %s filled %s, want filled 5", id, o.Status, o.FilledQuantity)
		}
		if !o.LockAmount.IsZero() {
			t.Errorf("order %s kept lock %s", id, o.LockAmount)
		}
	}

	if len(f.trades) != 1 || f.trades[0].FillID != "1:2:1" {
		t.Errorf("trade sink = %+v, want one trade for 1:2:1", f.trades)
	}
	if len(f.notifier.filled) != 2 {
		t.Errorf("filled notifications = %d, want 2", len(f.notifier.filled))
	}
}

// A fill below the limit price consumes less of the reservation than was
// locked; the surplus is released when the order completes.
func TestFill_PriceImprovementReleasesSurplus(t *testing.T) {
	f := newFixture(t, Config{})
	buyer := uuid.New()
	f.led.Deposit(buyer, "EUR", d("1000"))

	order := f.placeAccepted(t, PlaceRequest{
		UserID: buyer, Side: domain.SideBid, Kind: domain.OrderKindLimit,
		Price: d("102"), Quantity: d("5"),
	})
	f.mustBalance(t, buyer, "EUR", "490", "510")

	f.coord.dispatch(engine.Filled{Fill: book.Fill{
		ID:             "1:2:1",
		BuyExternalID:  order.ID,
		SellExternalID: uuid.New(), // counterparty not tracked here
		Price:          d("100"),
		Quantity:       d("5"),
		TakerSide:      domain.SideBid,
		Time:           time.Now(),
	}})

	f.mustBalance(t, buyer, "EUR", "500", "0")
	got, _ := f.orders.Get(order.ID)
	if got.Status != domain.OrderStatusFilled || !got.LockAmount.IsZero() {
		t.Errorf("order = %s lock %s, want filled with no lock", got.Status, got.LockAmount)
	}
}

func TestFill_DuplicateIgnored(t *testing.T) {
	f := newFixture(t, Config{})
	buyer := uuid.New()
	f.led.Deposit(buyer, "EUR", d("1000"))

	order := f.placeAccepted(t, PlaceRequest{
		UserID: buyer, Side: domain.SideBid, Kind: domain.OrderKindLimit,
		Price: d("100"), Quantity: d("5"),
	})

	fill := book.Fill{
		ID:             "1:2:1",
		BuyExternalID:  order.ID,
		SellExternalID: uuid.New(),
		Price:          d("100"),
		Quantity:       d("2"),
		TakerSide:      domain.SideBid,
		Time:           time.Now(),
	}
	f.coord.dispatch(engine.Filled{Fill: fill})
	f.coord.dispatch(engine.Filled{Fill: fill})

	got, _ := f.orders.Get(order.ID)
	if !got.FilledQuantity.Equal(d("2")) {
		t.Errorf("filled = %s, want 2 after duplicate delivery", got.FilledQuantity)
	}
	if len(f.trades) != 1 {
		t.Errorf("trade sink fired %d times, want 1", len(f.trades))
	}
	f.mustBalance(t, buyer, "EUR", "500", "300")
}

// A fill racing a cancel is accounted before the cancellation releases the
// rest of the reservation.
func TestCancel_AfterPartialFill(t *testing.T) {
	f := newFixture(t, Config{})
	buyer := uuid.New()
	f.led.Deposit(buyer, "EUR", d("1000"))

	order := f.placeAccepted(t, PlaceRequest{
		UserID: buyer, Side: domain.SideBid, Kind: domain.OrderKindLimit,
		Price: d("100"), Quantity: d("5"),
	})

	if _, err := f.coord.Cancel(context.Background(), buyer, order.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(f.eng.cancels) != 1 || f.eng.cancels[0].OrderID != order.ID {
		t.Fatalf("cancels = %+v, want one for %s", f.eng.cancels, order.ID)
	}

	f.coord.dispatch(engine.Filled{Fill: book.Fill{
		ID:             "1:2:1",
		BuyExternalID:  order.ID,
		SellExternalID: uuid.New(),
		Price:          d("100"),
		Quantity:       d("2"),
		TakerSide:      domain.SideAsk,
		Time:           time.Now(),
	}})
	f.coord.dispatch(engine.Cancelled{OrderID: order.ID, Remaining: d("3")})

	got, _ := f.orders.Get(order.ID)
	if got.Status != domain.OrderStatusCancelled || !got.FilledQuantity.Equal(d("2")) {
		t.Errorf("order = %s filled %s, want cancelled with 2 filled", got.Status, got.FilledQuantity)
	}
	f.mustBalance(t, buyer, "EUR", "800", "0")

	if len(f.notifier.cancelled) != 1 {
		t.Errorf("cancel notifications = %d, want 1", len(f.notifier.cancelled))
	}
}

func TestCancel_Checks(t *testing.T) {
	f := newFixture(t, Config{})
	owner := uuid.New()
	f.led.Deposit(owner, "EUR", d("1000"))

	order := f.placeAccepted(t, PlaceRequest{
		UserID: owner, Side: domain.SideBid, Kind: domain.OrderKindLimit,
		Price: d("100"), Quantity: d("5"),
	})

	if _, err := f.coord.Cancel(context.Background(), owner, uuid.New()); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("unknown order error = %v, want ErrOrderNotFound", err)
	}
	if _, err := f.coord.Cancel(context.Background(), uuid.New(), order.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("foreign order error = %v, want ErrUnauthorized", err)
	}

	f.coord.dispatch(engine.Cancelled{OrderID: order.ID, Remaining: d("5")})
	if _, err := f.coord.Cancel(context.Background(), owner, order.ID); !errors.Is(err, domain.ErrOrderNotOpen) {
		t.Errorf("terminal order error = %v, want ErrOrderNotOpen", err)
	}
}

func TestOrder_EnforcesOwnership(t *testing.T) {
	f := newFixture(t, Config{})
	owner := uuid.New()
	f.led.Deposit(owner, "EUR", d("1000"))

	order := f.placeAccepted(t, PlaceRequest{
		UserID: owner, Side: domain.SideBid, Kind: domain.OrderKindLimit,
		Price: d("100"), Quantity: d("5"),
	})

	got, err := f.coord.Order(owner, order.ID)
	if err != nil || got.ID != order.ID {
		t.Errorf("Order = %+v, %v", got, err)
	}
	if _, err := f.coord.Order(uuid.New(), order.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("foreign order error = %v, want ErrUnauthorized", err)
	}
}

func TestRecover(t *testing.T) {
	f := newFixture(t, Config{})
	now := time.Now()

	// A placement that never heard back from the engine.
	pendingUser := uuid.New()
	pendingID := uuid.New()
	f.led.Deposit(pendingUser, "EUR", d("100"))
	f.led.LockFunds(pendingUser, "EUR", d("50"), pendingID)
	f.orders.Create(domain.ClientOrder{
		ID: pendingID, UserID: pendingUser, Symbol: testSymbol.String(),
		Side: domain.SideBid, Kind: domain.OrderKindLimit,
		Price: d("5"), Quantity: d("10"),
		Status: domain.OrderStatusPending, LockAsset: "EUR", LockAmount: d("50"),
		CreatedAt: now, UpdatedAt: now,
	})

	// A market order that was still open when the process died.
	marketUser := uuid.New()
	marketID := uuid.New()
	f.led.Deposit(marketUser, "EUR", d("100"))
	f.led.LockFunds(marketUser, "EUR", d("30"), marketID)
	f.orders.Create(domain.ClientOrder{
		ID: marketID, UserID: marketUser, Symbol: testSymbol.String(),
		Side: domain.SideBid, Kind: domain.OrderKindMarket,
		Quantity: d("3"),
		Status:   domain.OrderStatusOpen, LockAsset: "EUR", LockAmount: d("30"),
		CreatedAt: now.Add(time.Second), UpdatedAt: now,
	})

	// A partially filled limit order that belongs back on the book.
	limitUser := uuid.New()
	limitID := uuid.New()
	f.led.Deposit(limitUser, "KCN", d("10"))
	f.led.LockFunds(limitUser, "KCN", d("4"), limitID)
	f.orders.Create(domain.ClientOrder{
		ID: limitID, UserID: limitUser, Symbol: testSymbol.String(),
		Side: domain.SideAsk, Kind: domain.OrderKindLimit,
		Price: d("7"), Quantity: d("10"), FilledQuantity: d("6"),
		Status: domain.OrderStatusPartiallyFilled, LockAsset: "KCN", LockAmount: d("4"),
		CreatedAt: now.Add(2 * time.Second), UpdatedAt: now,
	})

	// A fill settled before the restart.
	if _, err := f.led.SettleFill(ledger.SettleParams{
		FillID: "9:9:9", Symbol: testSymbol,
		Price: d("7"), Quantity: d("1"), TakerSide: domain.SideBid, Time: now,
	}); err != nil {
		t.Fatalf("seed settle: %v", err)
	}

	if err := f.coord.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	pending, _ := f.orders.Get(pendingID)
	if pending.Status != domain.OrderStatusRejected {
		t.Errorf("pending order status = %s, want rejected", pending.Status)
	}
	f.mustBalance(t, pendingUser, "EUR", "100", "0")

	market, _ := f.orders.Get(marketID)
	if market.Status != domain.OrderStatusRejected {
		t.Errorf("market order status = %s, want rejected", market.Status)
	}
	f.mustBalance(t, marketUser, "EUR", "100", "0")

	cmd := f.eng.awaitPlace(t)
	if cmd.OrderID != limitID || !cmd.Quantity.Equal(d("4")) || !cmd.Price.Equal(d("7")) {
		t.Errorf("resubmitted = %+v, want order %s for remaining 4 at 7", cmd, limitID)
	}
	f.mustBalance(t, limitUser, "KCN", "6", "4")

	// Redelivery of the settled fill stays a no-op.
	f.coord.dispatch(engine.Filled{Fill: book.Fill{
		ID: "9:9:9", Price: d("999"), Quantity: d("999"),
		BuyExternalID: uuid.New(), SellExternalID: uuid.New(),
	}})
	if len(f.trades) != 0 {
		t.Errorf("trade sink fired on a replayed fill: %+v", f.trades)
	}
}
