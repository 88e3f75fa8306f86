package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	tomb "gopkg.in/tomb.v2"

	"github.com/kcnex/core/internal/book"
	"github.com/kcnex/core/internal/domain"
)

// Config tunes one engine instance.
type Config struct {
	Symbol          domain.Symbol
	PublishInterval time.Duration
	Depth           int
	Heartbeat       time.Duration
	CommandBuffer   int
	EventBuffer     int
	DeltaBuffer     int
	// StartTradeSeq seeds the fill id sequence above any value issued
	// before a restart.
	StartTradeSeq uint64
}

func (c Config) withDefaults() Config {
	if c.PublishInterval <= 0 {
		c.PublishInterval = 100 * time.Millisecond
	}
	if c.Depth <= 0 {
		c.Depth = 10
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = time.Second
	}
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = 1024
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	if c.DeltaBuffer <= 0 {
		c.DeltaBuffer = 64
	}
	return c
}

// PlaceCommand admits one order.
type PlaceCommand struct {
	OrderID     uuid.UUID
	Side        domain.Side
	Kind        domain.OrderKind
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	MaxSlippage decimal.Decimal
}

// CancelCommand removes one resting order by external id.
type CancelCommand struct {
	OrderID uuid.UUID
}

type snapshotRequest struct {
	reply chan Snapshot
}

type quoteRequest struct {
	side  domain.Side
	qty   decimal.Decimal
	reply chan QuoteResult
}

type command interface{ isCommand() }

func (PlaceCommand) isCommand()    {}
func (CancelCommand) isCommand()   {}
func (snapshotRequest) isCommand() {}
func (quoteRequest) isCommand()    {}

// Service owns one orderbook for one symbol. A single goroutine consumes the
// command channel and runs the publisher tick, so the book is never touched
// concurrently. Lifecycle events go out on a reliable channel (the loop
// blocks rather than drop a fill); deltas go out on a droppable channel.
type Service struct {
	cfg  Config
	log  *slog.Logger
	book *book.Book
	pub  *publisher

	// external id → engine id for resting orders only.
	resting map[uuid.UUID]book.OrderID

	commands chan command
	events   chan Event
	deltas   chan BookDelta

	t *tomb.Tomb
}

// New creates a stopped engine service. Call Start to begin processing.
func New(cfg Config, log *slog.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:      cfg,
		log:      log.With("component", "engine", "symbol", cfg.Symbol.String()),
		book:     book.NewSeeded(cfg.StartTradeSeq),
		pub:      newPublisher(cfg.Symbol.String(), cfg.Depth, cfg.Heartbeat),
		resting:  make(map[uuid.UUID]book.OrderID),
		commands: make(chan command, cfg.CommandBuffer),
		events:   make(chan Event, cfg.EventBuffer),
		deltas:   make(chan BookDelta, cfg.DeltaBuffer),
	}
}

// Start launches the engine loop under the given context.
func (s *Service) Start(ctx context.Context) {
	s.t, _ = tomb.WithContext(ctx)
	s.t.Go(s.loop)
	s.log.Info("engine started",
		"publish_interval", s.cfg.PublishInterval,
		"depth", s.cfg.Depth)
}

// Stop shuts the loop down and waits for it.
func (s *Service) Stop() error {
	s.t.Kill(nil)
	return s.t.Wait()
}

// Events is the reliable lifecycle stream: Accepted, Rejected, Filled,
// Cancelled.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Deltas is the droppable market data stream.
func (s *Service) Deltas() <-chan BookDelta {
	return s.deltas
}

// SubmitPlace enqueues an order for admission. It fails with
// ErrEngineUnavailable when the command queue stays full past the context
// deadline or the engine is down; the outcome otherwise arrives as events.
func (s *Service) SubmitPlace(ctx context.Context, cmd PlaceCommand) error {
	return s.submit(ctx, cmd)
}

// SubmitCancel enqueues a cancellation.
func (s *Service) SubmitCancel(ctx context.Context, cmd CancelCommand) error {
	return s.submit(ctx, cmd)
}

func (s *Service) submit(ctx context.Context, cmd command) error {
	select {
	case s.commands <- cmd:
		return nil
	case <-ctx.Done():
		return domain.ErrEngineUnavailable
	case <-s.t.Dying():
		return domain.ErrEngineUnavailable
	}
}

// Snapshot returns a full resync dump, serialised through the loop.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	req := snapshotRequest{reply: make(chan Snapshot, 1)}
	if err := s.submit(ctx, req); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, domain.ErrEngineUnavailable
	case <-s.t.Dying():
		return Snapshot{}, domain.ErrEngineUnavailable
	}
}

// Quote simulates a market order against the current book without placing
// it.
func (s *Service) Quote(ctx context.Context, side domain.Side, qty decimal.Decimal) (QuoteResult, error) {
	req := quoteRequest{side: side, qty: qty, reply: make(chan QuoteResult, 1)}
	if err := s.submit(ctx, req); err != nil {
		return QuoteResult{}, err
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return QuoteResult{}, domain.ErrEngineUnavailable
	case <-s.t.Dying():
		return QuoteResult{}, domain.ErrEngineUnavailable
	}
}

func (s *Service) loop() error {
	ticker := time.NewTicker(s.cfg.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.t.Dying():
			return nil
		case cmd := <-s.commands:
			s.handle(cmd)
		case now := <-ticker.C:
			s.publish(now)
		}
	}
}

func (s *Service) handle(cmd command) {
	switch c := cmd.(type) {
	case PlaceCommand:
		s.handlePlace(c)
	case CancelCommand:
		s.handleCancel(c)
	case snapshotRequest:
		c.reply <- s.snapshot()
	case quoteRequest:
		c.reply <- s.quote(c.side, c.qty)
	}
}

func (s *Service) handlePlace(cmd PlaceCommand) {
	if err := validatePlace(cmd); err != nil {
		s.emit(Rejected{OrderID: cmd.OrderID, Reason: err})
		return
	}
	if _, dup := s.resting[cmd.OrderID]; dup {
		s.emit(Rejected{OrderID: cmd.OrderID, Reason: domain.ErrConflict})
		return
	}

	var result book.OrderResult
	if cmd.Kind == domain.OrderKindMarket {
		result = s.book.AddMarket(cmd.OrderID, cmd.Side, cmd.Quantity, cmd.MaxSlippage)
	} else {
		result = s.book.AddLimit(cmd.OrderID, cmd.Side, cmd.Price, cmd.Quantity)
	}

	s.emit(Accepted{OrderID: cmd.OrderID, EngineID: result.EngineID})

	for _, fill := range result.Fills {
		s.pub.recordFill(fill)
		s.emit(Filled{Fill: fill})
		s.unbindFilled(fill)
	}

	if !result.Remaining.IsZero() {
		if cmd.Kind == domain.OrderKindMarket {
			// Residual is never rested: liquidity ran out or the next
			// level breached the slippage bound.
			s.emit(Cancelled{OrderID: cmd.OrderID, Remaining: result.Remaining})
		} else {
			s.resting[cmd.OrderID] = result.EngineID
		}
	}
}

func (s *Service) handleCancel(cmd CancelCommand) {
	engineID, ok := s.resting[cmd.OrderID]
	if !ok {
		s.emit(Rejected{OrderID: cmd.OrderID, Reason: domain.ErrOrderNotFound})
		return
	}

	order, found := s.book.Lookup(engineID)
	if !found || !s.book.Cancel(engineID) {
		delete(s.resting, cmd.OrderID)
		s.emit(Rejected{OrderID: cmd.OrderID, Reason: domain.ErrOrderNotFound})
		return
	}
	delete(s.resting, cmd.OrderID)
	s.emit(Cancelled{OrderID: cmd.OrderID, Remaining: order.Remaining})
}

// unbindFilled drops the resting-order binding for any side of the fill that
// left the book.
func (s *Service) unbindFilled(fill book.Fill) {
	if _, stillResting := s.book.Lookup(fill.BuyOrderID); !stillResting {
		delete(s.resting, fill.BuyExternalID)
	}
	if _, stillResting := s.book.Lookup(fill.SellOrderID); !stillResting {
		delete(s.resting, fill.SellExternalID)
	}
}

func (s *Service) publish(now time.Time) {
	delta, ok := s.pub.tick(s.book, now)
	if !ok {
		return
	}
	select {
	case s.deltas <- delta:
	default:
		// Market data is droppable; consumers resync from a snapshot on
		// the sequence gap.
		s.log.Warn("delta dropped", "seq", delta.Seq)
	}
}

func (s *Service) snapshot() Snapshot {
	return Snapshot{
		Symbol:     s.cfg.Symbol.String(),
		Seq:        s.pub.seqNow(),
		Bids:       s.book.Levels(domain.SideBid, s.cfg.Depth),
		Asks:       s.book.Levels(domain.SideAsk, s.cfg.Depth),
		OpenOrders: s.book.OpenOrders(),
		Stats:      s.pub.stats(),
	}
}

// emit delivers one lifecycle event, blocking until the consumer takes it.
func (s *Service) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.t.Dying():
	}
}

func validatePlace(cmd PlaceCommand) error {
	if cmd.OrderID == uuid.Nil {
		return domain.ErrInvalidOrder
	}
	if !cmd.Quantity.IsPositive() {
		return domain.ErrInvalidOrder
	}
	if cmd.Kind == domain.OrderKindLimit && !cmd.Price.IsPositive() {
		return domain.ErrInvalidOrder
	}
	if cmd.MaxSlippage.IsNegative() {
		return domain.ErrInvalidOrder
	}
	return nil
}
