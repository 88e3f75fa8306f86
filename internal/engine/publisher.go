package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kcnex/core/internal/book"
	"github.com/kcnex/core/internal/domain"
)

const statsWindow = 24 * time.Hour

// publisher turns book state into the delta stream. It keeps a shadow of the
// last published top-N per side and diffs against it on every tick, so a
// consumer that applies deltas in sequence reconstructs the top of book
// exactly. Owned by the engine loop; no locking.
type publisher struct {
	symbol    string
	depth     int
	heartbeat time.Duration

	seq        uint64
	shadowBids []book.Level
	shadowAsks []book.Level
	lastEmit   time.Time

	pending   []TradeTick // trades since the last delta
	window    []TradeTick // rolling 24h, oldest first
	lastPrice decimal.Decimal
}

func newPublisher(symbol string, depth int, heartbeat time.Duration) *publisher {
	return &publisher{symbol: symbol, depth: depth, heartbeat: heartbeat}
}

// recordFill feeds one match into the pending batch and the rolling window.
func (p *publisher) recordFill(f book.Fill) {
	tick := TradeTick{
		Price:     f.Price,
		Quantity:  f.Quantity,
		TakerSide: string(f.TakerSide),
		Time:      f.Time,
	}
	p.pending = append(p.pending, tick)
	p.window = append(p.window, tick)
	p.lastPrice = f.Price
}

// tick produces the next delta, or ok=false when nothing changed and the
// heartbeat interval has not elapsed. Seq only advances on emission, so the
// stream stays gap-free.
func (p *publisher) tick(b *book.Book, now time.Time) (BookDelta, bool) {
	p.prune(now)

	bids := b.Levels(domain.SideBid, p.depth)
	asks := b.Levels(domain.SideAsk, p.depth)

	bidChanges := diffLevels(p.shadowBids, bids)
	askChanges := diffLevels(p.shadowAsks, asks)

	idle := len(bidChanges) == 0 && len(askChanges) == 0 && len(p.pending) == 0
	if idle && now.Sub(p.lastEmit) < p.heartbeat {
		return BookDelta{}, false
	}

	p.seq++
	delta := BookDelta{
		Seq:        p.seq,
		Symbol:     p.symbol,
		Time:       now,
		BidChanges: bidChanges,
		AskChanges: askChanges,
		TotalBid:   sumLevels(bids),
		TotalAsk:   sumLevels(asks),
		Trades:     p.pending,
		Stats:      p.stats(),
	}

	p.shadowBids = bids
	p.shadowAsks = asks
	p.pending = nil
	p.lastEmit = now
	return delta, true
}

// seqNow returns the sequence the next delta will follow, for snapshots.
func (p *publisher) seqNow() uint64 {
	return p.seq
}

func (p *publisher) prune(now time.Time) {
	cutoff := now.Add(-statsWindow)
	i := 0
	for i < len(p.window) && p.window[i].Time.Before(cutoff) {
		i++
	}
	p.window = p.window[i:]
}

// stats summarises the rolling window. Open is the oldest trade still inside
// the window; Last survives even after the window empties.
func (p *publisher) stats() Stats24h {
	s := Stats24h{Last: p.lastPrice}
	if len(p.window) == 0 {
		return s
	}
	s.Open = p.window[0].Price
	s.High = p.window[0].Price
	s.Low = p.window[0].Price
	for _, t := range p.window {
		if t.Price.GreaterThan(s.High) {
			s.High = t.Price
		}
		if t.Price.LessThan(s.Low) {
			s.Low = t.Price
		}
		s.Volume = s.Volume.Add(t.Quantity)
	}
	return s
}

// diffLevels compares the previously published levels with the current ones,
// emitting [price, old, new] changes. Surviving levels come first in book
// order, removed levels last.
func diffLevels(old, current []book.Level) []LevelChange {
	prev := make(map[string]decimal.Decimal, len(old))
	for _, l := range old {
		prev[l.Price.String()] = l.Quantity
	}

	var changes []LevelChange
	for _, l := range current {
		key := l.Price.String()
		before, existed := prev[key]
		if existed {
			delete(prev, key)
			if before.Equal(l.Quantity) {
				continue
			}
		}
		changes = append(changes, LevelChange{Price: l.Price, Old: before, New: l.Quantity})
	}
	for _, l := range old {
		if before, gone := prev[l.Price.String()]; gone {
			changes = append(changes, LevelChange{Price: l.Price, Old: before})
		}
	}
	return changes
}

func sumLevels(levels []book.Level) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Quantity)
	}
	return total
}
