package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/kcnex/core/internal/domain"
	"github.com/kcnex/core/internal/ledger"
)

// Key layout:
//
//	e/<20-digit seq>  ledger entry, append-only
//	t/<20-digit seq>  settled trade, append-only
//	o/<order uuid>    latest client order state, overwritten in place
//
// Entries and trades are written with Sync: a crash after a settlement ack
// must not lose the posting. Order rows are rewritten on every transition and
// also synced, since the recovery path trusts them to decide which locks are
// still outstanding.
type Journal struct {
	db *pebble.DB

	mu       sync.Mutex
	entrySeq uint64
	tradeSeq uint64
}

// OpenJournal opens (or creates) the journal at dir and positions the append
// sequences after the last persisted row.
func OpenJournal(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := &Journal{db: db}

	if j.entrySeq, err = j.lastSeq("e/"); err != nil {
		db.Close()
		return nil, err
	}
	if j.tradeSeq, err = j.lastSeq("t/"); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// AppendEntry durably records one ledger posting.
func (j *Journal) AppendEntry(e ledger.Entry) error {
	j.mu.Lock()
	j.entrySeq++
	key := seqKey("e/", j.entrySeq)
	j.mu.Unlock()

	return j.put(key, e)
}

// AppendTrade durably records one settled trade.
func (j *Journal) AppendTrade(t ledger.Trade) error {
	j.mu.Lock()
	j.tradeSeq++
	key := seqKey("t/", j.tradeSeq)
	j.mu.Unlock()

	return j.put(key, t)
}

// PutOrder overwrites the persisted state of one client order.
func (j *Journal) PutOrder(o domain.ClientOrder) error {
	return j.put(orderKey(o.ID), o)
}

// ReplayEntries streams every journalled posting in append order.
func (j *Journal) ReplayEntries(fn func(ledger.Entry) error) error {
	return replay(j.db, "e/", fn)
}

// ReplayTrades streams every journalled trade in append order.
func (j *Journal) ReplayTrades(fn func(ledger.Trade) error) error {
	return replay(j.db, "t/", fn)
}

// ReplayOrders streams every persisted client order.
func (j *Journal) ReplayOrders(fn func(domain.ClientOrder) error) error {
	return replay(j.db, "o/", fn)
}

func (j *Journal) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("journal encode %s: %w", key, err)
	}
	if err := j.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("journal write %s: %w", key, err)
	}
	return nil
}

// lastSeq finds the highest sequence number already present under prefix.
func (j *Journal) lastSeq(prefix string) (uint64, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "~"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	var seq uint64
	if _, err := fmt.Sscanf(string(iter.Key()[len(prefix):]), "%d", &seq); err != nil {
		return 0, fmt.Errorf("journal: malformed key %q: %w", iter.Key(), err)
	}
	return seq, nil
}

func replay[T any](db *pebble.DB, prefix string, fn func(T) error) error {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var v T
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			return fmt.Errorf("journal decode %q: %w", iter.Key(), err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return iter.Error()
}

func seqKey(prefix string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefix, seq))
}

func orderKey(id uuid.UUID) []byte {
	return append([]byte("o/"), id.String()...)
}
