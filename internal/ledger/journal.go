package ledger

// Journal receives every committed posting and trade for durable storage.
// Implementations must tolerate replay on boot: the ledger feeds journalled
// rows back through Restore* to rebuild balances.
type Journal interface {
	AppendEntry(Entry) error
	AppendTrade(Trade) error
}

// NopJournal discards everything. Used in tests and when persistence is
// disabled.
type NopJournal struct{}

func (NopJournal) AppendEntry(Entry) error { return nil }
func (NopJournal) AppendTrade(Trade) error { return nil }
