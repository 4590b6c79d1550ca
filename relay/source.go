package relay

import "context"

// Source produces the readings currently available. The runner filters them
// through the ledger, so a source may return records it has returned before.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]RawRecord, error)
}
