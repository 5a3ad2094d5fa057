package area

// TransactionsArea names the reserved, opaque block range immediately
// following the root area (spec §3/§4.3). Its contents are never
// interpreted by this core (spec §9's resolved Open Question): callers
// that need the journaling/transaction log format described in
// original_source/ are out of this core's scope (spec §1 Non-goals, "no
// journaling or crash-consistent commit protocol").
type TransactionsArea struct {
	firstDeviceBlock uint64
	blocksCount      uint32
}

// NewTransactionsArea records the reserved range without reading it.
func NewTransactionsArea(firstDeviceBlock uint64, blocksCount uint32) *TransactionsArea {
	return &TransactionsArea{firstDeviceBlock: firstDeviceBlock, blocksCount: blocksCount}
}

// FirstDeviceBlock returns the absolute device block where the
// transactions area begins.
func (t *TransactionsArea) FirstDeviceBlock() uint64 { return t.firstDeviceBlock }

// BlocksCount returns the transactions area's reserved size.
func (t *TransactionsArea) BlocksCount() uint32 { return t.blocksCount }
