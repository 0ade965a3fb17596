package domain

// Market describes a trading pair deployed (or about to be deployed) on the
// custody ledger. Decimals give the smallest-unit scale of each mint.
type Market struct {
	Pair          string // e.g. "SOL/USDC"
	BaseMint      string
	QuoteMint     string
	BaseDecimals  int32
	QuoteDecimals int32
	Address       string // order program market account
	PerpAddress   string // leveraged position market account, optional
}

// Balances is a snapshot of the two balances of one mint held by an owner.
type Balances struct {
	Custodial    uint64 // wrapped, held by the custody program
	NonCustodial uint64 // unwrapped, held in the owner's wallet
}

// Total returns the sum of both balances, saturating at the uint64 maximum.
func (b Balances) Total() uint64 {
	sum := b.Custodial + b.NonCustodial
	if sum < b.Custodial {
		return ^uint64(0)
	}
	return sum
}
