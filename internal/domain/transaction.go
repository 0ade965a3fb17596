package domain

// TxKind names the instruction a transaction carries.
type TxKind string

const (
	TxKindPlainOrder        TxKind = "place_order"
	TxKindWrapAndOrder      TxKind = "wrap_and_place_order"
	TxKindOpenPosition      TxKind = "open_position"
	TxKindVerifyEligibility TxKind = "verify_eligibility"
	TxKindCancelOrder       TxKind = "cancel_order"
)

// Transaction is a signable transaction produced by a TxBuilder. The
// orchestrators treat it as opaque.
type Transaction struct {
	Kind TxKind
	From string
	To   string
	Data []byte
}

// BuiltOrderTx pairs an order transaction with the nonce that derives its
// on-chain record locator.
type BuiltOrderTx struct {
	Tx    Transaction
	Nonce uint64
}

// SimulationResult is the outcome of a dry run. Err is nil on success.
type SimulationResult struct {
	Err  error
	Logs []string
}

// Failed reports whether the simulation reported a failure.
func (r SimulationResult) Failed() bool {
	return r.Err != nil
}
