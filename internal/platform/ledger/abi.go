// Package ledger adapts the custody program deployed on an EVM chain to the
// domain ledger ports: transaction building, dry runs, submission,
// confirmation, market readiness and balances.
package ledger

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/ethereum/go-ethereum/accounts/abi"
)

const programABIJSON = `[
  {"type":"function","name":"placeOrder","stateMutability":"nonpayable","inputs":[
    {"name":"market","type":"address"},{"name":"side","type":"uint8"},
    {"name":"quantity","type":"bytes"},{"name":"price","type":"bytes"},
    {"name":"ephemeralKey","type":"bytes"},{"name":"proof","type":"bytes"},
    {"name":"auxRoot","type":"bytes"},{"name":"nonce","type":"uint64"}],"outputs":[]},
  {"type":"function","name":"wrapAndPlaceOrder","stateMutability":"nonpayable","inputs":[
    {"name":"mint","type":"address"},{"name":"amount","type":"uint256"},
    {"name":"market","type":"address"},{"name":"side","type":"uint8"},
    {"name":"quantity","type":"bytes"},{"name":"price","type":"bytes"},
    {"name":"ephemeralKey","type":"bytes"},{"name":"proof","type":"bytes"},
    {"name":"auxRoot","type":"bytes"},{"name":"nonce","type":"uint64"}],"outputs":[]},
  {"type":"function","name":"openPosition","stateMutability":"nonpayable","inputs":[
    {"name":"market","type":"address"},{"name":"side","type":"uint8"},
    {"name":"leverage","type":"uint16"},{"name":"nonce","type":"uint64"},
    {"name":"size","type":"bytes"},{"name":"entryPrice","type":"bytes"},
    {"name":"collateral","type":"bytes"},{"name":"ephemeralKey","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"verifyEligibility","stateMutability":"nonpayable","inputs":[
    {"name":"proof","type":"bytes"},{"name":"auxRoot","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"cancelOrder","stateMutability":"nonpayable","inputs":[
    {"name":"market","type":"address"},{"name":"nonce","type":"uint64"}],"outputs":[]},
  {"type":"function","name":"custodialBalance","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"},{"name":"mint","type":"address"}],
    "outputs":[{"name":"","type":"uint256"}]}
]`

const tokenABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	programABI = mustParseABI(programABIJSON)
	tokenABI   = mustParseABI(tokenABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("ledger: parse abi: %v", err))
	}
	return parsed
}

func orderSideCode(s domain.OrderSide) uint8 {
	if s == domain.OrderSideSell {
		return 1
	}
	return 0
}

func positionSideCode(s domain.PositionSide) uint8 {
	if s == domain.PositionSideShort {
		return 1
	}
	return 0
}
