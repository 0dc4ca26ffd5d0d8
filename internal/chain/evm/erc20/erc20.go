// Package erc20 builds ERC-20 call payloads. Encoding goes through the
// canonical ABI encoder so token-transfer proposals carry byte-exact
// calldata for the external broadcaster.
package erc20

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const abiJSON = `[
	{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"balanceOf","type":"function","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var parsed = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(fmt.Sprintf("erc20: parse abi: %v", err))
	}
	return a
}()

// TransferCalldata encodes transfer(to, amount).
func TransferCalldata(to common.Address, amount *big.Int) ([]byte, error) {
	data, err := parsed.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("encode transfer: %w", err)
	}
	return data, nil
}

// BalanceOfCalldata encodes balanceOf(owner).
func BalanceOfCalldata(owner common.Address) ([]byte, error) {
	data, err := parsed.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("encode balanceOf: %w", err)
	}
	return data, nil
}

// DecodeBalanceOf unpacks a balanceOf return value.
func DecodeBalanceOf(ret []byte) (*big.Int, error) {
	values, err := parsed.Unpack("balanceOf", ret)
	if err != nil {
		return nil, fmt.Errorf("decode balanceOf: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("decode balanceOf: unexpected return arity %d", len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode balanceOf: unexpected return type %T", values[0])
	}
	return amount, nil
}
