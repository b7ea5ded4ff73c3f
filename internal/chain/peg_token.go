package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// PegTokenABI covers the surface of the pegged-token contracts this service
// touches: ERC-20 plus owner-only mint and holder burn.
const PegTokenABI = `[
{"type":"constructor","inputs":[{"name":"owner_","type":"address"}],"stateMutability":"nonpayable"},
{"type":"function","name":"name","inputs":[],"outputs":[{"name":"","type":"string"}],"stateMutability":"view"},
{"type":"function","name":"symbol","inputs":[],"outputs":[{"name":"","type":"string"}],"stateMutability":"view"},
{"type":"function","name":"decimals","inputs":[],"outputs":[{"name":"","type":"uint8"}],"stateMutability":"view"},
{"type":"function","name":"totalSupply","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
{"type":"function","name":"balanceOf","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
{"type":"function","name":"allowance","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
{"type":"function","name":"owner","inputs":[],"outputs":[{"name":"","type":"address"}],"stateMutability":"view"},
{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
{"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
{"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
{"type":"function","name":"mint","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
{"type":"function","name":"burn","inputs":[{"name":"value","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}]},
{"type":"event","name":"Approval","anonymous":false,"inputs":[{"indexed":true,"name":"owner","type":"address"},{"indexed":true,"name":"spender","type":"address"},{"indexed":false,"name":"value","type":"uint256"}]}
]`

var pegTokenABI = mustParseABI(PegTokenABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// PegToken is a Go binding around a deployed pegged-token contract.
type PegToken struct {
	address  common.Address
	contract *bind.BoundContract
}

func NewPegToken(address common.Address, backend bind.ContractBackend) *PegToken {
	return &PegToken{
		address:  address,
		contract: bind.NewBoundContract(address, pegTokenABI, backend, backend, backend),
	}
}

// DeployPegToken deploys bytecode compiled from the pegged-token source with
// owner as the minting authority.
func DeployPegToken(auth *bind.TransactOpts, backend bind.ContractBackend, bytecode []byte, owner common.Address) (common.Address, *types.Transaction, *PegToken, error) {
	addr, tx, contract, err := bind.DeployContract(auth, pegTokenABI, bytecode, backend, owner)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	return addr, tx, &PegToken{address: addr, contract: contract}, nil
}

func (t *PegToken) Address() common.Address { return t.address }

// PackTransfer returns calldata for transfer(to, value); used for gas estimation.
func (t *PegToken) PackTransfer(to common.Address, value *big.Int) ([]byte, error) {
	return pegTokenABI.Pack("transfer", to, value)
}

func (t *PegToken) BalanceOf(opts *bind.CallOpts, account common.Address) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(opts, &out, "balanceOf", account); err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (t *PegToken) Allowance(opts *bind.CallOpts, owner, spender common.Address) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(opts, &out, "allowance", owner, spender); err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (t *PegToken) Decimals(opts *bind.CallOpts) (uint8, error) {
	var out []interface{}
	if err := t.contract.Call(opts, &out, "decimals"); err != nil {
		return 0, err
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

func (t *PegToken) Symbol(opts *bind.CallOpts) (string, error) {
	var out []interface{}
	if err := t.contract.Call(opts, &out, "symbol"); err != nil {
		return "", err
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

func (t *PegToken) Transfer(opts *bind.TransactOpts, to common.Address, value *big.Int) (*types.Transaction, error) {
	return t.contract.Transact(opts, "transfer", to, value)
}

func (t *PegToken) Approve(opts *bind.TransactOpts, spender common.Address, value *big.Int) (*types.Transaction, error) {
	return t.contract.Transact(opts, "approve", spender, value)
}

func (t *PegToken) Mint(opts *bind.TransactOpts, to common.Address, amount *big.Int) (*types.Transaction, error) {
	return t.contract.Transact(opts, "mint", to, amount)
}

func (t *PegToken) Burn(opts *bind.TransactOpts, value *big.Int) (*types.Transaction, error) {
	return t.contract.Transact(opts, "burn", value)
}
