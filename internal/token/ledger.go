package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInvalidAmount         = errors.New("token: invalid amount")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
)

type allowanceKey struct {
	Owner   common.Address
	Spender common.Address
}

// Ledger is a fungible-token balance ledger: balances, allowances, and
// total supply, all unsigned 256-bit. Conservation holds at all times:
// sum(balances) == totalSupply. Mint and burn are not caller-gated here;
// custody is by construction, the engine holds the only minting handle.
type Ledger struct {
	mu sync.Mutex

	symbol   string
	decimals uint8

	supply     uint256.Int
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
}

func NewLedger(symbol string, decimals uint8) *Ledger {
	return &Ledger{
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
}

func (l *Ledger) Symbol() string  { return l.symbol }
func (l *Ledger) Decimals() uint8 { return l.decimals }

func toU256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, fmt.Errorf("%w: exceeds 256 bits", ErrInvalidAmount)
	}
	return v, nil
}

func (l *Ledger) balance(addr common.Address) *uint256.Int {
	if b, ok := l.balances[addr]; ok {
		return b
	}
	b := new(uint256.Int)
	l.balances[addr] = b
	return b
}

func (l *Ledger) allowance(owner, spender common.Address) *uint256.Int {
	key := allowanceKey{Owner: owner, Spender: spender}
	if a, ok := l.allowances[key]; ok {
		return a
	}
	a := new(uint256.Int)
	l.allowances[key] = a
	return a
}

// Mint creates amount new units credited to `to`.
func (l *Ledger) Mint(to common.Address, amount *big.Int) error {
	v, err := toU256(amount)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balance(to)
	bal.Add(bal, v)
	l.supply.Add(&l.supply, v)
	return nil
}

// Burn destroys amount units held by `from`.
func (l *Ledger) Burn(from common.Address, amount *big.Int) error {
	v, err := toU256(amount)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balance(from)
	if bal.Lt(v) {
		return fmt.Errorf("%w: %s holds %s, burn %s", ErrInsufficientBalance, from.Hex(), bal, v)
	}

	bal.Sub(bal, v)
	l.supply.Sub(&l.supply, v)
	return nil
}

// BurnFrom destroys amount units held by `from`, consuming the allowance
// granted to `spender`.
func (l *Ledger) BurnFrom(spender, from common.Address, amount *big.Int) error {
	v, err := toU256(amount)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	allow := l.allowance(from, spender)
	if allow.Lt(v) {
		return fmt.Errorf("%w: %s allows %s, burn %s", ErrInsufficientAllowance, from.Hex(), allow, v)
	}
	bal := l.balance(from)
	if bal.Lt(v) {
		return fmt.Errorf("%w: %s holds %s, burn %s", ErrInsufficientBalance, from.Hex(), bal, v)
	}

	allow.Sub(allow, v)
	bal.Sub(bal, v)
	l.supply.Sub(&l.supply, v)
	return nil
}

// Transfer moves amount units from `from` to `to`.
func (l *Ledger) Transfer(from, to common.Address, amount *big.Int) error {
	v, err := toU256(amount)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	src := l.balance(from)
	if src.Lt(v) {
		return fmt.Errorf("%w: %s holds %s, transfer %s", ErrInsufficientBalance, from.Hex(), src, v)
	}

	dst := l.balance(to)
	src.Sub(src, v)
	dst.Add(dst, v)
	return nil
}

// TransferFrom moves amount units from `from` to `to`, consuming the
// allowance granted to `spender`.
func (l *Ledger) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	v, err := toU256(amount)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	allow := l.allowance(from, spender)
	if allow.Lt(v) {
		return fmt.Errorf("%w: %s allows %s, transfer %s", ErrInsufficientAllowance, from.Hex(), allow, v)
	}
	src := l.balance(from)
	if src.Lt(v) {
		return fmt.Errorf("%w: %s holds %s, transfer %s", ErrInsufficientBalance, from.Hex(), src, v)
	}

	dst := l.balance(to)
	allow.Sub(allow, v)
	src.Sub(src, v)
	dst.Add(dst, v)
	return nil
}

// Approve sets the allowance of spender over owner's balance.
func (l *Ledger) Approve(owner, spender common.Address, amount *big.Int) error {
	v, err := toU256(amount)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.allowance(owner, spender).Set(v)
	return nil
}

// BalanceOf returns the balance of addr.
func (l *Ledger) BalanceOf(addr common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(addr).ToBig()
}

// Allowance returns the allowance of spender over owner's balance.
func (l *Ledger) Allowance(owner, spender common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowance(owner, spender).ToBig()
}

// TotalSupply returns the current total supply.
func (l *Ledger) TotalSupply() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply.ToBig()
}
