package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// ErrInsufficientFunds is returned when a debit exceeds the account balance.
var ErrInsufficientFunds = errors.New("ledger: insufficient balance")

// Book is an in-memory single-asset ledger. Each Debit or Credit either fully
// succeeds or fully fails with no partial effect, matching the contract the
// deposit engine expects from the platform's funds ledger.
type Book struct {
	mu       sync.Mutex
	balances map[[20]byte]*big.Int
}

// NewBook creates an empty ledger.
func NewBook() *Book {
	return &Book{balances: make(map[[20]byte]*big.Int)}
}

// Mint credits freshly issued funds to an account. Used to seed balances at
// bootstrap and in tests.
func (b *Book) Mint(addr [20]byte, amount *big.Int) error {
	return b.Credit(addr, amount)
}

// Debit pulls amount from the account, failing if the balance is short.
func (b *Book) Debit(from [20]byte, amount *big.Int) error {
	amt, err := checkAmount(amount)
	if err != nil {
		return err
	}
	if amt.Sign() == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	balance := b.balances[from]
	if balance == nil || balance.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	b.balances[from] = new(big.Int).Sub(balance, amt)
	return nil
}

// Credit pushes amount to the account.
func (b *Book) Credit(to [20]byte, amount *big.Int) error {
	amt, err := checkAmount(amount)
	if err != nil {
		return err
	}
	if amt.Sign() == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	balance := b.balances[to]
	if balance == nil {
		balance = big.NewInt(0)
	}
	b.balances[to] = new(big.Int).Add(balance, amt)
	return nil
}

// Balance reports the current balance for an account.
func (b *Book) Balance(addr [20]byte) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	balance := b.balances[addr]
	if balance == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(balance)
}

func checkAmount(amount *big.Int) (*big.Int, error) {
	if amount == nil {
		return big.NewInt(0), nil
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("ledger: negative transfer amount")
	}
	return new(big.Int).Set(amount), nil
}
