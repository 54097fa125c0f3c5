package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	// ErrInsufficientFunds is returned when a balance cannot cover a debit.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	// ErrNotConfigured is returned by the zero FuncWallet.
	ErrNotConfigured = errors.New("wallet: not configured")
)

// Wallet captures the functionality proxyd requires from the custody wallet:
// collecting value attached to user requests and paying currency out.
type Wallet interface {
	Collect(ctx context.Context, account string, amount *uint256.Int) (string, error)
	Transfer(ctx context.Context, account string, amount *uint256.Int) (string, error)
}

// FuncWallet adapts callback functions to the Wallet interface.
type FuncWallet struct {
	CollectFunc  func(ctx context.Context, account string, amount *uint256.Int) (string, error)
	TransferFunc func(ctx context.Context, account string, amount *uint256.Int) (string, error)
}

// Collect delegates to the configured callback.
func (w FuncWallet) Collect(ctx context.Context, account string, amount *uint256.Int) (string, error) {
	if w.CollectFunc == nil {
		return "", ErrNotConfigured
	}
	return w.CollectFunc(ctx, account, amount)
}

// Transfer delegates to the configured callback.
func (w FuncWallet) Transfer(ctx context.Context, account string, amount *uint256.Int) (string, error) {
	if w.TransferFunc == nil {
		return "", ErrNotConfigured
	}
	return w.TransferFunc(ctx, account, amount)
}

// Memory is an in-process wallet for development and the simulator. Every
// account has an external balance that requests draw from; collected value
// sits in the treasury until paid out.
//
// The wallet never sees currency move to or from the pool. A payout larger
// than the treasury is therefore covered by funds recalled from the pool: the
// treasury drops to zero and the remainder is counted in Recalled, so
// collected + recalled always equals treasury + paid out.
type Memory struct {
	mu       sync.Mutex
	balances map[string]*uint256.Int
	treasury *uint256.Int
	recalled *uint256.Int
}

// NewMemory constructs an empty in-memory wallet.
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]*uint256.Int),
		treasury: new(uint256.Int),
		recalled: new(uint256.Int),
	}
}

// Fund credits an account's external balance.
func (m *Memory) Fund(account string, amount *uint256.Int) {
	if amount == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.TrimSpace(account)
	bal, ok := m.balances[key]
	if !ok {
		bal = new(uint256.Int)
		m.balances[key] = bal
	}
	bal.Add(bal, amount)
}

// Balance returns a copy of the account's external balance.
func (m *Memory) Balance(account string) *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bal, ok := m.balances[strings.TrimSpace(account)]; ok {
		return new(uint256.Int).Set(bal)
	}
	return new(uint256.Int)
}

// Treasury returns a copy of the value currently held for the proxy.
func (m *Memory) Treasury() *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(uint256.Int).Set(m.treasury)
}

// Recalled returns the total paid out beyond the collected treasury.
func (m *Memory) Recalled() *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(uint256.Int).Set(m.recalled)
}

// Collect moves amount from the account into the treasury.
func (m *Memory) Collect(ctx context.Context, account string, amount *uint256.Int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount == nil || amount.IsZero() {
		return "", fmt.Errorf("collect: amount must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[strings.TrimSpace(account)]
	if !ok || bal.Lt(amount) {
		return "", ErrInsufficientFunds
	}
	bal.Sub(bal, amount)
	m.treasury.Add(m.treasury, amount)
	return uuid.NewString(), nil
}

// Transfer pays amount to the account, drawing on the treasury first and
// booking any remainder as recalled from the pool.
func (m *Memory) Transfer(ctx context.Context, account string, amount *uint256.Int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount == nil || amount.IsZero() {
		return "", fmt.Errorf("transfer: amount must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.treasury.Lt(amount) {
		shortfall := new(uint256.Int).Sub(amount, m.treasury)
		m.recalled.Add(m.recalled, shortfall)
		m.treasury.Clear()
	} else {
		m.treasury.Sub(m.treasury, amount)
	}
	key := strings.TrimSpace(account)
	bal, ok := m.balances[key]
	if !ok {
		bal = new(uint256.Int)
		m.balances[key] = bal
	}
	bal.Add(bal, amount)
	return uuid.NewString(), nil
}
