package stakeproxy

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"stakeproxy/native/stakeproxy/pool"
	"stakeproxy/storage"
)

const (
	accountKeyPrefix = "stakeproxy/account/"
	contractKey      = "stakeproxy/contract"

	// DefaultFeeBasisPoints is the fee assumed until the pool reports one.
	DefaultFeeBasisPoints = 400
)

// Contract is the proxy-wide state shared by every account.
type Contract struct {
	TotalStakeShares *uint256.Int
	SharePrice       *uint256.Int
	FeeBasisPoints   uint16
	Paused           bool
}

// DefaultContract returns the state of a freshly initialised proxy: a share
// price of exactly one and the default fee.
func DefaultContract() *Contract {
	return &Contract{
		TotalStakeShares: new(uint256.Int),
		SharePrice:       pool.PriceDenominator(),
		FeeBasisPoints:   DefaultFeeBasisPoints,
	}
}

// Clone returns a deep copy of the contract state.
func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	return &Contract{
		TotalStakeShares: orZero(c.TotalStakeShares).Clone(),
		SharePrice:       orZero(c.SharePrice).Clone(),
		FeeBasisPoints:   c.FeeBasisPoints,
		Paused:           c.Paused,
	}
}

type storedAccount struct {
	Unstaked    []byte
	Pending     []byte
	Shares      []byte
	UnlockEpoch uint64
}

type storedContract struct {
	TotalStakeShares []byte
	SharePrice       []byte
	FeeBasisPoints   uint64
	Paused           bool
}

// Ledger persists accounts and contract state in a key-value store. Save is
// the only path that writes account records, so empty accounts never linger.
type Ledger struct {
	db storage.Database
}

// NewLedger constructs a ledger backed by db.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func accountKey(id string) []byte {
	return []byte(accountKeyPrefix + id)
}

// Get returns the stored account, or a zero account when none exists. Only
// storage failures are reported as errors.
func (l *Ledger) Get(id string) (*Account, error) {
	if l == nil || l.db == nil {
		return nil, errNilLedger
	}
	raw, err := l.db.Get(accountKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return newAccount(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("stakeproxy: load account %s: %w", id, err)
	}
	acc, err := decodeAccount(raw)
	if err != nil {
		return nil, fmt.Errorf("stakeproxy: decode account %s: %w", id, err)
	}
	return acc, nil
}

// Save deletes the record when acc is empty and upserts it otherwise.
func (l *Ledger) Save(id string, acc *Account) error {
	if l == nil || l.db == nil {
		return errNilLedger
	}
	if acc.IsEmpty() {
		if err := l.db.Delete(accountKey(id)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("stakeproxy: delete account %s: %w", id, err)
		}
		return nil
	}
	encoded, err := encodeAccount(acc)
	if err != nil {
		return fmt.Errorf("stakeproxy: encode account %s: %w", id, err)
	}
	if err := l.db.Put(accountKey(id), encoded); err != nil {
		return fmt.Errorf("stakeproxy: store account %s: %w", id, err)
	}
	return nil
}

// Exists reports whether a record is stored for id.
func (l *Ledger) Exists(id string) (bool, error) {
	if l == nil || l.db == nil {
		return false, errNilLedger
	}
	_, err := l.db.Get(accountKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Contract returns the stored contract state, falling back to defaults.
func (l *Ledger) Contract() (*Contract, error) {
	if l == nil || l.db == nil {
		return nil, errNilLedger
	}
	raw, err := l.db.Get([]byte(contractKey))
	if errors.Is(err, storage.ErrNotFound) {
		return DefaultContract(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("stakeproxy: load contract: %w", err)
	}
	var stored storedContract
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("stakeproxy: decode contract: %w", err)
	}
	c := &Contract{
		TotalStakeShares: new(uint256.Int).SetBytes(stored.TotalStakeShares),
		SharePrice:       new(uint256.Int).SetBytes(stored.SharePrice),
		FeeBasisPoints:   uint16(stored.FeeBasisPoints),
		Paused:           stored.Paused,
	}
	if c.SharePrice.IsZero() {
		c.SharePrice = pool.PriceDenominator()
	}
	return c, nil
}

// SaveContract persists the contract state.
func (l *Ledger) SaveContract(c *Contract) error {
	if l == nil || l.db == nil {
		return errNilLedger
	}
	if c == nil {
		return errors.New("stakeproxy: nil contract")
	}
	encoded, err := encodeContract(c)
	if err != nil {
		return fmt.Errorf("stakeproxy: encode contract: %w", err)
	}
	if err := l.db.Put([]byte(contractKey), encoded); err != nil {
		return fmt.Errorf("stakeproxy: store contract: %w", err)
	}
	return nil
}

// ForEach visits every stored account in key order until fn returns false.
func (l *Ledger) ForEach(fn func(id string, acc *Account) bool) error {
	if l == nil || l.db == nil {
		return errNilLedger
	}
	var decodeErr error
	err := l.db.Iterate([]byte(accountKeyPrefix), func(key, value []byte) bool {
		id := strings.TrimPrefix(string(key), accountKeyPrefix)
		acc, err := decodeAccount(value)
		if err != nil {
			decodeErr = fmt.Errorf("stakeproxy: decode account %s: %w", id, err)
			return false
		}
		return fn(id, acc)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// SumShares adds the stake shares of every stored account.
func (l *Ledger) SumShares() (*uint256.Int, error) {
	total := new(uint256.Int)
	err := l.ForEach(func(_ string, acc *Account) bool {
		total = saturatingAdd(total, acc.StakeShares)
		return true
	})
	return total, err
}

// Count returns the number of stored accounts.
func (l *Ledger) Count() (int, error) {
	n := 0
	err := l.ForEach(func(string, *Account) bool {
		n++
		return true
	})
	return n, err
}

// Digest hashes the contract record and every account record in key order.
// Two ledgers with equal digests hold identical state.
func (l *Ledger) Digest() ([32]byte, error) {
	if l == nil || l.db == nil {
		return [32]byte{}, errNilLedger
	}
	contract, err := l.Contract()
	if err != nil {
		return [32]byte{}, err
	}
	encoded, err := encodeContract(contract)
	if err != nil {
		return [32]byte{}, err
	}
	var buf bytes.Buffer
	buf.WriteString(contractKey)
	buf.Write(encoded)
	err = l.db.Iterate([]byte(accountKeyPrefix), func(key, value []byte) bool {
		buf.Write(key)
		buf.Write(value)
		return true
	})
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(buf.Bytes()), nil
}

func encodeAccount(acc *Account) ([]byte, error) {
	return rlp.EncodeToBytes(storedAccount{
		Unstaked:    orZero(acc.Unstaked).Bytes(),
		Pending:     orZero(acc.UnstakedPendingExternal).Bytes(),
		Shares:      orZero(acc.StakeShares).Bytes(),
		UnlockEpoch: acc.UnstakedAvailableEpochHeight,
	})
}

func decodeAccount(raw []byte) (*Account, error) {
	var stored storedAccount
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, err
	}
	return &Account{
		Unstaked:                     new(uint256.Int).SetBytes(stored.Unstaked),
		UnstakedPendingExternal:      new(uint256.Int).SetBytes(stored.Pending),
		StakeShares:                  new(uint256.Int).SetBytes(stored.Shares),
		UnstakedAvailableEpochHeight: stored.UnlockEpoch,
	}, nil
}

func encodeContract(c *Contract) ([]byte, error) {
	return rlp.EncodeToBytes(storedContract{
		TotalStakeShares: orZero(c.TotalStakeShares).Bytes(),
		SharePrice:       orZero(c.SharePrice).Bytes(),
		FeeBasisPoints:   uint64(c.FeeBasisPoints),
		Paused:           c.Paused,
	})
}
