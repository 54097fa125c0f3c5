package stakeproxy

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"stakeproxy/native/stakeproxy/pool"
	"stakeproxy/storage"
)

func TestLedgerEmptinessRoundTrip(t *testing.T) {
	db := storage.NewMemDB()
	ledger := NewLedger(db)

	acc, err := ledger.Get("alice")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if !acc.IsEmpty() || acc.Unstaked == nil {
		t.Fatalf("expected zero-valued account, got %+v", acc)
	}

	acc.StakeShares = uint256.NewInt(7)
	acc.UnstakedAvailableEpochHeight = 12
	if err := ledger.Save("alice", acc); err != nil {
		t.Fatalf("save: %v", err)
	}
	if exists, _ := ledger.Exists("alice"); !exists {
		t.Fatalf("non-empty account must be stored")
	}
	loaded, err := ledger.Get("alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !loaded.StakeShares.Eq(uint256.NewInt(7)) || loaded.UnstakedAvailableEpochHeight != 12 {
		t.Fatalf("unexpected round trip %+v", loaded)
	}

	// The unlock epoch alone does not keep an account alive.
	loaded.StakeShares = new(uint256.Int)
	if err := ledger.Save("alice", loaded); err != nil {
		t.Fatalf("save empty: %v", err)
	}
	if exists, _ := ledger.Exists("alice"); exists {
		t.Fatalf("empty account must be deleted")
	}
	if db.Len() != 0 {
		t.Fatalf("expected no records, found %d", db.Len())
	}
	if err := ledger.Save("ghost", newAccount()); err != nil {
		t.Fatalf("saving an absent empty account must be a no-op: %v", err)
	}
}

func TestLedgerContractDefaults(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	c, err := ledger.Contract()
	if err != nil {
		t.Fatalf("contract: %v", err)
	}
	if !c.SharePrice.Eq(pool.PriceDenominator()) || c.FeeBasisPoints != DefaultFeeBasisPoints || c.Paused || !c.TotalStakeShares.IsZero() {
		t.Fatalf("unexpected defaults %+v", c)
	}
	c.TotalStakeShares = uint256.NewInt(99)
	c.Paused = true
	c.FeeBasisPoints = 125
	if err := ledger.SaveContract(c); err != nil {
		t.Fatalf("save contract: %v", err)
	}
	loaded, err := ledger.Contract()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !loaded.TotalStakeShares.Eq(uint256.NewInt(99)) || !loaded.Paused || loaded.FeeBasisPoints != 125 {
		t.Fatalf("unexpected contract %+v", loaded)
	}
}

func TestLedgerIterationAndDigest(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	empty, err := ledger.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	for id, shares := range map[string]uint64{"alice": 3, "bob": 4, "carol": 5} {
		acc := newAccount()
		acc.StakeShares = uint256.NewInt(shares)
		if err := ledger.Save(id, acc); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	sum, err := ledger.SumShares()
	if err != nil || sum.Uint64() != 12 {
		t.Fatalf("unexpected share sum %v %v", sum, err)
	}
	var order []string
	if err := ledger.ForEach(func(id string, _ *Account) bool {
		order = append(order, id)
		return len(order) < 2
	}); err != nil {
		t.Fatalf("for each: %v", err)
	}
	if len(order) != 2 || order[0] != "alice" || order[1] != "bob" {
		t.Fatalf("unexpected iteration order %v", order)
	}
	if n, _ := ledger.Count(); n != 3 {
		t.Fatalf("expected 3 accounts, got %d", n)
	}

	full, err := ledger.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if full == empty {
		t.Fatalf("digest must reflect stored accounts")
	}
	again, _ := ledger.Digest()
	if again != full {
		t.Fatalf("digest must be deterministic")
	}
}

func TestLedgerCorruptRecord(t *testing.T) {
	db := storage.NewMemDB()
	if err := db.Put([]byte(accountKeyPrefix+"alice"), []byte{0xff, 0x00}); err != nil {
		t.Fatalf("put: %v", err)
	}
	ledger := NewLedger(db)
	if _, err := ledger.Get("alice"); err == nil {
		t.Fatalf("expected decode error")
	}
	if err := ledger.ForEach(func(string, *Account) bool { return true }); err == nil {
		t.Fatalf("expected iteration to surface decode error")
	}
	var nilLedger *Ledger
	if _, err := nilLedger.Get("alice"); !errors.Is(err, errNilLedger) {
		t.Fatalf("expected errNilLedger, got %v", err)
	}
}

func TestNormalizeAccountID(t *testing.T) {
	cases := map[string]bool{
		"alice":            true,
		"  Bob.Near ":      true,
		"a":                false,
		"has space":        false,
		"pool_v2-main.cfg": true,
		"":                 false,
	}
	for raw, ok := range cases {
		_, err := NormalizeAccountID(raw)
		if ok && err != nil {
			t.Fatalf("%q: unexpected error %v", raw, err)
		}
		if !ok && !errors.Is(err, ErrInvalidAccount) {
			t.Fatalf("%q: expected ErrInvalidAccount, got %v", raw, err)
		}
	}
}
