package stake

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"aegisbridge/crypto"
	"aegisbridge/storage"
)

func testAddr(prefix crypto.AddressPrefix, fill byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	for i := range raw {
		raw[i] = fill
	}
	return crypto.NewAddress(prefix, raw)
}

type staticSource struct {
	totals map[string]*big.Int
	err    error
}

func (s *staticSource) TotalStake(_ context.Context, validator crypto.Address) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	total, ok := s.totals[validator.String()]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(total), nil
}

func TestNewVerifierRejectsBadThreshold(t *testing.T) {
	source := &staticSource{}
	if _, err := NewVerifier(source, big.NewInt(0)); err == nil {
		t.Fatalf("expected zero threshold rejection")
	}
	if _, err := NewVerifier(source, nil); err == nil {
		t.Fatalf("expected nil threshold rejection")
	}
	if _, err := NewVerifier(nil, big.NewInt(1)); err == nil {
		t.Fatalf("expected nil source rejection")
	}
}

func TestVerifyStakeThreshold(t *testing.T) {
	validator := testAddr(crypto.ValidatorPrefix, 0x11)
	underfunded := testAddr(crypto.ValidatorPrefix, 0x22)
	source := &staticSource{totals: map[string]*big.Int{
		validator.String():   big.NewInt(1_000),
		underfunded.String(): big.NewInt(999),
	}}
	verifier, err := NewVerifier(source, big.NewInt(1_000))
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	ctx := context.Background()
	if !verifier.VerifyStake(ctx, validator) {
		t.Fatalf("stake at threshold must admit")
	}
	if verifier.VerifyStake(ctx, underfunded) {
		t.Fatalf("stake below threshold must deny")
	}
	if verifier.VerifyStake(ctx, testAddr(crypto.ValidatorPrefix, 0x33)) {
		t.Fatalf("unknown validator must deny")
	}
	if verifier.VerifyStake(ctx, crypto.Address{}) {
		t.Fatalf("zero address must deny")
	}
}

func TestVerifyStakeFailsClosed(t *testing.T) {
	source := &staticSource{err: errors.New("state db unavailable")}
	verifier, err := NewVerifier(source, big.NewInt(1))
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	if verifier.VerifyStake(context.Background(), testAddr(crypto.ValidatorPrefix, 0x11)) {
		t.Fatalf("source error must deny admission")
	}
}

func TestLedgerSourceSumsDelegations(t *testing.T) {
	source, err := NewLedgerSource(storage.NewMemDB())
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	validator := testAddr(crypto.ValidatorPrefix, 0x11)
	other := testAddr(crypto.ValidatorPrefix, 0x22)

	delegators := []struct {
		addr   crypto.Address
		amount int64
	}{
		{testAddr(crypto.AccountPrefix, 0xA1), 400},
		{testAddr(crypto.AccountPrefix, 0xA2), 350},
		{testAddr(crypto.AccountPrefix, 0xA3), 250},
	}
	for _, d := range delegators {
		if err := source.SetDelegation(validator, d.addr, big.NewInt(d.amount)); err != nil {
			t.Fatalf("set delegation: %v", err)
		}
	}
	// A row for an unrelated validator must not leak into the sum.
	if err := source.SetDelegation(other, delegators[0].addr, big.NewInt(9_999)); err != nil {
		t.Fatalf("set delegation: %v", err)
	}

	total, err := source.TotalStake(context.Background(), validator)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("total = %s, want 1000", total)
	}

	// Undelegating removes the row and drops the sum.
	if err := source.SetDelegation(validator, delegators[0].addr, nil); err != nil {
		t.Fatalf("clear delegation: %v", err)
	}
	total, err = source.TotalStake(context.Background(), validator)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("total = %s, want 600", total)
	}
}

func TestLedgerSourceRejectsMalformedRow(t *testing.T) {
	db := storage.NewMemDB()
	source, err := NewLedgerSource(db)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	validator := testAddr(crypto.ValidatorPrefix, 0x11)
	if err := source.SetDelegation(validator, testAddr(crypto.AccountPrefix, 0xA1), big.NewInt(100)); err != nil {
		t.Fatalf("set delegation: %v", err)
	}

	key := delegationKey(validator, testAddr(crypto.AccountPrefix, 0xA2))
	if err := db.Put(key, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}
	if _, err := source.TotalStake(context.Background(), validator); err == nil {
		t.Fatalf("expected malformed row error")
	}
}

func TestLedgerSourceWithVerifier(t *testing.T) {
	source, err := NewLedgerSource(storage.NewMemDB())
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	validator := testAddr(crypto.ValidatorPrefix, 0x11)

	min, ok := new(big.Int).SetString("1000000000000000000", 10)
	if !ok {
		t.Fatalf("parse threshold")
	}
	verifier, err := NewVerifier(source, min)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	ctx := context.Background()
	if verifier.VerifyStake(ctx, validator) {
		t.Fatalf("unstaked validator admitted")
	}

	half := new(big.Int).Rsh(min, 1)
	if err := source.SetDelegation(validator, testAddr(crypto.AccountPrefix, 0xA1), half); err != nil {
		t.Fatalf("set delegation: %v", err)
	}
	if verifier.VerifyStake(ctx, validator) {
		t.Fatalf("half-staked validator admitted")
	}

	rest := new(big.Int).Sub(min, half)
	if err := source.SetDelegation(validator, testAddr(crypto.AccountPrefix, 0xA2), rest); err != nil {
		t.Fatalf("set delegation: %v", err)
	}
	if !verifier.VerifyStake(ctx, validator) {
		t.Fatalf("fully staked validator denied")
	}

	// A later undelegation must be visible immediately: nothing is cached.
	if err := source.SetDelegation(validator, testAddr(crypto.AccountPrefix, 0xA2), nil); err != nil {
		t.Fatalf("clear delegation: %v", err)
	}
	if verifier.VerifyStake(ctx, validator) {
		t.Fatalf("stale admission after undelegation")
	}
}
