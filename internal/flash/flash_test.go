package flash_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"pusdledger/internal/engine"
	"pusdledger/internal/event"
	"pusdledger/internal/fixedpoint"
	"pusdledger/internal/flash"
	"pusdledger/internal/oracle"
	"pusdledger/internal/registry"
	"pusdledger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	pusdAddr     = common.HexToAddress("0x00000000000000000000000000000000000000d9")
	weth         = common.HexToAddress("0x0000000000000000000000000000000000000101")
	wethFeed     = common.HexToAddress("0x00000000000000000000000000000000000001f1")
	custodyAddr  = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	adminAddr    = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	feeCollector = common.HexToAddress("0x000000000000000000000000000000000000fee1")
	initiator    = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	recvAddr     = common.HexToAddress("0x000000000000000000000000000000000000ca11")
)

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fixedpoint.Wad)
}

type fakeCaps map[common.Address]bool

func (c fakeCaps) IsAllowedCollateral(a common.Address) bool { return c[a] }

// stubReceiver drives the callback from test code.
type stubReceiver struct {
	addr common.Address
	onOp func(initiator, asset common.Address, amount, fee *big.Int, data []byte) bool
}

func (r *stubReceiver) Address() common.Address { return r.addr }

func (r *stubReceiver) OnFlashOp(initiator, asset common.Address, amount, fee *big.Int, data []byte) bool {
	return r.onOp(initiator, asset, amount, fee, data)
}

type fixture struct {
	eng     *flash.Engine
	pusd    *token.Ledger
	weth    *token.Ledger
	bank    *token.Bank
	persist chan engine.Output
}

func newFixture(t *testing.T, feeRate *big.Int) *fixture {
	t.Helper()

	pusd := token.NewLedger("PUSD", 18)
	wethLedger := token.NewLedger("WETH", 18)
	bank := token.NewBank()
	if err := bank.Register(pusdAddr, pusd); err != nil {
		t.Fatalf("register pusd: %v", err)
	}
	if err := bank.Register(weth, wethLedger); err != nil {
		t.Fatalf("register weth: %v", err)
	}

	persist := make(chan engine.Output, 64)
	emitter := engine.NewEmitter(0, persist, nil, nil, nil)

	eng, err := flash.New(flash.Config{
		Admin:         adminAddr,
		FeeRecipient:  feeCollector,
		FeeRate:       feeRate,
		Synthetic:     pusd,
		SyntheticAddr: pusdAddr,
		Bank:          bank,
		Self:          custodyAddr,
		Caps:          fakeCaps{weth: true},
		Emitter:       emitter,
		Logger:        zerolog.Nop(),
		Now:           func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("new flash engine: %v", err)
	}

	return &fixture{eng: eng, pusd: pusd, weth: wethLedger, bank: bank, persist: persist}
}

// approveRepayReceiver approves the engine for amount+fee and succeeds.
func (f *fixture) approveRepayReceiver(t *testing.T, ledger *token.Ledger) *stubReceiver {
	t.Helper()
	return &stubReceiver{
		addr: recvAddr,
		onOp: func(_, _ common.Address, amount, fee *big.Int, _ []byte) bool {
			repay := new(big.Int).Add(amount, fee)
			if err := ledger.Approve(recvAddr, custodyAddr, repay); err != nil {
				t.Fatalf("receiver approve: %v", err)
			}
			return true
		},
	}
}

// --- Flash mint ---

func TestFlashMint_Success(t *testing.T) {
	feeRate := big.NewInt(3e15) // 0.3%
	f := newFixture(t, feeRate)

	// Receiver holds just enough PUSD to cover the fee.
	amount := wad(1000)
	fee := fixedpoint.ApplyRate(amount, feeRate)
	if err := f.pusd.Mint(recvAddr, fee); err != nil {
		t.Fatalf("prefund fee: %v", err)
	}
	supplyBefore := f.pusd.TotalSupply()

	recv := f.approveRepayReceiver(t, f.pusd)
	if err := f.eng.Execute(initiator, recv, pusdAddr, amount, nil, flash.KindMint); err != nil {
		t.Fatalf("flash mint: %v", err)
	}

	if got := f.pusd.TotalSupply(); got.Cmp(supplyBefore) != 0 {
		t.Errorf("supply = %s, want conserved %s", got, supplyBefore)
	}
	if got := f.pusd.BalanceOf(feeCollector); got.Cmp(fee) != 0 {
		t.Errorf("fee recipient balance = %s, want %s", got, fee)
	}
	if got := f.pusd.BalanceOf(recvAddr); got.Sign() != 0 {
		t.Errorf("receiver balance = %s, want 0", got)
	}

	out := <-f.persist
	if out.Envelope.Type != event.TypeFlashMintExecuted {
		t.Fatalf("event type = %v, want FlashMintExecuted", out.Envelope.Type)
	}
	evt := out.Event.(*event.FlashMintExecuted)
	if evt.Fee.Cmp(fee) != 0 {
		t.Errorf("event fee = %s, want %s", evt.Fee, fee)
	}
}

func TestFlashMint_WrongAssetRejected(t *testing.T) {
	f := newFixture(t, big.NewInt(0))
	recv := f.approveRepayReceiver(t, f.pusd)

	err := f.eng.Execute(initiator, recv, weth, wad(1), nil, flash.KindMint)
	if !errors.Is(err, flash.ErrInvalidFlashOp) {
		t.Errorf("got %v, want ErrInvalidFlashOp", err)
	}
}

func TestFlashMint_CallbackFailureRollsBack(t *testing.T) {
	f := newFixture(t, big.NewInt(0))
	recv := &stubReceiver{
		addr: recvAddr,
		onOp: func(_, _ common.Address, _, _ *big.Int, _ []byte) bool { return false },
	}

	err := f.eng.Execute(initiator, recv, pusdAddr, wad(1000), nil, flash.KindMint)
	if !errors.Is(err, flash.ErrFlashOpsFailed) {
		t.Fatalf("got %v, want ErrFlashOpsFailed", err)
	}
	if got := f.pusd.TotalSupply(); got.Sign() != 0 {
		t.Errorf("supply = %s after rollback, want 0", got)
	}
	if got := f.pusd.BalanceOf(recvAddr); got.Sign() != 0 {
		t.Errorf("receiver kept %s after rollback", got)
	}
}

func TestFlashMint_FeeShortfallRollsBack(t *testing.T) {
	feeRate := big.NewInt(3e15) // 0.3%
	f := newFixture(t, feeRate)

	// Receiver approves only the principal; it holds nothing to cover the
	// fee, so settlement must fail and undo everything.
	amount := wad(1000)
	recv := &stubReceiver{
		addr: recvAddr,
		onOp: func(_, _ common.Address, amount, _ *big.Int, _ []byte) bool {
			if err := f.pusd.Approve(recvAddr, custodyAddr, amount); err != nil {
				t.Fatalf("receiver approve: %v", err)
			}
			return true
		},
	}

	err := f.eng.Execute(initiator, recv, pusdAddr, amount, nil, flash.KindMint)
	if err == nil {
		t.Fatal("settlement succeeded without fee funds")
	}
	if got := f.pusd.TotalSupply(); got.Sign() != 0 {
		t.Errorf("supply = %s after rollback, want 0", got)
	}
	if got := f.pusd.BalanceOf(recvAddr); got.Sign() != 0 {
		t.Errorf("receiver balance = %s after rollback, want 0", got)
	}
	// The receiver's own approval is its business and stays put.
	if got := f.pusd.Allowance(recvAddr, custodyAddr); got.Cmp(amount) != 0 {
		t.Errorf("allowance = %s, want %s", got, amount)
	}
}

func TestFlashMint_DivertedPrincipalDetected(t *testing.T) {
	f := newFixture(t, big.NewInt(0))
	sink := common.HexToAddress("0x000000000000000000000000000000000000dead")

	// The callback moves the minted principal out of reach and refuses
	// the operation, leaving the abort burn nothing to reclaim.
	recv := &stubReceiver{
		addr: recvAddr,
		onOp: func(_, _ common.Address, amount, _ *big.Int, _ []byte) bool {
			if err := f.pusd.Transfer(recvAddr, sink, amount); err != nil {
				t.Fatalf("divert: %v", err)
			}
			return false
		},
	}

	err := f.eng.Execute(initiator, recv, pusdAddr, wad(1000), nil, flash.KindMint)
	if !errors.Is(err, flash.ErrTotalSupplyChanged) {
		t.Fatalf("got %v, want ErrTotalSupplyChanged", err)
	}
	if got := f.pusd.BalanceOf(recvAddr); got.Sign() != 0 {
		t.Errorf("receiver balance = %s, want 0", got)
	}
}

// --- Flash loan ---

func TestFlashLoan_Success(t *testing.T) {
	feeRate := big.NewInt(3e15)
	f := newFixture(t, feeRate)

	if err := f.weth.Mint(custodyAddr, wad(10)); err != nil {
		t.Fatalf("fund custody: %v", err)
	}
	amount := wad(1)
	fee := fixedpoint.ApplyRate(amount, feeRate)
	if err := f.weth.Mint(recvAddr, fee); err != nil {
		t.Fatalf("prefund fee: %v", err)
	}

	recv := f.approveRepayReceiver(t, f.weth)
	if err := f.eng.Execute(initiator, recv, weth, amount, nil, flash.KindLoan); err != nil {
		t.Fatalf("flash loan: %v", err)
	}

	if got := f.weth.BalanceOf(custodyAddr); got.Cmp(wad(10)) != 0 {
		t.Errorf("custody = %s, want %s", got, wad(10))
	}
	if got := f.weth.BalanceOf(feeCollector); got.Cmp(fee) != 0 {
		t.Errorf("fee recipient = %s, want %s", got, fee)
	}

	out := <-f.persist
	if out.Envelope.Type != event.TypeFlashLoanExecuted {
		t.Errorf("event type = %v, want FlashLoanExecuted", out.Envelope.Type)
	}
}

func TestFlashLoan_UnregisteredAssetRejected(t *testing.T) {
	f := newFixture(t, big.NewInt(0))
	recv := f.approveRepayReceiver(t, f.pusd)

	err := f.eng.Execute(initiator, recv, pusdAddr, wad(1), nil, flash.KindLoan)
	if !errors.Is(err, flash.ErrInvalidFlashOp) {
		t.Errorf("got %v, want ErrInvalidFlashOp", err)
	}
}

func TestFlashLoan_InsufficientCustody(t *testing.T) {
	f := newFixture(t, big.NewInt(0))
	recv := f.approveRepayReceiver(t, f.weth)

	// Custody is empty.
	if err := f.eng.Execute(initiator, recv, weth, wad(1), nil, flash.KindLoan); err == nil {
		t.Error("loan from empty custody succeeded")
	}
}

func TestFlashLoan_DivertedPrincipalDetected(t *testing.T) {
	f := newFixture(t, big.NewInt(0))
	if err := f.weth.Mint(custodyAddr, wad(10)); err != nil {
		t.Fatalf("fund custody: %v", err)
	}
	sink := common.HexToAddress("0x000000000000000000000000000000000000dead")

	// The callback moves the borrowed principal out of reach and refuses
	// the operation, so the engine cannot pull it back into custody.
	recv := &stubReceiver{
		addr: recvAddr,
		onOp: func(_, _ common.Address, amount, _ *big.Int, _ []byte) bool {
			if err := f.weth.Transfer(recvAddr, sink, amount); err != nil {
				t.Fatalf("divert: %v", err)
			}
			return false
		},
	}

	err := f.eng.Execute(initiator, recv, weth, wad(1), nil, flash.KindLoan)
	if !errors.Is(err, flash.ErrTokenBalanceDecrease) {
		t.Fatalf("got %v, want ErrTokenBalanceDecrease", err)
	}
	if got := f.weth.BalanceOf(custodyAddr); got.Cmp(wad(9)) != 0 {
		t.Errorf("custody = %s, want %s", got, wad(9))
	}
	if got := f.weth.BalanceOf(recvAddr); got.Sign() != 0 {
		t.Errorf("receiver kept %s", got)
	}
}

// --- Callback re-entry ---

// newPositionEngine builds a position engine over the fixture's ledgers
// so receiver callbacks can exercise it while a flash op is in flight.
func newPositionEngine(t *testing.T, f *fixture) *engine.Engine {
	t.Helper()

	reg, err := registry.New(
		[]common.Address{weth},
		[]common.Address{wethFeed},
		[]uint8{18},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	cache := oracle.NewFeedCache()
	err = cache.Store(wethFeed, oracle.RoundData{
		RoundID:         1,
		Answer:          big.NewInt(2000_00000000),
		UpdatedAt:       testNow.Add(-time.Minute),
		AnsweredInRound: 1,
	})
	if err != nil {
		t.Fatalf("store round: %v", err)
	}
	adapter := oracle.NewAdapterAt(cache, oracle.StalenessTimeout, func() time.Time { return testNow })

	return engine.New(engine.Config{
		Params:    engine.ConservativeRiskParams(),
		Registry:  reg,
		Oracle:    adapter,
		Synthetic: f.pusd,
		Bank:      f.bank,
		Self:      custodyAddr,
		Emitter:   engine.NewEmitter(0, f.persist, nil, nil, nil),
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return testNow },
	})
}

func TestFlashMint_AbortKeepsCallbackBorrowIntact(t *testing.T) {
	f := newFixture(t, big.NewInt(0))
	posEng := newPositionEngine(t, f)

	user := common.HexToAddress("0x000000000000000000000000000000000000beef")
	if err := f.weth.Mint(user, wad(10)); err != nil {
		t.Fatalf("fund user: %v", err)
	}
	if err := f.weth.Approve(user, custodyAddr, wad(10)); err != nil {
		t.Fatalf("approve deposit: %v", err)
	}
	if err := posEng.Deposit(user, user, weth, wad(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// A healthy position borrows while the flash op is open, then the
	// op itself fails settlement for want of a repay approval.
	borrowed := wad(1000)
	recv := &stubReceiver{
		addr: recvAddr,
		onOp: func(_, _ common.Address, _, _ *big.Int, _ []byte) bool {
			if err := posEng.Mint(user, borrowed); err != nil {
				t.Errorf("mint during callback: %v", err)
			}
			return true
		},
	}

	if err := f.eng.Execute(initiator, recv, pusdAddr, wad(500), nil, flash.KindMint); err == nil {
		t.Fatal("settlement succeeded without repay approval")
	}

	// Only the flash principal unwinds; the borrow keeps both sides.
	if got := posEng.Debt(user); got.Cmp(borrowed) != 0 {
		t.Errorf("debt = %s, want %s", got, borrowed)
	}
	if got := f.pusd.BalanceOf(user); got.Cmp(borrowed) != 0 {
		t.Errorf("user balance = %s, want %s", got, borrowed)
	}
	if got := f.pusd.BalanceOf(recvAddr); got.Sign() != 0 {
		t.Errorf("receiver kept %s", got)
	}
	if got := f.pusd.TotalSupply(); got.Cmp(borrowed) != 0 {
		t.Errorf("supply = %s, want %s", got, borrowed)
	}
}

func TestExecute_NestedFlashOpCompletes(t *testing.T) {
	f := newFixture(t, big.NewInt(0))
	if err := f.weth.Mint(custodyAddr, wad(10)); err != nil {
		t.Fatalf("fund custody: %v", err)
	}

	inner := f.approveRepayReceiver(t, f.weth)
	recv := &stubReceiver{
		addr: recvAddr,
		onOp: func(_, _ common.Address, amount, _ *big.Int, _ []byte) bool {
			if err := f.eng.Execute(initiator, inner, weth, wad(1), nil, flash.KindLoan); err != nil {
				t.Errorf("nested flash loan: %v", err)
			}
			if err := f.pusd.Approve(recvAddr, custodyAddr, amount); err != nil {
				t.Fatalf("receiver approve: %v", err)
			}
			return true
		},
	}

	done := make(chan error, 1)
	go func() {
		done <- f.eng.Execute(initiator, recv, pusdAddr, wad(100), nil, flash.KindMint)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("outer flash mint: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nested Execute did not return")
	}

	if got := f.pusd.TotalSupply(); got.Sign() != 0 {
		t.Errorf("supply = %s, want 0", got)
	}
	if got := f.weth.BalanceOf(custodyAddr); got.Cmp(wad(10)) != 0 {
		t.Errorf("custody = %s, want %s", got, wad(10))
	}
}

// --- Gate and validation ---

func TestExecute_PausedAndInvalidInputs(t *testing.T) {
	f := newFixture(t, big.NewInt(0))
	recv := f.approveRepayReceiver(t, f.pusd)

	if err := f.eng.SetPaused(adminAddr, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.eng.Execute(initiator, recv, pusdAddr, wad(1), nil, flash.KindMint); !errors.Is(err, flash.ErrFlashOpsPaused) {
		t.Errorf("paused: got %v, want ErrFlashOpsPaused", err)
	}
	if err := f.eng.SetPaused(adminAddr, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}

	if err := f.eng.Execute(initiator, nil, pusdAddr, wad(1), nil, flash.KindMint); !errors.Is(err, flash.ErrInvalidFlashOp) {
		t.Errorf("nil receiver: got %v, want ErrInvalidFlashOp", err)
	}
	if err := f.eng.Execute(initiator, recv, pusdAddr, big.NewInt(0), nil, flash.KindMint); !errors.Is(err, flash.ErrInvalidFlashOp) {
		t.Errorf("zero amount: got %v, want ErrInvalidFlashOp", err)
	}
}

// --- Admin operations ---

func TestSetFeeRate_BoundsAndAuthorization(t *testing.T) {
	f := newFixture(t, big.NewInt(3e15))

	overMax := new(big.Int).Add(flash.MaxFeeRate, big.NewInt(1))
	if err := f.eng.SetFeeRate(adminAddr, overMax); !errors.Is(err, flash.ErrInvalidFeeBPS) {
		t.Errorf("over max: got %v, want ErrInvalidFeeBPS", err)
	}
	if got := f.eng.FeeRate(); got.Cmp(big.NewInt(3e15)) != 0 {
		t.Errorf("rate = %s after rejected update, want unchanged", got)
	}

	if err := f.eng.SetFeeRate(initiator, big.NewInt(1e15)); !errors.Is(err, flash.ErrNotAuthorized) {
		t.Errorf("non-admin: got %v, want ErrNotAuthorized", err)
	}

	if err := f.eng.SetFeeRate(adminAddr, flash.MaxFeeRate); err != nil {
		t.Fatalf("set at max: %v", err)
	}
	if got := f.eng.FeeRate(); got.Cmp(flash.MaxFeeRate) != 0 {
		t.Errorf("rate = %s, want max", got)
	}

	out := <-f.persist
	if out.Envelope.Type != event.TypeFeeRateChanged {
		t.Errorf("event type = %v, want FeeRateChanged", out.Envelope.Type)
	}
}

func TestSetFeeRecipient(t *testing.T) {
	f := newFixture(t, big.NewInt(0))

	if err := f.eng.SetFeeRecipient(adminAddr, common.Address{}); !errors.Is(err, flash.ErrInvalidFeeRecipient) {
		t.Errorf("zero recipient: got %v, want ErrInvalidFeeRecipient", err)
	}

	next := common.HexToAddress("0x000000000000000000000000000000000000fee2")
	if err := f.eng.SetFeeRecipient(adminAddr, next); err != nil {
		t.Fatalf("set recipient: %v", err)
	}
	if got := f.eng.FeeRecipient(); got != next {
		t.Errorf("recipient = %s, want %s", got.Hex(), next.Hex())
	}

	out := <-f.persist
	evt := out.Event.(*event.FeeRecipientChanged)
	if evt.Old != feeCollector || evt.New != next {
		t.Errorf("change event = %s -> %s", evt.Old.Hex(), evt.New.Hex())
	}
}

func TestNew_Validation(t *testing.T) {
	cfg := flash.Config{
		Admin:        adminAddr,
		FeeRecipient: common.Address{},
	}
	if _, err := flash.New(cfg); !errors.Is(err, flash.ErrInvalidFeeRecipient) {
		t.Errorf("zero recipient: got %v, want ErrInvalidFeeRecipient", err)
	}

	cfg.FeeRecipient = feeCollector
	cfg.FeeRate = new(big.Int).Add(flash.MaxFeeRate, big.NewInt(1))
	if _, err := flash.New(cfg); !errors.Is(err, flash.ErrInvalidFeeBPS) {
		t.Errorf("over-max rate: got %v, want ErrInvalidFeeBPS", err)
	}
}
