package engine_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"pusdledger/internal/engine"
	"pusdledger/internal/event"
	"pusdledger/internal/fixedpoint"
	"pusdledger/internal/oracle"
	"pusdledger/internal/registry"
	"pusdledger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	weth       = common.HexToAddress("0x0000000000000000000000000000000000000101")
	wethFeed   = common.HexToAddress("0x00000000000000000000000000000000000001f1")
	engineAddr = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	alice      = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob        = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
)

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fixedpoint.Wad)
}

type fixture struct {
	eng     *engine.Engine
	cache   *oracle.FeedCache
	pusd    *token.Ledger
	weth    *token.Ledger
	bank    *token.Bank
	persist chan engine.Output
	round   uint64
}

func newFixture(t *testing.T, params engine.RiskParams) *fixture {
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
	adapter := oracle.NewAdapterAt(cache, oracle.StalenessTimeout, func() time.Time { return testNow })

	pusd := token.NewLedger("PUSD", 18)
	wethLedger := token.NewLedger("WETH", 18)
	bank := token.NewBank()
	if err := bank.Register(weth, wethLedger); err != nil {
		t.Fatalf("register asset: %v", err)
	}

	persist := make(chan engine.Output, 64)
	emitter := engine.NewEmitter(0, persist, nil, nil, nil)

	eng := engine.New(engine.Config{
		Params:    params,
		Registry:  reg,
		Oracle:    adapter,
		Synthetic: pusd,
		Bank:      bank,
		Self:      engineAddr,
		Emitter:   emitter,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return testNow },
	})

	f := &fixture{
		eng:     eng,
		cache:   cache,
		pusd:    pusd,
		weth:    wethLedger,
		bank:    bank,
		persist: persist,
	}
	f.setPrice(t, 2000_00000000) // 2000 USD at 8 decimals
	return f
}

// setPrice stores a fresh round for the WETH feed.
func (f *fixture) setPrice(t *testing.T, answer int64) {
	t.Helper()
	f.round++
	err := f.cache.Store(wethFeed, oracle.RoundData{
		RoundID:         f.round,
		Answer:          big.NewInt(answer),
		UpdatedAt:       testNow.Add(-time.Minute),
		AnsweredInRound: f.round,
	})
	if err != nil {
		t.Fatalf("store round: %v", err)
	}
}

// fund mints WETH to a user and approves the engine to pull it.
func (f *fixture) fund(t *testing.T, user common.Address, amount *big.Int) {
	t.Helper()
	if err := f.weth.Mint(user, amount); err != nil {
		t.Fatalf("fund mint: %v", err)
	}
	if err := f.weth.Approve(user, engineAddr, amount); err != nil {
		t.Fatalf("fund approve: %v", err)
	}
}

// approveRepay lets the engine burn PUSD from a user.
func (f *fixture) approveRepay(t *testing.T, user common.Address, amount *big.Int) {
	t.Helper()
	if err := f.pusd.Approve(user, engineAddr, amount); err != nil {
		t.Fatalf("approve repay: %v", err)
	}
}

func (f *fixture) nextEvent(t *testing.T) engine.Output {
	t.Helper()
	select {
	case out := <-f.persist:
		return out
	default:
		t.Fatal("no event emitted")
		return engine.Output{}
	}
}

func (f *fixture) drainEvents() {
	for {
		select {
		case <-f.persist:
		default:
			return
		}
	}
}

// --- Deposit ---

func TestDeposit_CreditsPositionAndCustody(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(3))

	if err := f.eng.Deposit(alice, alice, weth, wad(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if got := f.eng.CollateralBalance(alice, weth); got.Cmp(wad(3)) != 0 {
		t.Errorf("collateral balance = %s, want %s", got, wad(3))
	}
	if got := f.bank.BalanceOf(weth, engineAddr); got.Cmp(wad(3)) != 0 {
		t.Errorf("custody balance = %s, want %s", got, wad(3))
	}
	if got := f.weth.BalanceOf(alice); got.Sign() != 0 {
		t.Errorf("alice keeps %s WETH after deposit", got)
	}

	out := f.nextEvent(t)
	if out.Envelope.Type != event.TypeCollateralDeposited {
		t.Errorf("event type = %v, want CollateralDeposited", out.Envelope.Type)
	}
	if out.Envelope.Sequence != 0 {
		t.Errorf("sequence = %d, want 0", out.Envelope.Sequence)
	}
}

func TestDeposit_OnBehalfOfRecipient(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(1))

	if err := f.eng.Deposit(alice, bob, weth, wad(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := f.eng.CollateralBalance(bob, weth); got.Cmp(wad(1)) != 0 {
		t.Errorf("bob's collateral = %s, want %s", got, wad(1))
	}
	if got := f.eng.CollateralBalance(alice, weth); got.Sign() != 0 {
		t.Errorf("alice's collateral = %s, want 0", got)
	}
}

func TestDeposit_Rejections(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(1))

	if err := f.eng.Deposit(alice, alice, weth, big.NewInt(0)); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v, want ErrInvalidAmount", err)
	}
	if err := f.eng.Deposit(alice, alice, weth, nil); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Errorf("nil amount: got %v, want ErrInvalidAmount", err)
	}

	unknown := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	if err := f.eng.Deposit(alice, alice, unknown, wad(1)); !errors.Is(err, engine.ErrNotAllowedCollateral) {
		t.Errorf("unknown asset: got %v, want ErrNotAllowedCollateral", err)
	}

	// No allowance granted for bob.
	if err := f.eng.Deposit(bob, bob, weth, wad(1)); err == nil {
		t.Error("deposit without allowance succeeded")
	}
	if got := f.eng.CollateralBalance(bob, weth); got.Sign() != 0 {
		t.Errorf("failed deposit left balance %s", got)
	}
}

// --- Mint ---

func TestMint_HealthyPosition(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(3))
	if err := f.eng.Deposit(alice, alice, weth, wad(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.drainEvents()

	// 3 WETH at 2000 USD = 6000e18 collateral value.
	value, err := f.eng.CollateralValueUSD(alice)
	if err != nil {
		t.Fatalf("collateral value: %v", err)
	}
	if value.Cmp(wad(6000)) != 0 {
		t.Fatalf("collateral value = %s, want %s", value, wad(6000))
	}

	if err := f.eng.Mint(alice, wad(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Health factor = 6000e18 * 1e18 / 1000e18 = 6e18.
	factor, err := f.eng.HealthFactor(alice)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if factor.Cmp(wad(6)) != 0 {
		t.Errorf("health factor = %s, want %s", factor, wad(6))
	}
	if got := f.pusd.BalanceOf(alice); got.Cmp(wad(1000)) != 0 {
		t.Errorf("PUSD balance = %s, want %s", got, wad(1000))
	}
	if got := f.eng.Debt(alice); got.Cmp(wad(1000)) != 0 {
		t.Errorf("debt = %s, want %s", got, wad(1000))
	}

	out := f.nextEvent(t)
	if out.Envelope.Type != event.TypeDebtMinted {
		t.Errorf("event type = %v, want DebtMinted", out.Envelope.Type)
	}
}

func TestMint_AtExactMinimumAllowed(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(3))
	if err := f.eng.Deposit(alice, alice, weth, wad(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// 6000 USD collateral / 3000 debt = exactly the 2.0 minimum.
	if err := f.eng.Mint(alice, wad(3000)); err != nil {
		t.Fatalf("mint at boundary: %v", err)
	}
}

func TestMint_BelowMinHealthFactor(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(3))
	if err := f.eng.Deposit(alice, alice, weth, wad(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	err := f.eng.Mint(alice, wad(3001))
	var hfErr *engine.BelowMinHealthFactorError
	if !errors.As(err, &hfErr) {
		t.Fatalf("got %v, want BelowMinHealthFactorError", err)
	}
	if hfErr.Factor.Cmp(wad(2)) >= 0 {
		t.Errorf("reported factor %s not below minimum", hfErr.Factor)
	}

	// No partial state: debt untouched, nothing minted.
	if got := f.eng.Debt(alice); got.Sign() != 0 {
		t.Errorf("debt = %s after failed mint", got)
	}
	if got := f.pusd.TotalSupply(); got.Sign() != 0 {
		t.Errorf("supply = %s after failed mint", got)
	}
}

func TestMint_ZeroDebtHealthIsMaximal(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	factor, err := f.eng.HealthFactor(alice)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if factor.Cmp(engine.MaxHealthFactor) != 0 {
		t.Errorf("zero-debt health factor = %s, want max", factor)
	}
}

// --- Withdraw ---

func TestWithdraw_HealthyRemainder(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(3))
	if err := f.eng.Deposit(alice, alice, weth, wad(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.eng.Mint(alice, wad(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	f.drainEvents()

	// Remaining 2 WETH = 4000 USD against 1000 debt, factor 4.0.
	if err := f.eng.Withdraw(alice, weth, wad(1)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	if got := f.eng.CollateralBalance(alice, weth); got.Cmp(wad(2)) != 0 {
		t.Errorf("collateral = %s, want %s", got, wad(2))
	}
	if got := f.weth.BalanceOf(alice); got.Cmp(wad(1)) != 0 {
		t.Errorf("returned WETH = %s, want %s", got, wad(1))
	}

	out := f.nextEvent(t)
	if out.Envelope.Type != event.TypeCollateralWithdrawn {
		t.Errorf("event type = %v, want CollateralWithdrawn", out.Envelope.Type)
	}
}

func TestWithdraw_HealthViolationRollsBack(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(3))
	if err := f.eng.Deposit(alice, alice, weth, wad(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.eng.Mint(alice, wad(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Would leave 0.5 WETH = 1000 USD against 1000 debt, factor 1.0.
	err := f.eng.Withdraw(alice, weth, new(big.Int).Div(wad(5), big.NewInt(2)))
	var hfErr *engine.BelowMinHealthFactorError
	if !errors.As(err, &hfErr) {
		t.Fatalf("got %v, want BelowMinHealthFactorError", err)
	}

	if got := f.eng.CollateralBalance(alice, weth); got.Cmp(wad(3)) != 0 {
		t.Errorf("collateral = %s after rollback, want %s", got, wad(3))
	}
	if got := f.weth.BalanceOf(alice); got.Sign() != 0 {
		t.Errorf("alice received %s WETH from failed withdraw", got)
	}
}

func TestWithdraw_Underflow(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(1))
	if err := f.eng.Deposit(alice, alice, weth, wad(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	err := f.eng.Withdraw(alice, weth, wad(2))
	if !errors.Is(err, engine.ErrInsufficientCollateralBalance) {
		t.Errorf("got %v, want ErrInsufficientCollateralBalance", err)
	}
}

// --- Burn ---

func TestBurn_RepaysDebt(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(3))
	if err := f.eng.Deposit(alice, alice, weth, wad(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.eng.Mint(alice, wad(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	f.approveRepay(t, alice, wad(400))

	if err := f.eng.Burn(alice, wad(400)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	if got := f.eng.Debt(alice); got.Cmp(wad(600)) != 0 {
		t.Errorf("debt = %s, want %s", got, wad(600))
	}
	if got := f.pusd.TotalSupply(); got.Cmp(wad(600)) != 0 {
		t.Errorf("supply = %s, want %s", got, wad(600))
	}
}

func TestBurn_ZeroIsNoop(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	if err := f.eng.Burn(alice, big.NewInt(0)); err != nil {
		t.Fatalf("zero burn: %v", err)
	}
	if err := f.eng.Burn(alice, nil); err != nil {
		t.Fatalf("nil burn: %v", err)
	}
	select {
	case <-f.persist:
		t.Error("zero burn emitted an event")
	default:
	}
}

func TestBurn_ExceedsDebt(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(3))
	if err := f.eng.Deposit(alice, alice, weth, wad(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.eng.Mint(alice, wad(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	f.approveRepay(t, alice, wad(200))

	if err := f.eng.Burn(alice, wad(200)); !errors.Is(err, engine.ErrBurnExceedsDebt) {
		t.Errorf("got %v, want ErrBurnExceedsDebt", err)
	}
	if got := f.eng.Debt(alice); got.Cmp(wad(100)) != 0 {
		t.Errorf("debt = %s after failed burn, want %s", got, wad(100))
	}
}

// --- Oracle failures ---

func TestStalePrice_BlocksValuationButNotDeposit(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(3))
	if err := f.eng.Deposit(alice, alice, weth, wad(2)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.eng.Mint(alice, wad(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Next round is three hours old.
	f.round++
	if err := f.cache.Store(wethFeed, oracle.RoundData{
		RoundID:         f.round,
		Answer:          big.NewInt(2000_00000000),
		UpdatedAt:       testNow.Add(-3 * time.Hour),
		AnsweredInRound: f.round,
	}); err != nil {
		t.Fatalf("store round: %v", err)
	}

	if err := f.eng.Mint(alice, wad(100)); !errors.Is(err, oracle.ErrInvalidPrice) {
		t.Errorf("mint with stale price: got %v, want ErrInvalidPrice", err)
	}
	if err := f.eng.Withdraw(alice, weth, wad(1)); !errors.Is(err, oracle.ErrInvalidPrice) {
		t.Errorf("withdraw with stale price: got %v, want ErrInvalidPrice", err)
	}

	// Deposit never values collateral.
	if err := f.eng.Deposit(alice, alice, weth, wad(1)); err != nil {
		t.Errorf("deposit with stale price: %v", err)
	}
}

// --- Liquidation ---

func TestLiquidate_FullRepayAfterPriceDrop(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(3))
	if err := f.eng.Deposit(alice, alice, weth, wad(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.eng.Mint(alice, wad(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Bob builds his own healthy position to source repayment PUSD.
	f.fund(t, bob, wad(10))
	if err := f.eng.Deposit(bob, bob, weth, wad(10)); err != nil {
		t.Fatalf("bob deposit: %v", err)
	}
	if err := f.eng.Mint(bob, wad(1000)); err != nil {
		t.Fatalf("bob mint: %v", err)
	}

	// Price drops to 500: alice's 3 WETH = 1500 USD vs 1000 debt, factor 1.5.
	f.setPrice(t, 500_00000000)
	factorBefore, err := f.eng.HealthFactor(alice)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if factorBefore.Cmp(new(big.Int).Div(wad(3), big.NewInt(2))) != 0 {
		t.Fatalf("pre-liquidation factor = %s, want 1.5e18", factorBefore)
	}
	f.drainEvents()

	f.approveRepay(t, bob, wad(1000))
	if err := f.eng.Liquidate(bob, alice, weth, wad(1000)); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// Repaying 1000 at 500 USD/WETH seizes 2 WETH plus 5% bonus = 2.1 WETH.
	wantSeize := new(big.Int).Div(wad(21), big.NewInt(10))
	if got := f.weth.BalanceOf(bob); got.Cmp(wantSeize) != 0 {
		t.Errorf("liquidator received %s, want %s", got, wantSeize)
	}
	wantRemain := new(big.Int).Sub(wad(3), wantSeize)
	if got := f.eng.CollateralBalance(alice, weth); got.Cmp(wantRemain) != 0 {
		t.Errorf("alice's collateral = %s, want %s", got, wantRemain)
	}
	if got := f.eng.Debt(alice); got.Sign() != 0 {
		t.Errorf("alice's debt = %s, want 0", got)
	}

	// Debt reached zero, health is maximal and strictly above 1.5.
	factorAfter, err := f.eng.HealthFactor(alice)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if factorAfter.Cmp(factorBefore) <= 0 {
		t.Errorf("health factor did not improve: %s -> %s", factorBefore, factorAfter)
	}

	out := f.nextEvent(t)
	if out.Envelope.Type != event.TypeLiquidationExecuted {
		t.Fatalf("event type = %v, want LiquidationExecuted", out.Envelope.Type)
	}
	liq := out.Event.(*event.LiquidationExecuted)
	if liq.DebtRepaid.Cmp(wad(1000)) != 0 {
		t.Errorf("event debt repaid = %s, want %s", liq.DebtRepaid, wad(1000))
	}
	if liq.CollateralSeized.Cmp(wantSeize) != 0 {
		t.Errorf("event seized = %s, want %s", liq.CollateralSeized, wantSeize)
	}
}

func TestLiquidate_HealthyTargetRejected(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(3))
	if err := f.eng.Deposit(alice, alice, weth, wad(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.eng.Mint(alice, wad(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	err := f.eng.Liquidate(bob, alice, weth, wad(1000))
	var liqErr *engine.InvalidLiquidationError
	if !errors.As(err, &liqErr) {
		t.Fatalf("got %v, want InvalidLiquidationError", err)
	}
	if liqErr.User != alice {
		t.Errorf("error names %s, want %s", liqErr.User.Hex(), alice.Hex())
	}
}

func TestLiquidate_NoDebtRejected(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	var liqErr *engine.InvalidLiquidationError
	if err := f.eng.Liquidate(bob, alice, weth, wad(10)); !errors.As(err, &liqErr) {
		t.Errorf("got %v, want InvalidLiquidationError", err)
	}
}

func TestLiquidate_PartialClampAboveCloseFactor(t *testing.T) {
	f := newFixture(t, engine.StandardRiskParams())
	f.fund(t, alice, wad(3))
	if err := f.eng.Deposit(alice, alice, weth, wad(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// 6000 USD / 4200 debt = factor ~1.428: below the 1.5 minimum but
	// above the 1.35 close factor, so only 50% of debt is repayable.
	if err := f.eng.Mint(alice, wad(4200)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	f.fund(t, bob, wad(10))
	if err := f.eng.Deposit(bob, bob, weth, wad(10)); err != nil {
		t.Fatalf("bob deposit: %v", err)
	}
	if err := f.eng.Mint(bob, wad(4200)); err != nil {
		t.Fatalf("bob mint: %v", err)
	}
	f.approveRepay(t, bob, wad(4200))
	f.drainEvents()

	if err := f.eng.Liquidate(bob, alice, weth, wad(4200)); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	out := f.nextEvent(t)
	liq := out.Event.(*event.LiquidationExecuted)
	if liq.DebtRepaid.Cmp(wad(2100)) != 0 {
		t.Errorf("repaid %s, want clamp to 50%% = %s", liq.DebtRepaid, wad(2100))
	}
	if got := f.eng.Debt(alice); got.Cmp(wad(2100)) != 0 {
		t.Errorf("remaining debt = %s, want %s", got, wad(2100))
	}
}

func TestLiquidate_InsufficientCollateralForSeize(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(3))
	if err := f.eng.Deposit(alice, alice, weth, wad(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.eng.Mint(alice, wad(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	f.fund(t, bob, wad(100))
	if err := f.eng.Deposit(bob, bob, weth, wad(100)); err != nil {
		t.Fatalf("bob deposit: %v", err)
	}
	if err := f.eng.Mint(bob, wad(1000)); err != nil {
		t.Fatalf("bob mint: %v", err)
	}
	f.approveRepay(t, bob, wad(1000))

	// At 300 USD the full repay would seize 3.5 WETH against a 3 WETH balance.
	f.setPrice(t, 300_00000000)
	err := f.eng.Liquidate(bob, alice, weth, wad(1000))
	if !errors.Is(err, engine.ErrInsufficientCollateralBalance) {
		t.Fatalf("got %v, want ErrInsufficientCollateralBalance", err)
	}

	// Nothing moved.
	if got := f.eng.Debt(alice); got.Cmp(wad(1000)) != 0 {
		t.Errorf("debt = %s, want %s", got, wad(1000))
	}
	if got := f.eng.CollateralBalance(alice, weth); got.Cmp(wad(3)) != 0 {
		t.Errorf("collateral = %s, want %s", got, wad(3))
	}
}

// --- Compound operations ---

func TestDepositAndMint_FailedMintUnwindsDeposit(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(1))

	// 1 WETH = 2000 USD cannot back 3000 debt at the 2.0 minimum.
	err := f.eng.DepositAndMint(alice, weth, wad(1), wad(3000))
	var hfErr *engine.BelowMinHealthFactorError
	if !errors.As(err, &hfErr) {
		t.Fatalf("got %v, want BelowMinHealthFactorError", err)
	}

	if got := f.eng.CollateralBalance(alice, weth); got.Sign() != 0 {
		t.Errorf("collateral = %s after unwind, want 0", got)
	}
	if got := f.weth.BalanceOf(alice); got.Cmp(wad(1)) != 0 {
		t.Errorf("alice's WETH = %s after unwind, want %s", got, wad(1))
	}
	if got := f.bank.BalanceOf(weth, engineAddr); got.Sign() != 0 {
		t.Errorf("custody = %s after unwind, want 0", got)
	}
	select {
	case out := <-f.persist:
		t.Errorf("failed compound op emitted %v", out.Envelope.Type)
	default:
	}
}

func TestDepositAndMint_Success(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(3))

	if err := f.eng.DepositAndMint(alice, weth, wad(3), wad(1000)); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}
	if got := f.eng.Debt(alice); got.Cmp(wad(1000)) != 0 {
		t.Errorf("debt = %s, want %s", got, wad(1000))
	}

	first := f.nextEvent(t)
	second := f.nextEvent(t)
	if first.Envelope.Type != event.TypeCollateralDeposited || second.Envelope.Type != event.TypeDebtMinted {
		t.Errorf("event order = %v, %v", first.Envelope.Type, second.Envelope.Type)
	}
}

func TestBurnAndWithdraw_ClosesPosition(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(3))
	if err := f.eng.DepositAndMint(alice, weth, wad(3), wad(1000)); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.approveRepay(t, alice, wad(1000))

	if err := f.eng.BurnAndWithdraw(alice, weth, wad(1000), wad(3)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := f.eng.Debt(alice); got.Sign() != 0 {
		t.Errorf("debt = %s, want 0", got)
	}
	if got := f.weth.BalanceOf(alice); got.Cmp(wad(3)) != 0 {
		t.Errorf("WETH = %s, want %s", got, wad(3))
	}
	if got := f.pusd.TotalSupply(); got.Sign() != 0 {
		t.Errorf("supply = %s, want 0", got)
	}
}

func TestBurnAndWithdraw_FailedWithdrawUnwindsBurn(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(3))
	if err := f.eng.DepositAndMint(alice, weth, wad(3), wad(1000)); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.approveRepay(t, alice, wad(100))

	// Burning 100 leaves 900 debt; withdrawing all 3 WETH then has no backing.
	err := f.eng.BurnAndWithdraw(alice, weth, wad(100), wad(3))
	var hfErr *engine.BelowMinHealthFactorError
	if !errors.As(err, &hfErr) {
		t.Fatalf("got %v, want BelowMinHealthFactorError", err)
	}

	if got := f.eng.Debt(alice); got.Cmp(wad(1000)) != 0 {
		t.Errorf("debt = %s after unwind, want %s", got, wad(1000))
	}
	if got := f.pusd.BalanceOf(alice); got.Cmp(wad(1000)) != 0 {
		t.Errorf("PUSD = %s after unwind, want %s", got, wad(1000))
	}
}

// --- Event chain and snapshots ---

func TestEventChain_SequencesAndHashesLink(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(3))
	if err := f.eng.Deposit(alice, alice, weth, wad(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.eng.Mint(alice, wad(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	first := f.nextEvent(t)
	second := f.nextEvent(t)
	if first.Envelope.Sequence != 0 || second.Envelope.Sequence != 1 {
		t.Errorf("sequences = %d, %d; want 0, 1", first.Envelope.Sequence, second.Envelope.Sequence)
	}
	if second.Envelope.PrevHash != first.Envelope.StateHash {
		t.Error("hash chain broken between consecutive events")
	}
	if first.Envelope.StateHash == first.Envelope.PrevHash {
		t.Error("state hash did not advance")
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	f := newFixture(t, engine.ConservativeRiskParams())
	f.fund(t, alice, wad(3))
	if err := f.eng.DepositAndMint(alice, weth, wad(3), wad(1000)); err != nil {
		t.Fatalf("open: %v", err)
	}

	snap := f.eng.Snapshot()
	if snap.Sequence != 2 {
		t.Errorf("snapshot sequence = %d, want 2", snap.Sequence)
	}

	restored := newFixture(t, engine.ConservativeRiskParams())
	if err := restored.eng.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if got := restored.eng.Debt(alice); got.Cmp(wad(1000)) != 0 {
		t.Errorf("restored debt = %s, want %s", got, wad(1000))
	}
	if got := restored.eng.CollateralBalance(alice, weth); got.Cmp(wad(3)) != 0 {
		t.Errorf("restored collateral = %s, want %s", got, wad(3))
	}
}

func TestReplay_ReconstructsStateFromSnapshotPlusTail(t *testing.T) {
	a := newFixture(t, engine.ConservativeRiskParams())
	a.fund(t, alice, wad(3))
	if err := a.eng.DepositAndMint(alice, weth, wad(3), wad(1000)); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Snapshot mid-history, then keep operating.
	engineSnap := a.eng.Snapshot()
	pusdSnap := a.pusd.Snapshot()
	wethSnap := a.weth.Snapshot()

	a.approveRepay(t, alice, wad(400))
	if err := a.eng.Burn(alice, wad(400)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if err := a.eng.Withdraw(alice, weth, wad(1)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	// Recovery: restore the snapshot and re-apply the event tail.
	b := newFixture(t, engine.ConservativeRiskParams())
	if err := b.eng.Restore(engineSnap); err != nil {
		t.Fatalf("restore engine: %v", err)
	}
	if err := b.pusd.Restore(pusdSnap); err != nil {
		t.Fatalf("restore pusd: %v", err)
	}
	if err := b.weth.Restore(wethSnap); err != nil {
		t.Fatalf("restore weth: %v", err)
	}

replay:
	for {
		select {
		case out := <-a.persist:
			if out.Envelope.Sequence < engineSnap.Sequence {
				continue
			}
			if err := b.eng.Apply(out.Envelope.Type, out.Envelope.Payload); err != nil {
				t.Fatalf("apply %v: %v", out.Envelope.Type, err)
			}
		default:
			break replay
		}
	}

	if got := b.eng.Debt(alice); got.Cmp(wad(600)) != 0 {
		t.Errorf("replayed debt = %s, want %s", got, wad(600))
	}
	if got := b.eng.CollateralBalance(alice, weth); got.Cmp(wad(2)) != 0 {
		t.Errorf("replayed collateral = %s, want %s", got, wad(2))
	}
	if got := b.weth.BalanceOf(alice); got.Cmp(wad(1)) != 0 {
		t.Errorf("replayed wallet = %s, want %s", got, wad(1))
	}
	if got := b.pusd.TotalSupply(); got.Cmp(wad(600)) != 0 {
		t.Errorf("replayed supply = %s, want %s", got, wad(600))
	}
}
