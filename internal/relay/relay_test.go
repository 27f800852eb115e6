package relay

import (
	"context"
	"testing"

	"shieldlend/internal/coordinator"
	"shieldlend/internal/custody"
	"shieldlend/internal/domain"
	"shieldlend/internal/idempotency"
	"shieldlend/internal/lending"
	"shieldlend/internal/pricefeed"
	"shieldlend/pkg/config"
	"shieldlend/pkg/errors"
	"shieldlend/pkg/logger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	relayID  = domain.Address("relay-1")
	operator = domain.Address("operator-1")
	coordID  = domain.Address("coordinator-1")
	custodyA = domain.Address("custody-1")
	lendingA = domain.Address("lending-1")
	feedA    = domain.Address("price-feed-1")
	alice    = domain.Address("alice")
	bob      = domain.Address("bob")
)

type stack struct {
	custody *custody.Service
	lending *lending.Service
	coord   *coordinator.Service
	relay   *Relay
	feed    *pricefeed.Publisher
}

// newStack wires all three components through a relay with the given
// delivery options, funds the pool, and sets the price to 2000.
func newStack(t *testing.T, opts Options) *stack {
	t.Helper()
	nop := logger.NewNop()
	protocol := config.ProtocolConfig{
		MinFeeBuffer:             100,
		LTVPercent:               70,
		LiquidationThreshold:     1800,
		EmergencyThreshold:       1700,
		MaxLoanSize:              1_000_000,
		NormalExecutionBudget:    200_000,
		EmergencyExecutionBudget: 500_000,
	}

	custodySvc := custody.NewService(custody.Config{
		OriginDomain: 1, Address: custodyA, Coordinator: coordID,
		Operator: operator, MinFeeBuffer: protocol.MinFeeBuffer,
	}, idempotency.NewMemoryStore(), nil, nop)

	lendingSvc := lending.NewService(lending.Config{
		Address: lendingA, Coordinator: coordID, Operator: operator,
		MaxLoanSize: protocol.MaxLoanSize,
	}, nop)

	bus := New(Config{
		Identity: relayID, CoordinatorAddress: coordID,
		CustodyDomain: 1, LendingDomain: 2,
	}, custodySvc, lendingSvc,
		idempotency.NewMemoryStore(), idempotency.NewMemoryStore(), opts, nop)

	coordSvc := coordinator.NewService(coordinator.Config{
		TrustedRelay: relayID, Operator: operator,
		CustodyDomain: 1, CustodyAddress: custodyA,
		LendingDomain: 2, LendingAddress: lendingA,
		Protocol: protocol,
	}, idempotency.NewMemoryStore(), bus, nop)
	bus.Bind(coordSvc)
	custodySvc.BindEmitter(bus)

	ctx := context.Background()
	require.NoError(t, lendingSvc.AddLiquidity(ctx, operator, 1_000_000))

	feed := pricefeed.NewPublisher(bus, 9, feedA, nop)
	require.NoError(t, feed.Publish(ctx, decimal.NewFromInt(2000)))

	return &stack{custody: custodySvc, lending: lendingSvc, coord: coordSvc, relay: bus, feed: feed}
}

func TestDepositIssuesLoanEndToEnd(t *testing.T) {
	s := newStack(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.custody.Deposit(ctx, alice, 1, 100))

	// 1 * 2000 * 70 / 100 = 1400 on the lending ledger.
	assert.Equal(t, uint64(1), s.custody.CollateralOf(alice))
	assert.Equal(t, uint64(1400), s.lending.LoanOf(alice))
	assert.Equal(t, uint64(1400), s.lending.BalanceOf(alice))
	assert.Equal(t, uint64(1_000_000-1400), s.lending.TotalLiquidity())
	assert.Equal(t, uint64(1400), s.coord.PositionOf(alice).Loaned)
}

func TestDuplicateDeliveryChangesStateOnce(t *testing.T) {
	s := newStack(t, Options{SignalCopies: 3, InstructionCopies: 3})
	ctx := context.Background()

	require.NoError(t, s.custody.Deposit(ctx, alice, 1, 100))

	// Three copies of the deposit signal and three copies of the issuance
	// instruction still produce exactly one loan.
	assert.Equal(t, uint64(1400), s.lending.LoanOf(alice))
	assert.Equal(t, uint64(1_000_000-1400), s.lending.TotalLiquidity())
	assert.Equal(t, uint64(1), s.coord.PositionOf(alice).Deposited)
}

func TestPriceCrashHaltsBothLedgers(t *testing.T) {
	s := newStack(t, Options{SignalCopies: 2, InstructionCopies: 2})
	ctx := context.Background()

	require.NoError(t, s.custody.Deposit(ctx, alice, 1, 100))
	require.NoError(t, s.feed.Publish(ctx, decimal.NewFromInt(1650)))

	assert.Equal(t, domain.StateEmergency, s.coord.Mode())
	assert.Equal(t, domain.StateEmergency, s.custody.Mode())
	assert.Equal(t, domain.StateEmergency, s.lending.Mode())

	// Both normal paths are closed; existing positions are untouched.
	assert.ErrorIs(t, s.custody.Deposit(ctx, bob, 1, 100), errors.ErrEmergencyModeActive)
	assert.ErrorIs(t, s.lending.Repay(ctx, alice, 100), errors.ErrEmergencyModeActive)
	assert.Equal(t, uint64(1400), s.lending.LoanOf(alice))
	assert.Equal(t, uint64(1), s.custody.CollateralOf(alice))
}

func TestDuplicateToggleDoesNotFlipBack(t *testing.T) {
	// The custody toggle inverts state on every accepted call, so the relay
	// must drop the second copy before it reaches the entry point.
	s := newStack(t, Options{SignalCopies: 1, InstructionCopies: 5})
	ctx := context.Background()

	require.NoError(t, s.feed.Publish(ctx, decimal.NewFromInt(1500)))
	assert.Equal(t, domain.StateEmergency, s.custody.Mode())
}

func TestPerUserEmergencyUnwind(t *testing.T) {
	s := newStack(t, Options{SignalCopies: 2, InstructionCopies: 2})
	ctx := context.Background()

	require.NoError(t, s.custody.Deposit(ctx, alice, 5, 120))
	require.NoError(t, s.feed.Publish(ctx, decimal.NewFromInt(1000)))

	require.NoError(t, s.coord.TriggerEmergencyForUser(ctx, alice))

	assert.Zero(t, s.lending.LoanOf(alice))
	assert.Zero(t, s.lending.BalanceOf(alice))
	assert.Zero(t, s.custody.CollateralOf(alice))
	assert.Zero(t, s.custody.FeeBufferOf(alice))
	assert.Zero(t, s.custody.TotalValueLocked())
	// Full recovery: the whole issuance returned to the pool.
	assert.Equal(t, uint64(1_000_000), s.lending.TotalLiquidity())

	// A replayed trigger finds no recorded deposit.
	assert.ErrorIs(t, s.coord.TriggerEmergencyForUser(ctx, alice), errors.ErrNoDepositRecorded)
}

func TestUnwindWithSpentBalanceWritesOff(t *testing.T) {
	s := newStack(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.custody.Deposit(ctx, alice, 1, 100))
	require.NoError(t, s.lending.Transfer(ctx, alice, bob, 400))
	require.NoError(t, s.feed.Publish(ctx, decimal.NewFromInt(1000)))

	require.NoError(t, s.coord.TriggerEmergencyForUser(ctx, alice))

	assert.Zero(t, s.lending.LoanOf(alice))
	assert.Zero(t, s.custody.CollateralOf(alice))
	// 400 of the 1400 issued tokens left with bob and stay written off.
	assert.Equal(t, uint64(1_000_000-400), s.lending.TotalLiquidity())
	assert.Equal(t, uint64(400), s.lending.BalanceOf(bob))
}

func TestDroppedWithdrawLegLeavesRepayApplied(t *testing.T) {
	// One leg of the two-leg unwind fails to deliver. No rollback exists;
	// the repay stands alone until the withdraw is re-sent out of band.
	s := newStack(t, Options{
		DropMethods: map[domain.InstructionMethod]bool{
			domain.MethodEmergencyWithdraw: true,
		},
	})
	ctx := context.Background()

	require.NoError(t, s.custody.Deposit(ctx, alice, 5, 120))
	require.NoError(t, s.coord.TriggerEmergencyForUser(ctx, alice))

	assert.Zero(t, s.lending.LoanOf(alice))
	assert.Equal(t, uint64(5), s.custody.CollateralOf(alice))
	assert.Equal(t, uint64(120), s.custody.FeeBufferOf(alice))
}

func TestUnwindLegsAreOrderIndependent(t *testing.T) {
	// The coordinator emits repay before withdraw, but the channel gives no
	// ordering. Applying the legs in reverse reaches the same end state.
	s := newStack(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.custody.Deposit(ctx, alice, 5, 120))

	require.NoError(t, s.custody.EmergencyWithdraw(ctx, coordID, alice, 5, "req-reversed"))
	require.NoError(t, s.lending.EmergencyRepay(ctx, coordID, alice))

	assert.Zero(t, s.custody.CollateralOf(alice))
	assert.Zero(t, s.lending.LoanOf(alice))
	assert.Equal(t, uint64(1_000_000), s.lending.TotalLiquidity())
}

func TestEmitSignalWithoutReceiverBound(t *testing.T) {
	// A custody deposit before BindEmitter wires the bus must not panic;
	// the lost signal is a logged delivery failure, not an unwind.
	nop := logger.NewNop()
	custodySvc := custody.NewService(custody.Config{
		OriginDomain: 1, Address: custodyA, Coordinator: coordID,
		Operator: operator, MinFeeBuffer: 100,
	}, idempotency.NewMemoryStore(), nil, nop)

	require.NoError(t, custodySvc.Deposit(context.Background(), alice, 3, 100))
	assert.Equal(t, uint64(3), custodySvc.CollateralOf(alice))
}
