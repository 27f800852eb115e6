package lending

import (
	"context"
	"testing"

	"shieldlend/internal/domain"
	"shieldlend/pkg/errors"
	"shieldlend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	coordinatorAddr = domain.Address("coordinator-1")
	operatorAddr    = domain.Address("operator-1")
	alice           = domain.Address("alice")
	bob             = domain.Address("bob")
	mallory         = domain.Address("mallory")
)

func newTestService() *Service {
	return NewService(Config{
		Address:     "lending-1",
		Coordinator: coordinatorAddr,
		Operator:    operatorAddr,
		MaxLoanSize: 10_000,
	}, logger.NewNop())
}

func fundedService(t *testing.T, liquidity uint64) *Service {
	t.Helper()
	svc := newTestService()
	require.NoError(t, svc.AddLiquidity(context.Background(), operatorAddr, liquidity))
	return svc
}

func TestIssueLoanAuthorization(t *testing.T) {
	svc := fundedService(t, 100_000)
	ctx := context.Background()

	assert.ErrorIs(t, svc.IssueLoan(ctx, mallory, alice, 100), errors.ErrUnauthorized)
	assert.ErrorIs(t, svc.IssueLoan(ctx, alice, alice, 100), errors.ErrUnauthorized)
	assert.Zero(t, svc.LoanOf(alice))
}

func TestIssueLoanValidation(t *testing.T) {
	svc := fundedService(t, 100_000)
	ctx := context.Background()

	assert.ErrorIs(t, svc.IssueLoan(ctx, coordinatorAddr, alice, 0), errors.ErrInvalidAmount)
	assert.ErrorIs(t, svc.IssueLoan(ctx, coordinatorAddr, domain.ZeroAddress, 100), errors.ErrZeroAddress)
	assert.ErrorIs(t, svc.IssueLoan(ctx, coordinatorAddr, alice, 10_001), errors.ErrLoanTooLarge)
}

func TestIssueLoanLiquidity(t *testing.T) {
	svc := fundedService(t, 500)
	ctx := context.Background()

	assert.ErrorIs(t, svc.IssueLoan(ctx, coordinatorAddr, alice, 600), errors.ErrInsufficientLiquidity)

	assert.NoError(t, svc.IssueLoan(ctx, coordinatorAddr, alice, 500))
	assert.Equal(t, uint64(500), svc.LoanOf(alice))
	assert.Equal(t, uint64(500), svc.BalanceOf(alice))
	assert.Zero(t, svc.TotalLiquidity())
	assert.Equal(t, uint64(500), svc.TotalLoansIssued())
}

func TestOneActiveLoanPerUser(t *testing.T) {
	svc := fundedService(t, 10_000)
	ctx := context.Background()

	require.NoError(t, svc.IssueLoan(ctx, coordinatorAddr, alice, 1000))
	assert.ErrorIs(t, svc.IssueLoan(ctx, coordinatorAddr, alice, 1000), errors.ErrLoanOutstanding)
	assert.Equal(t, uint64(1000), svc.LoanOf(alice))
}

func TestRepay(t *testing.T) {
	svc := fundedService(t, 10_000)
	ctx := context.Background()

	require.NoError(t, svc.IssueLoan(ctx, coordinatorAddr, alice, 1000))

	assert.ErrorIs(t, svc.Repay(ctx, alice, 1001), errors.ErrInsufficientLoan)
	assert.NoError(t, svc.Repay(ctx, alice, 400))
	assert.Equal(t, uint64(600), svc.LoanOf(alice))
	assert.Equal(t, uint64(600), svc.BalanceOf(alice))
	assert.Equal(t, uint64(9400), svc.TotalLiquidity())

	assert.NoError(t, svc.RepayFull(ctx, alice))
	assert.Zero(t, svc.LoanOf(alice))
	assert.Equal(t, uint64(10_000), svc.TotalLiquidity())

	assert.ErrorIs(t, svc.RepayFull(ctx, alice), errors.ErrNoActiveLoan)
}

func TestRepayRequiresBalance(t *testing.T) {
	svc := fundedService(t, 10_000)
	ctx := context.Background()

	require.NoError(t, svc.IssueLoan(ctx, coordinatorAddr, alice, 1000))
	require.NoError(t, svc.Transfer(ctx, alice, bob, 800))

	assert.ErrorIs(t, svc.Repay(ctx, alice, 500), errors.ErrInsufficientBalance)
}

func TestEmergencyRepayWriteOff(t *testing.T) {
	svc := fundedService(t, 10_000)
	ctx := context.Background()

	require.NoError(t, svc.IssueLoan(ctx, coordinatorAddr, alice, 1000))
	// Alice spends part of the borrowed tokens elsewhere.
	require.NoError(t, svc.Transfer(ctx, alice, bob, 400))

	assert.ErrorIs(t, svc.EmergencyRepay(ctx, mallory, alice), errors.ErrUnauthorized)

	assert.NoError(t, svc.EmergencyRepay(ctx, coordinatorAddr, alice))
	assert.Zero(t, svc.LoanOf(alice))
	assert.Zero(t, svc.BalanceOf(alice))
	// Only the recovered portion returns to the pool; the shortfall is a
	// write-off, not a blocked unwind.
	assert.Equal(t, uint64(9600), svc.TotalLiquidity())

	assert.ErrorIs(t, svc.EmergencyRepay(ctx, coordinatorAddr, alice), errors.ErrNoActiveLoan)
}

func TestEmergencyRepayAllFlagOnly(t *testing.T) {
	svc := fundedService(t, 10_000)
	ctx := context.Background()

	require.NoError(t, svc.IssueLoan(ctx, coordinatorAddr, alice, 1000))

	assert.ErrorIs(t, svc.EmergencyRepayAll(ctx, mallory), errors.ErrUnauthorized)
	assert.NoError(t, svc.EmergencyRepayAll(ctx, coordinatorAddr))
	assert.Equal(t, domain.StateEmergency, svc.Mode())

	// Flag-setting only: no position was iterated or unwound.
	assert.Equal(t, uint64(1000), svc.LoanOf(alice))

	// Safe to deliver more than once.
	assert.NoError(t, svc.EmergencyRepayAll(ctx, coordinatorAddr))

	assert.ErrorIs(t, svc.IssueLoan(ctx, coordinatorAddr, bob, 100), errors.ErrEmergencyModeActive)
	assert.ErrorIs(t, svc.Repay(ctx, alice, 100), errors.ErrEmergencyModeActive)
	assert.ErrorIs(t, svc.Transfer(ctx, alice, bob, 100), errors.ErrEmergencyModeActive)

	// The coordinator-driven unwind still works under the flag.
	assert.NoError(t, svc.EmergencyRepay(ctx, coordinatorAddr, alice))
	assert.Zero(t, svc.LoanOf(alice))
}

func TestDeactivateEmergencyMode(t *testing.T) {
	svc := fundedService(t, 10_000)
	ctx := context.Background()

	assert.ErrorIs(t, svc.DeactivateEmergencyMode(ctx, operatorAddr), errors.ErrEmergencyModeNotActive)

	require.NoError(t, svc.EmergencyRepayAll(ctx, coordinatorAddr))
	assert.ErrorIs(t, svc.DeactivateEmergencyMode(ctx, mallory), errors.ErrUnauthorized)

	assert.NoError(t, svc.DeactivateEmergencyMode(ctx, operatorAddr))
	assert.Equal(t, domain.StateNormal, svc.Mode())
	assert.NoError(t, svc.IssueLoan(ctx, coordinatorAddr, bob, 100))
}
