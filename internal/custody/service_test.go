package custody

import (
	"context"
	"testing"

	"shieldlend/internal/domain"
	"shieldlend/internal/idempotency"
	"shieldlend/pkg/errors"
	"shieldlend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

const (
	coordinatorAddr = domain.Address("coordinator-1")
	operatorAddr    = domain.Address("operator-1")
	alice           = domain.Address("alice")
	mallory         = domain.Address("mallory")
)

type MockSignalEmitter struct {
	mock.Mock
}

func (m *MockSignalEmitter) EmitSignal(ctx context.Context, sig domain.Signal) error {
	args := m.Called(ctx, sig)
	return args.Error(0)
}

func newTestService(emitter SignalEmitter) *Service {
	return NewService(Config{
		OriginDomain: 1,
		Address:      "custody-1",
		Coordinator:  coordinatorAddr,
		Operator:     operatorAddr,
		MinFeeBuffer: 100,
	}, idempotency.NewMemoryStore(), emitter, logger.NewNop())
}

func TestDepositValidation(t *testing.T) {
	svc := newTestService(nil)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Deposit(ctx, alice, 0, 100), errors.ErrInvalidAmount)
	assert.ErrorIs(t, svc.Deposit(ctx, domain.ZeroAddress, 10, 100), errors.ErrZeroAddress)
	assert.ErrorIs(t, svc.Deposit(ctx, alice, 10, 99), errors.ErrInsufficientFeeBuffer)
	assert.Zero(t, svc.CollateralOf(alice))
	assert.Zero(t, svc.TotalValueLocked())
}

func TestDepositEmitsSignal(t *testing.T) {
	emitter := new(MockSignalEmitter)
	svc := newTestService(emitter)
	ctx := context.Background()

	emitter.On("EmitSignal", mock.Anything, mock.MatchedBy(func(sig domain.Signal) bool {
		return sig.Topic0 == domain.TopicDeposit && sig.OriginDomain == 1
	})).Return(nil)

	assert.NoError(t, svc.Deposit(ctx, alice, 10, 150))

	assert.Equal(t, uint64(10), svc.CollateralOf(alice))
	assert.Equal(t, uint64(150), svc.FeeBufferOf(alice))
	assert.Equal(t, uint64(10), svc.TotalValueLocked())
	emitter.AssertExpectations(t)
}

func TestWithdraw(t *testing.T) {
	emitter := new(MockSignalEmitter)
	emitter.On("EmitSignal", mock.Anything, mock.Anything).Return(nil)
	svc := newTestService(emitter)
	ctx := context.Background()

	assert.NoError(t, svc.Deposit(ctx, alice, 10, 100))
	assert.ErrorIs(t, svc.Withdraw(ctx, alice, 11), errors.ErrInsufficientCollateral)
	assert.NoError(t, svc.Withdraw(ctx, alice, 4))
	assert.Equal(t, uint64(6), svc.CollateralOf(alice))
	assert.Equal(t, uint64(6), svc.TotalValueLocked())
}

func TestEmergencyWithdrawAuthorization(t *testing.T) {
	emitter := new(MockSignalEmitter)
	emitter.On("EmitSignal", mock.Anything, mock.Anything).Return(nil)
	svc := newTestService(emitter)
	ctx := context.Background()

	assert.NoError(t, svc.Deposit(ctx, alice, 10, 100))

	err := svc.EmergencyWithdraw(ctx, mallory, alice, 10, "req-1")
	assert.ErrorIs(t, err, errors.ErrUnauthorized)
	// The end user is not the coordinator either.
	err = svc.EmergencyWithdraw(ctx, alice, alice, 10, "req-1")
	assert.ErrorIs(t, err, errors.ErrUnauthorized)
	assert.Equal(t, uint64(10), svc.CollateralOf(alice))
}

func TestEmergencyWithdrawIdempotent(t *testing.T) {
	emitter := new(MockSignalEmitter)
	emitter.On("EmitSignal", mock.Anything, mock.Anything).Return(nil)
	svc := newTestService(emitter)
	ctx := context.Background()

	assert.NoError(t, svc.Deposit(ctx, alice, 10, 120))

	assert.NoError(t, svc.EmergencyWithdraw(ctx, coordinatorAddr, alice, 10, "req-1"))
	assert.Zero(t, svc.CollateralOf(alice))
	assert.Zero(t, svc.FeeBufferOf(alice))
	assert.Zero(t, svc.TotalValueLocked())

	// Replaying the same request id moves no further funds.
	err := svc.EmergencyWithdraw(ctx, coordinatorAddr, alice, 10, "req-1")
	assert.ErrorIs(t, err, errors.ErrAlreadyProcessed)
	assert.Zero(t, svc.CollateralOf(alice))
	assert.Zero(t, svc.TotalValueLocked())
}

func TestEmergencyWithdrawRequiresFeeBuffer(t *testing.T) {
	emitter := new(MockSignalEmitter)
	emitter.On("EmitSignal", mock.Anything, mock.Anything).Return(nil)
	svc := newTestService(emitter)
	ctx := context.Background()

	assert.NoError(t, svc.Deposit(ctx, alice, 10, 100))
	assert.NoError(t, svc.EmergencyWithdraw(ctx, coordinatorAddr, alice, 4, "req-1"))

	// Fee buffer was drained by the first unwind; a second request with a
	// fresh id cannot execute.
	err := svc.EmergencyWithdraw(ctx, coordinatorAddr, alice, 4, "req-2")
	assert.ErrorIs(t, err, errors.ErrInsufficientFeeBuffer)
}

func TestEmergencyModeGating(t *testing.T) {
	emitter := new(MockSignalEmitter)
	emitter.On("EmitSignal", mock.Anything, mock.Anything).Return(nil)
	svc := newTestService(emitter)
	ctx := context.Background()

	assert.NoError(t, svc.Deposit(ctx, alice, 10, 100))

	_, err := svc.ToggleEmergencyMode(ctx, mallory)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	mode, err := svc.ToggleEmergencyMode(ctx, coordinatorAddr)
	assert.NoError(t, err)
	assert.Equal(t, domain.StateEmergency, mode)

	assert.ErrorIs(t, svc.Deposit(ctx, alice, 1, 100), errors.ErrEmergencyModeActive)
	assert.ErrorIs(t, svc.Withdraw(ctx, alice, 1), errors.ErrEmergencyModeActive)

	// The emergency path is the only entry point that may still move funds.
	assert.NoError(t, svc.EmergencyWithdraw(ctx, coordinatorAddr, alice, 10, "req-1"))
	assert.Zero(t, svc.CollateralOf(alice))
}
