// Package custody implements the collateral ledger: user collateral plus a
// prepaid execution-fee buffer, released only through a user withdraw or
// the coordinator's idempotent emergency path.
package custody

import (
	"context"
	"sync"
	"time"

	"shieldlend/internal/domain"
	"shieldlend/internal/idempotency"
	"shieldlend/pkg/errors"
	"shieldlend/pkg/logger"
)

// SignalEmitter delivers signals to the coordinator. Delivery is
// asynchronous and at-least-once; the emitter must not be assumed to
// deliver in order.
type SignalEmitter interface {
	EmitSignal(ctx context.Context, sig domain.Signal) error
}

// Config fixes the ledger's identities and the fee floor at construction.
type Config struct {
	OriginDomain uint32
	Address      domain.Address
	Coordinator  domain.Address
	Operator     domain.Address
	MinFeeBuffer uint64
}

// Service is the custody ledger state machine. All entry points serialize
// on a single mutex: one instruction at a time is applied atomically, and
// re-entrant invocation is impossible while the lock is held.
type Service struct {
	mu  sync.Mutex
	cfg Config

	collateral map[domain.Address]uint64
	feeBuffer  map[domain.Address]uint64

	totalValueLocked uint64
	mode             domain.EmergencyState

	consumed idempotency.Store
	emitter  SignalEmitter
	logger   logger.Logger
}

func NewService(cfg Config, consumed idempotency.Store, emitter SignalEmitter, log logger.Logger) *Service {
	return &Service{
		cfg:        cfg,
		collateral: make(map[domain.Address]uint64),
		feeBuffer:  make(map[domain.Address]uint64),
		mode:       domain.StateNormal,
		consumed:   consumed,
		emitter:    emitter,
		logger:     log,
	}
}

// Deposit locks collateral for user and prepays the emergency fee buffer.
// On success it emits a deposit signal for the coordinator.
func (s *Service) Deposit(ctx context.Context, user domain.Address, amount, feePayment uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode.Active() {
		return errors.ErrEmergencyModeActive
	}
	if user == domain.ZeroAddress {
		return errors.ErrZeroAddress
	}
	if amount == 0 {
		return errors.ErrInvalidAmount
	}
	if feePayment < s.cfg.MinFeeBuffer {
		return errors.ErrInsufficientFeeBuffer
	}

	s.collateral[user] += amount
	s.feeBuffer[user] += feePayment
	s.totalValueLocked += amount

	ev := domain.DepositEvent{
		User:      user,
		Amount:    amount,
		FeeBuffer: s.feeBuffer[user],
		Timestamp: time.Now().Unix(),
	}
	sig := domain.Signal{
		OriginDomain:  s.cfg.OriginDomain,
		SourceAddress: s.cfg.Address,
		Topic0:        domain.TopicDeposit,
		Payload:       domain.EncodeDepositEvent(ev),
	}

	if err := s.emitSignal(ctx, sig); err != nil {
		// The local ledger state is authoritative; a lost signal is the
		// relay's at-least-once problem, not a reason to unwind a deposit.
		s.logger.Error("deposit signal emission failed", map[string]interface{}{
			"user":  string(user),
			"error": err.Error(),
		})
	}

	s.logger.Info("collateral deposited", map[string]interface{}{
		"user":       string(user),
		"amount":     amount,
		"fee_buffer": s.feeBuffer[user],
	})
	return nil
}

// BindEmitter attaches the signal channel after construction. The ledger
// and the relay reference each other, so one side is wired late.
func (s *Service) BindEmitter(e SignalEmitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitter = e
}

func (s *Service) emitSignal(ctx context.Context, sig domain.Signal) error {
	if s.emitter == nil {
		return nil
	}
	return s.emitter.EmitSignal(ctx, sig)
}

// Withdraw returns collateral to the user on the normal path.
func (s *Service) Withdraw(ctx context.Context, user domain.Address, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode.Active() {
		return errors.ErrEmergencyModeActive
	}
	if amount == 0 {
		return errors.ErrInvalidAmount
	}
	if s.collateral[user] < amount {
		return errors.ErrInsufficientCollateral
	}

	s.collateral[user] -= amount
	s.totalValueLocked -= amount

	s.logger.Info("collateral withdrawn", map[string]interface{}{
		"user":   string(user),
		"amount": amount,
	})
	return nil
}

// EmergencyWithdraw returns collateral and refunds the fee buffer under an
// idempotent request id. It is the only entry point allowed to move funds
// while emergency mode is set. Replaying a consumed request id fails
// ErrAlreadyProcessed without touching state.
func (s *Service) EmergencyWithdraw(ctx context.Context, caller, user domain.Address, amount uint64, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.cfg.Coordinator {
		return errors.ErrUnauthorized
	}

	seen, err := s.consumed.Seen(ctx, requestID)
	if err != nil {
		return errors.Wrap(err, "idempotency check failed")
	}
	if seen {
		return errors.ErrAlreadyProcessed
	}

	if s.collateral[user] < amount {
		return errors.ErrInsufficientCollateral
	}
	if s.feeBuffer[user] == 0 {
		return errors.ErrInsufficientFeeBuffer
	}

	refund := s.feeBuffer[user]
	s.collateral[user] -= amount
	s.feeBuffer[user] = 0
	s.totalValueLocked -= amount

	if _, err := s.consumed.MarkConsumed(ctx, requestID); err != nil {
		return errors.Wrap(err, "failed to record request id")
	}

	s.logger.Info("emergency withdraw executed", map[string]interface{}{
		"user":       string(user),
		"amount":     amount,
		"fee_refund": refund,
		"request_id": requestID,
	})
	return nil
}

// ToggleEmergencyMode flips the local emergency flag. Restricted to the
// coordinator; the relay rejects replayed toggle instructions before they
// reach this entry point.
func (s *Service) ToggleEmergencyMode(ctx context.Context, caller domain.Address) (domain.EmergencyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.cfg.Coordinator && caller != s.cfg.Operator {
		return s.mode, errors.ErrUnauthorized
	}

	s.mode = s.mode.Toggle()
	s.logger.Warn("custody emergency mode toggled", map[string]interface{}{
		"mode": string(s.mode),
	})
	return s.mode, nil
}

// CollateralOf returns the locked collateral for user.
func (s *Service) CollateralOf(user domain.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collateral[user]
}

// FeeBufferOf returns the prepaid fee buffer for user.
func (s *Service) FeeBufferOf(user domain.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeBuffer[user]
}

// TotalValueLocked returns the global collateral counter.
func (s *Service) TotalValueLocked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalValueLocked
}

// Mode returns the current emergency state.
func (s *Service) Mode() domain.EmergencyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Address returns the ledger's own address.
func (s *Service) Address() domain.Address {
	return s.cfg.Address
}
