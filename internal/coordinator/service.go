// Package coordinator implements the reactive core: the single consumer of
// cross-ledger signals and the only emitter of cross-ledger instructions.
// It enforces idempotency, sizes loans, and triggers the emergency unwind.
package coordinator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"shieldlend/internal/domain"
	"shieldlend/internal/idempotency"
	"shieldlend/pkg/config"
	"shieldlend/pkg/errors"
	"shieldlend/pkg/logger"

	"github.com/google/uuid"
)

// HealthRatioMax is the saturating sentinel returned when a user has no loan.
const HealthRatioMax = math.MaxUint64

// InstructionEmitter delivers instructions to the leaf ledgers. Delivery is
// asynchronous, unordered across legs, and at-least-once.
type InstructionEmitter interface {
	EmitInstruction(ctx context.Context, ins domain.Instruction) error
}

// PositionWriter persists position snapshots off the hot path. Optional.
type PositionWriter interface {
	Upsert(ctx context.Context, pos domain.Position) error
}

// Config fixes the coordinator's trusted identities and routing table.
type Config struct {
	TrustedRelay   domain.Address
	Operator       domain.Address
	CustodyDomain  uint32
	CustodyAddress domain.Address
	LendingDomain  uint32
	LendingAddress domain.Address
	Protocol       config.ProtocolConfig
}

// Service routes signals to handlers and emits instructions. A single
// mutex serializes every entry point; the coordinator is the sole router,
// never a participant in a race between legs.
type Service struct {
	mu  sync.Mutex
	cfg Config

	consumed idempotency.Store
	emitter  InstructionEmitter
	logger   logger.Logger

	// nil unless durable snapshots are configured
	positions PositionWriter

	currentPrice uint64
	lastUpdate   time.Time

	userDeposits map[domain.Address]uint64
	userLoans    map[domain.Address]uint64

	mode domain.EmergencyState
}

func NewService(cfg Config, consumed idempotency.Store, emitter InstructionEmitter, log logger.Logger) *Service {
	return &Service{
		cfg:          cfg,
		consumed:     consumed,
		emitter:      emitter,
		logger:       log,
		userDeposits: make(map[domain.Address]uint64),
		userLoans:    make(map[domain.Address]uint64),
		mode:         domain.StateNormal,
	}
}

// WithPositionWriter enables best-effort durable position snapshots.
func (s *Service) WithPositionWriter(w PositionWriter) *Service {
	s.positions = w
	return s
}

// HandleSignal is the single signal ingress. Only the configured trusted
// relay may call it. A replayed signal fails ErrDuplicateSignal, which
// callers that intentionally retry may treat as success.
func (s *Service) HandleSignal(ctx context.Context, caller domain.Address, sig domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.cfg.TrustedRelay {
		return errors.ErrUnauthorized
	}

	id := sig.ID()
	fresh, err := s.consumed.MarkConsumed(ctx, id)
	if err != nil {
		return errors.Wrap(err, "idempotency ledger failure")
	}
	if !fresh {
		return errors.ErrDuplicateSignal
	}

	switch {
	case sig.OriginDomain == s.cfg.CustodyDomain &&
		sig.SourceAddress == s.cfg.CustodyAddress &&
		sig.Topic0 == domain.TopicDeposit:
		return s.handleDeposit(ctx, sig)
	case sig.Topic0 == domain.TopicPriceUpdate:
		return s.handlePriceUpdate(ctx, sig)
	default:
		// Unknown topics must not fail the entry point.
		s.logger.Debug("ignoring unmatched signal", map[string]interface{}{
			"origin": sig.OriginDomain,
			"source": string(sig.SourceAddress),
			"topic":  sig.Topic0,
		})
		return nil
	}
}

// handleDeposit sizes and issues a loan against a validated deposit.
// Rounding truncates toward zero, so sizing is always at least as
// conservative as the nominal LTV.
func (s *Service) handleDeposit(ctx context.Context, sig domain.Signal) error {
	ev, err := domain.DecodeDepositEvent(sig.Payload)
	if err != nil {
		return errors.Wrap(err, "malformed deposit payload")
	}
	if ev.User == domain.ZeroAddress || ev.Amount == 0 {
		return errors.ErrInvalidAmount
	}

	if s.mode.Active() {
		// No new loans once a global emergency has been triggered, until
		// an operator clears it. Silent: the deposit signal is consumed.
		s.logger.Warn("deposit ignored during emergency", map[string]interface{}{
			"user": string(ev.User),
		})
		return nil
	}

	loanAmount := ev.Amount * s.currentPrice * s.cfg.Protocol.LTVPercent / 100

	priorLoan := s.userLoans[ev.User]
	s.userDeposits[ev.User] += ev.Amount
	s.userLoans[ev.User] += loanAmount
	s.snapshotLocked(ctx, ev.User)

	s.logger.Info("deposit accepted", map[string]interface{}{
		"user":   string(ev.User),
		"amount": ev.Amount,
		"loan":   loanAmount,
		"price":  s.currentPrice,
	})

	if loanAmount == 0 {
		return nil
	}
	if priorLoan != 0 {
		// The lending ledger never merges loans; follow-on deposits
		// accumulate here and unwind with the whole position.
		s.logger.Warn("issuance deferred, loan outstanding", map[string]interface{}{
			"user": string(ev.User),
		})
		return nil
	}

	return s.emitLocked(ctx, domain.Instruction{
		TargetDomain:    s.cfg.LendingDomain,
		TargetAddress:   s.cfg.LendingAddress,
		ExecutionBudget: s.cfg.Protocol.NormalExecutionBudget,
		Nonce:           uuid.New().String(),
		Payload: domain.CallDescriptor{
			Method: domain.MethodIssueLoan,
			User:   ev.User,
			Amount: loanAmount,
		},
	})
}

// handlePriceUpdate records the new price and triggers the emergency
// protocol on a strict drop below the emergency threshold. A repeated
// sub-threshold reading does not re-trigger while emergency is active.
func (s *Service) handlePriceUpdate(ctx context.Context, sig domain.Signal) error {
	ev, err := domain.DecodePriceEvent(sig.Payload)
	if err != nil {
		return errors.Wrap(err, "malformed price payload")
	}

	old := s.currentPrice
	s.currentPrice = ev.NewPrice
	s.lastUpdate = time.Now()

	s.logger.Info("price updated", map[string]interface{}{
		"old": old,
		"new": ev.NewPrice,
	})

	if ev.NewPrice < s.cfg.Protocol.EmergencyThreshold && !s.mode.Active() {
		return s.triggerEmergencyLocked(ctx, fmt.Sprintf("price crash: %d -> %d", old, ev.NewPrice))
	}
	return nil
}

// SetPrice is the operator override. A crash is flagged only on a
// threshold crossing (old at or above, new strictly below), so sustained
// low readings do not re-trigger.
func (s *Service) SetPrice(ctx context.Context, caller domain.Address, newPrice uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.cfg.Operator {
		return errors.ErrUnauthorized
	}

	old := s.currentPrice
	s.currentPrice = newPrice
	s.lastUpdate = time.Now()

	crossed := old >= s.cfg.Protocol.EmergencyThreshold && newPrice < s.cfg.Protocol.EmergencyThreshold
	if crossed && !s.mode.Active() {
		return s.triggerEmergencyLocked(ctx, fmt.Sprintf("operator price set: %d -> %d", old, newPrice))
	}
	return nil
}

// triggerEmergencyLocked halts both leaves. It deliberately does not
// iterate per-user unwinds here; fund movement goes through
// TriggerEmergencyForUser, which a monitor fans out.
func (s *Service) triggerEmergencyLocked(ctx context.Context, reason string) error {
	s.mode = domain.StateEmergency
	s.logger.Warn("emergency protocol triggered", map[string]interface{}{
		"reason": reason,
	})

	haltLending := domain.Instruction{
		TargetDomain:    s.cfg.LendingDomain,
		TargetAddress:   s.cfg.LendingAddress,
		ExecutionBudget: s.cfg.Protocol.EmergencyExecutionBudget,
		Nonce:           uuid.New().String(),
		Payload:         domain.CallDescriptor{Method: domain.MethodEmergencyRepayAll},
	}
	haltCustody := domain.Instruction{
		TargetDomain:    s.cfg.CustodyDomain,
		TargetAddress:   s.cfg.CustodyAddress,
		ExecutionBudget: s.cfg.Protocol.EmergencyExecutionBudget,
		Nonce:           uuid.New().String(),
		Payload:         domain.CallDescriptor{Method: domain.MethodToggleEmergencyMode},
	}

	if err := s.emitLocked(ctx, haltLending); err != nil {
		return err
	}
	return s.emitLocked(ctx, haltCustody)
}

// TriggerEmergencyForUser is the open recovery path: any caller may unwind
// a position that has a recorded deposit. It emits two independent,
// individually idempotent legs and zeroes the local record; a replayed
// trigger therefore fails ErrNoDepositRecorded instead of re-emitting.
func (s *Service) TriggerEmergencyForUser(ctx context.Context, user domain.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user == domain.ZeroAddress {
		return errors.ErrZeroAddress
	}

	deposit := s.userDeposits[user]
	if deposit == 0 {
		return errors.ErrNoDepositRecorded
	}

	requestID := domain.EmergencyRequestID(time.Now(), user)

	repay := domain.Instruction{
		TargetDomain:    s.cfg.LendingDomain,
		TargetAddress:   s.cfg.LendingAddress,
		ExecutionBudget: s.cfg.Protocol.EmergencyExecutionBudget,
		Nonce:           uuid.New().String(),
		Payload: domain.CallDescriptor{
			Method: domain.MethodEmergencyRepay,
			User:   user,
		},
	}
	withdraw := domain.Instruction{
		TargetDomain:    s.cfg.CustodyDomain,
		TargetAddress:   s.cfg.CustodyAddress,
		ExecutionBudget: s.cfg.Protocol.EmergencyExecutionBudget,
		Nonce:           uuid.New().String(),
		Payload: domain.CallDescriptor{
			Method:    domain.MethodEmergencyWithdraw,
			User:      user,
			Amount:    deposit,
			RequestID: requestID,
		},
	}

	// Both legs are fire-and-forget: neither ordering nor joint delivery
	// is assumed. Each leg is safe to apply zero, one, or many times.
	if err := s.emitLocked(ctx, repay); err != nil {
		return err
	}
	if err := s.emitLocked(ctx, withdraw); err != nil {
		return err
	}

	s.userDeposits[user] = 0
	s.userLoans[user] = 0
	s.snapshotLocked(ctx, user)

	s.logger.Warn("per-user emergency unwind emitted", map[string]interface{}{
		"user":       string(user),
		"amount":     deposit,
		"request_id": requestID,
	})
	return nil
}

// DeactivateEmergency clears the coordinator's own emergency flag so new
// deposits size loans again. Operator only.
func (s *Service) DeactivateEmergency(ctx context.Context, caller domain.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.cfg.Operator {
		return errors.ErrUnauthorized
	}
	if !s.mode.Active() {
		return errors.ErrEmergencyModeNotActive
	}

	s.mode = domain.StateNormal
	s.logger.Info("coordinator emergency cleared", nil)
	return nil
}

func (s *Service) emitLocked(ctx context.Context, ins domain.Instruction) error {
	if err := s.emitter.EmitInstruction(ctx, ins); err != nil {
		return errors.Wrap(err, "instruction emission failed")
	}
	return nil
}

func (s *Service) snapshotLocked(ctx context.Context, user domain.Address) {
	if s.positions == nil {
		return
	}
	pos := domain.Position{
		User:      user,
		Deposited: s.userDeposits[user],
		Loaned:    s.userLoans[user],
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.positions.Upsert(ctx, pos); err != nil {
		s.logger.Error("position snapshot failed", map[string]interface{}{
			"user":  string(user),
			"error": err.Error(),
		})
	}
}

// CurrentPrice returns the latest price and its update time.
func (s *Service) CurrentPrice() (uint64, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPrice, s.lastUpdate
}

// PositionOf returns the coordinator's record of a user's position.
func (s *Service) PositionOf(user domain.Address) domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Position{
		User:      user,
		Deposited: s.userDeposits[user],
		Loaned:    s.userLoans[user],
		UpdatedAt: s.lastUpdate,
	}
}

// HealthRatio returns collateralValue * 100 / loanAmount, saturating to
// HealthRatioMax when no loan is recorded.
func (s *Service) HealthRatio(user domain.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	loan := s.userLoans[user]
	if loan == 0 {
		return HealthRatioMax
	}
	return s.userDeposits[user] * s.currentPrice * 100 / loan
}

// IsSignalConsumed reports whether a signal id is in the idempotency ledger.
func (s *Service) IsSignalConsumed(ctx context.Context, id string) (bool, error) {
	return s.consumed.Seen(ctx, id)
}

// Mode returns the coordinator's emergency state.
func (s *Service) Mode() domain.EmergencyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}
