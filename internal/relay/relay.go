// Package relay is the in-process delivery fabric between the three
// components. It models the adversarial channel the protocol assumes:
// at-least-once, unordered across legs, with optional duplicate and
// dropped deliveries for tests. Leaves never call each other; everything
// crosses through here.
package relay

import (
	"context"

	"shieldlend/internal/custody"
	"shieldlend/internal/domain"
	"shieldlend/internal/idempotency"
	"shieldlend/internal/lending"
	"shieldlend/pkg/errors"
	"shieldlend/pkg/logger"
)

// SignalReceiver is the coordinator-side ingress.
type SignalReceiver interface {
	HandleSignal(ctx context.Context, caller domain.Address, sig domain.Signal) error
}

// Options shape the delivery behavior. Copies below 1 are treated as 1.
type Options struct {
	// SignalCopies and InstructionCopies deliver every message N times,
	// exercising the receivers' idempotency ledgers.
	SignalCopies      int
	InstructionCopies int

	// DropMethods suppresses delivery of matching instructions, simulating
	// a failed leg of a two-leg operation.
	DropMethods map[domain.InstructionMethod]bool
}

// Relay routes signals to the coordinator and instructions to the leaves.
// It presents the trusted relay identity inbound and the coordinator's
// address on leaf entry points. Before applying an instruction it records
// the instruction id in the target leaf's idempotency ledger, so a
// replayed instruction is a no-op even when the entry point itself keeps
// no request id.
type Relay struct {
	identity    domain.Address
	coordinator domain.Address

	signals SignalReceiver
	custody *custody.Service
	lending *lending.Service

	custodyDomain uint32
	lendingDomain uint32

	custodyConsumed idempotency.Store
	lendingConsumed idempotency.Store

	opts   Options
	logger logger.Logger
}

type Config struct {
	Identity           domain.Address
	CoordinatorAddress domain.Address
	CustodyDomain      uint32
	LendingDomain      uint32
}

func New(cfg Config, custodySvc *custody.Service, lendingSvc *lending.Service,
	custodyConsumed, lendingConsumed idempotency.Store, opts Options, log logger.Logger) *Relay {
	return &Relay{
		identity:        cfg.Identity,
		coordinator:     cfg.CoordinatorAddress,
		custody:         custodySvc,
		lending:         lendingSvc,
		custodyDomain:   cfg.CustodyDomain,
		lendingDomain:   cfg.LendingDomain,
		custodyConsumed: custodyConsumed,
		lendingConsumed: lendingConsumed,
		opts:            opts,
		logger:          log,
	}
}

// Bind attaches the coordinator after construction. The relay and the
// coordinator reference each other, so one side has to be wired late.
func (r *Relay) Bind(receiver SignalReceiver) {
	r.signals = receiver
}

// EmitSignal delivers a leaf or feed signal to the coordinator, possibly
// more than once. A duplicate rejection is the expected outcome of
// at-least-once delivery and is swallowed here.
func (r *Relay) EmitSignal(ctx context.Context, sig domain.Signal) error {
	copies := r.opts.SignalCopies
	if copies < 1 {
		copies = 1
	}

	for i := 0; i < copies; i++ {
		err := r.signals.HandleSignal(ctx, r.identity, sig)
		if err == nil {
			continue
		}
		if errors.Is(err, errors.ErrDuplicateSignal) {
			r.logger.Debug("duplicate signal dropped", map[string]interface{}{
				"signal_id": sig.ID(),
			})
			continue
		}
		return err
	}
	return nil
}

// EmitInstruction delivers a coordinator instruction to its target leaf,
// possibly more than once.
func (r *Relay) EmitInstruction(ctx context.Context, ins domain.Instruction) error {
	if r.opts.DropMethods[ins.Payload.Method] {
		r.logger.Warn("instruction dropped by relay", map[string]interface{}{
			"method": string(ins.Payload.Method),
			"user":   string(ins.Payload.User),
		})
		return nil
	}

	copies := r.opts.InstructionCopies
	if copies < 1 {
		copies = 1
	}

	for i := 0; i < copies; i++ {
		if err := r.apply(ctx, ins); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) apply(ctx context.Context, ins domain.Instruction) error {
	store := r.lendingConsumed
	if ins.TargetDomain == r.custodyDomain {
		store = r.custodyConsumed
	}

	fresh, err := store.MarkConsumed(ctx, ins.ID())
	if err != nil {
		return errors.Wrap(err, "instruction idempotency check failed")
	}
	if !fresh {
		r.logger.Debug("replayed instruction dropped", map[string]interface{}{
			"method": string(ins.Payload.Method),
		})
		return nil
	}

	err = r.invoke(ctx, ins)
	if err == nil {
		return nil
	}
	if errors.Is(err, errors.ErrAlreadyProcessed) {
		// Entry-point-level replay protection fired; still a safe no-op.
		return nil
	}
	r.logger.Error("instruction application failed", map[string]interface{}{
		"method": string(ins.Payload.Method),
		"user":   string(ins.Payload.User),
		"error":  err.Error(),
	})
	return err
}

func (r *Relay) invoke(ctx context.Context, ins domain.Instruction) error {
	p := ins.Payload
	switch p.Method {
	case domain.MethodIssueLoan:
		return r.lending.IssueLoan(ctx, r.coordinator, p.User, p.Amount)
	case domain.MethodEmergencyRepay:
		return r.lending.EmergencyRepay(ctx, r.coordinator, p.User)
	case domain.MethodEmergencyRepayAll:
		return r.lending.EmergencyRepayAll(ctx, r.coordinator)
	case domain.MethodEmergencyWithdraw:
		return r.custody.EmergencyWithdraw(ctx, r.coordinator, p.User, p.Amount, p.RequestID)
	case domain.MethodToggleEmergencyMode:
		_, err := r.custody.ToggleEmergencyMode(ctx, r.coordinator)
		return err
	default:
		r.logger.Warn("unknown instruction method ignored", map[string]interface{}{
			"method": string(p.Method),
		})
		return nil
	}
}
