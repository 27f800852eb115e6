// Package lending implements the loan ledger: the credit-token balance
// sheet, a pooled liquidity reserve, and the emergency repay path.
package lending

import (
	"context"
	"sync"

	"shieldlend/internal/domain"
	"shieldlend/pkg/errors"
	"shieldlend/pkg/logger"
)

// Config fixes the ledger's identities and loan bounds at construction.
type Config struct {
	Address     domain.Address
	Coordinator domain.Address
	Operator    domain.Address
	MaxLoanSize uint64
}

// Service is the lending ledger state machine. Entry points serialize on a
// single mutex; per-user records and global counters mutate in the same
// transition so they cannot drift.
type Service struct {
	mu  sync.Mutex
	cfg Config

	loans    map[domain.Address]uint64
	balances map[domain.Address]uint64

	poolLiquidity    uint64
	totalLoansIssued uint64
	mode             domain.EmergencyState

	logger logger.Logger
}

func NewService(cfg Config, log logger.Logger) *Service {
	return &Service{
		cfg:      cfg,
		loans:    make(map[domain.Address]uint64),
		balances: make(map[domain.Address]uint64),
		mode:     domain.StateNormal,
		logger:   log,
	}
}

// IssueLoan mints amount of the credit token to user and records the loan.
// One active loan per user: the coordinator accumulates follow-on deposits
// into its own record, this ledger never merges loans.
func (s *Service) IssueLoan(ctx context.Context, caller, user domain.Address, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.cfg.Coordinator {
		return errors.ErrUnauthorized
	}
	if s.mode.Active() {
		return errors.ErrEmergencyModeActive
	}
	if user == domain.ZeroAddress {
		return errors.ErrZeroAddress
	}
	if amount == 0 {
		return errors.ErrInvalidAmount
	}
	if amount > s.cfg.MaxLoanSize {
		return errors.ErrLoanTooLarge
	}
	if s.poolLiquidity < amount {
		return errors.ErrInsufficientLiquidity
	}
	if s.loans[user] != 0 {
		return errors.ErrLoanOutstanding
	}

	s.loans[user] = amount
	s.balances[user] += amount
	s.poolLiquidity -= amount
	s.totalLoansIssued += amount

	s.logger.Info("loan issued", map[string]interface{}{
		"user":   string(user),
		"amount": amount,
	})
	return nil
}

// Repay pulls amount of the credit token from the user back into the pool.
func (s *Service) Repay(ctx context.Context, user domain.Address, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repayLocked(user, amount)
}

// RepayFull repays the user's entire recorded loan.
func (s *Service) RepayFull(ctx context.Context, user domain.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loan := s.loans[user]
	if loan == 0 {
		return errors.ErrNoActiveLoan
	}
	return s.repayLocked(user, loan)
}

func (s *Service) repayLocked(user domain.Address, amount uint64) error {
	if s.mode.Active() {
		return errors.ErrEmergencyModeActive
	}
	if amount == 0 {
		return errors.ErrInvalidAmount
	}
	if s.loans[user] < amount {
		return errors.ErrInsufficientLoan
	}
	if s.balances[user] < amount {
		return errors.ErrInsufficientBalance
	}

	s.loans[user] -= amount
	s.balances[user] -= amount
	s.poolLiquidity += amount

	s.logger.Info("loan repaid", map[string]interface{}{
		"user":      string(user),
		"amount":    amount,
		"remaining": s.loans[user],
	})
	return nil
}

// Transfer moves credit tokens between users. The token is fungible, so a
// borrower can spend issued tokens before the loan is repaid; the
// emergency path then settles for whatever balance remains.
func (s *Service) Transfer(ctx context.Context, from, to domain.Address, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode.Active() {
		return errors.ErrEmergencyModeActive
	}
	if to == domain.ZeroAddress {
		return errors.ErrZeroAddress
	}
	if amount == 0 {
		return errors.ErrInvalidAmount
	}
	if s.balances[from] < amount {
		return errors.ErrInsufficientBalance
	}

	s.balances[from] -= amount
	s.balances[to] += amount
	return nil
}

// EmergencyRepay zeroes the user's loan and destroys up to the user's
// credit-token balance. A user who already spent the borrowed tokens is
// not chased for the shortfall; the ledger accepts the write-off rather
// than blocking the unwind. Allowed while emergency mode is set.
func (s *Service) EmergencyRepay(ctx context.Context, caller, user domain.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.cfg.Coordinator {
		return errors.ErrUnauthorized
	}

	loan := s.loans[user]
	if loan == 0 {
		return errors.ErrNoActiveLoan
	}

	burn := loan
	if s.balances[user] < burn {
		burn = s.balances[user]
	}

	s.balances[user] -= burn
	s.loans[user] = 0
	s.poolLiquidity += burn

	if burn < loan {
		s.logger.Warn("emergency repay with write-off", map[string]interface{}{
			"user":      string(user),
			"loan":      loan,
			"recovered": burn,
			"write_off": loan - burn,
		})
	} else {
		s.logger.Info("emergency repay executed", map[string]interface{}{
			"user": string(user),
			"loan": loan,
		})
	}
	return nil
}

// EmergencyRepayAll enters emergency mode and stops new issuance. It does
// not iterate positions: unwinding an unbounded user set inside one atomic
// instruction is a known scaling fault, so fund movement is left to the
// per-user emergency path fanned out by an external monitor. Safe to
// deliver more than once.
func (s *Service) EmergencyRepayAll(ctx context.Context, caller domain.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.cfg.Coordinator {
		return errors.ErrUnauthorized
	}
	if s.mode.Active() {
		return nil
	}

	s.mode = domain.StateEmergency
	s.logger.Warn("lending emergency mode activated", nil)
	return nil
}

// AddLiquidity funds the loan pool. Administrative entry point.
func (s *Service) AddLiquidity(ctx context.Context, caller domain.Address, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.cfg.Operator && caller != s.cfg.Coordinator {
		return errors.ErrUnauthorized
	}
	if amount == 0 {
		return errors.ErrInvalidAmount
	}

	s.poolLiquidity += amount
	s.logger.Info("liquidity added", map[string]interface{}{
		"amount": amount,
		"pool":   s.poolLiquidity,
	})
	return nil
}

// DeactivateEmergencyMode clears the emergency flag. Administrative entry
// point; rejected if the ledger is not in emergency mode.
func (s *Service) DeactivateEmergencyMode(ctx context.Context, caller domain.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.cfg.Operator {
		return errors.ErrUnauthorized
	}
	if !s.mode.Active() {
		return errors.ErrEmergencyModeNotActive
	}

	s.mode = domain.StateNormal
	s.logger.Info("lending emergency mode deactivated", nil)
	return nil
}

// LoanOf returns the recorded loan for user.
func (s *Service) LoanOf(user domain.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loans[user]
}

// BalanceOf returns the user's credit-token balance.
func (s *Service) BalanceOf(user domain.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[user]
}

// TotalLiquidity returns the available pool liquidity.
func (s *Service) TotalLiquidity() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poolLiquidity
}

// TotalLoansIssued returns the cumulative issuance counter.
func (s *Service) TotalLoansIssued() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLoansIssued
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
