package config

import "fmt"

// Validate checks the protocol constants for internal consistency.
func (c *Config) Validate() error {
	p := c.Protocol

	if p.LTVPercent == 0 || p.LTVPercent > 100 {
		return fmt.Errorf("LTV_PERCENT must be in (0, 100], got %d", p.LTVPercent)
	}
	if p.EmergencyThreshold >= p.LiquidationThreshold {
		return fmt.Errorf("EMERGENCY_THRESHOLD (%d) must be below LIQUIDATION_THRESHOLD (%d)",
			p.EmergencyThreshold, p.LiquidationThreshold)
	}
	// The emergency budget must be strictly larger so the unwind instruction
	// itself cannot fail from underfunding.
	if p.EmergencyExecutionBudget <= p.NormalExecutionBudget {
		return fmt.Errorf("EMERGENCY_EXECUTION_BUDGET (%d) must exceed NORMAL_EXECUTION_BUDGET (%d)",
			p.EmergencyExecutionBudget, p.NormalExecutionBudget)
	}
	if p.MaxLoanSize == 0 {
		return fmt.Errorf("MAX_LOAN_SIZE must be greater than zero")
	}
	if c.Identity.TrustedRelay == "" || c.Identity.Coordinator == "" {
		return fmt.Errorf("trusted relay and coordinator identities are required")
	}
	return nil
}
