// Simulation of the full shield lifecycle: deposit-driven loan issuance,
// a price crash halting both ledgers, and the per-user emergency unwind,
// with every message delivered twice to show the idempotency ledgers hold.
package main

import (
	"context"
	"fmt"
	"log"

	"shieldlend/internal/coordinator"
	"shieldlend/internal/custody"
	"shieldlend/internal/domain"
	"shieldlend/internal/idempotency"
	"shieldlend/internal/lending"
	"shieldlend/internal/pricefeed"
	"shieldlend/internal/relay"
	"shieldlend/pkg/config"
	"shieldlend/pkg/logger"

	"github.com/shopspring/decimal"
)

const (
	relayID  = domain.Address("relay-1")
	operator = domain.Address("operator-1")
	coordID  = domain.Address("coordinator-1")
	custodyA = domain.Address("custody-1")
	lendingA = domain.Address("lending-1")
	feedA    = domain.Address("price-feed-1")
	alice    = domain.Address("alice")
)

func main() {
	fmt.Println("=========================================================")
	fmt.Println("SHIELDLEND - CROSS-LEDGER EMERGENCY UNWIND SIMULATION")
	fmt.Println("Demonstrating: idempotent coordination under duplicate delivery")
	fmt.Println("=========================================================")

	cfg := config.Load()
	nop := logger.NewNop()

	custodySvc := custody.NewService(custody.Config{
		OriginDomain: 1, Address: custodyA, Coordinator: coordID,
		Operator: operator, MinFeeBuffer: cfg.Protocol.MinFeeBuffer,
	}, idempotency.NewMemoryStore(), nil, nop)

	lendingSvc := lending.NewService(lending.Config{
		Address: lendingA, Coordinator: coordID, Operator: operator,
		MaxLoanSize: cfg.Protocol.MaxLoanSize,
	}, nop)

	// Every signal and instruction is delivered twice on purpose.
	bus := relay.New(relay.Config{
		Identity: relayID, CoordinatorAddress: coordID,
		CustodyDomain: 1, LendingDomain: 2,
	}, custodySvc, lendingSvc,
		idempotency.NewMemoryStore(), idempotency.NewMemoryStore(),
		relay.Options{SignalCopies: 2, InstructionCopies: 2}, nop)

	coordSvc := coordinator.NewService(coordinator.Config{
		TrustedRelay: relayID, Operator: operator,
		CustodyDomain: 1, CustodyAddress: custodyA,
		LendingDomain: 2, LendingAddress: lendingA,
		Protocol: cfg.Protocol,
	}, idempotency.NewMemoryStore(), bus, nop)
	bus.Bind(coordSvc)
	custodySvc.BindEmitter(bus)

	ctx := context.Background()

	fmt.Println("\n--- Step 1: Fund the loan pool and set the price to 2000 ---")
	must(lendingSvc.AddLiquidity(ctx, operator, 1_000_000))
	feed := pricefeed.NewPublisher(bus, 9, feedA, nop)
	sim := pricefeed.NewSimulator(decimal.NewFromInt(2000))
	must(feed.Publish(ctx, sim.Quote()))
	price, _ := coordSvc.CurrentPrice()
	fmt.Printf("Coordinator price: %d\n", price)

	fmt.Println("\n--- Step 2: Alice deposits 1 unit of collateral ---")
	must(custodySvc.Deposit(ctx, alice, 1, cfg.Protocol.MinFeeBuffer))
	fmt.Printf("Loan issued to alice: %d (expected 1 * 2000 * 70%% = 1400)\n", lendingSvc.LoanOf(alice))
	fmt.Printf("Alice credit balance: %d\n", lendingSvc.BalanceOf(alice))

	fmt.Println("\n--- Step 3: Price crashes below the emergency threshold ---")
	crashed := sim.Move(decimal.NewFromInt(-16)) // 2000 -> 1680
	must(feed.Publish(ctx, crashed))
	fmt.Printf("Custody mode: %s | Lending mode: %s | Coordinator mode: %s\n",
		custodySvc.Mode(), lendingSvc.Mode(), coordSvc.Mode())

	fmt.Println("\n--- Step 4: Normal-path entry points are now closed ---")
	if err := custodySvc.Deposit(ctx, alice, 1, cfg.Protocol.MinFeeBuffer); err != nil {
		fmt.Printf("Deposit rejected: %v\n", err)
	}

	fmt.Println("\n--- Step 5: Per-user emergency unwind for alice ---")
	must(coordSvc.TriggerEmergencyForUser(ctx, alice))
	fmt.Printf("Alice loan after unwind: %d\n", lendingSvc.LoanOf(alice))
	fmt.Printf("Alice collateral after unwind: %d\n", custodySvc.CollateralOf(alice))
	fmt.Printf("Alice fee buffer after unwind: %d\n", custodySvc.FeeBufferOf(alice))

	fmt.Println("\n--- Step 6: Replaying the unwind is a rejected no-op ---")
	if err := coordSvc.TriggerEmergencyForUser(ctx, alice); err != nil {
		fmt.Printf("Replay rejected: %v\n", err)
	}

	fmt.Println("\nSimulation complete.")
}

func must(err error) {
	if err != nil {
		log.Fatalf("simulation step failed: %v", err)
	}
}
