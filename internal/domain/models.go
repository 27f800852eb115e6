// Package domain defines the shared protocol model: signals, instructions,
// positions, and the per-component emergency state machine.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Address is an opaque, ledger-native account identifier.
type Address string

// ZeroAddress is the invalid empty address.
const ZeroAddress Address = ""

// Signal topics. Topic0 identifies the event kind.
const (
	TopicDeposit     = "shield.custody.deposit"
	TopicPriceUpdate = "shield.price.update"
)

// Signal is an asynchronous, at-least-once notification delivered from a
// leaf ledger or the external price feed to the coordinator.
type Signal struct {
	OriginDomain  uint32  `json:"origin_domain"`
	SourceAddress Address `json:"source_address"`
	Topic0        string  `json:"topic0"`
	Topic1        string  `json:"topic1,omitempty"`
	Topic2        string  `json:"topic2,omitempty"`
	Payload       []byte  `json:"payload"`
}

// ID returns the collision-resistant identifier used by the coordinator's
// idempotency ledger: a hash over origin, source, topics, and payload.
func (s Signal) ID() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%s:%s:%s:%s:", s.OriginDomain, s.SourceAddress, s.Topic0, s.Topic1, s.Topic2)
	h.Write(s.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// DepositEvent is the payload of a TopicDeposit signal.
type DepositEvent struct {
	User      Address `json:"user"`
	Amount    uint64  `json:"amount"`
	FeeBuffer uint64  `json:"fee_buffer"`
	Timestamp int64   `json:"timestamp"`
}

// PriceEvent is the payload of a TopicPriceUpdate signal.
type PriceEvent struct {
	NewPrice uint64 `json:"new_price"`
}

// InstructionMethod names a leaf entry point targeted by an instruction.
type InstructionMethod string

const (
	MethodIssueLoan           InstructionMethod = "ISSUE_LOAN"
	MethodEmergencyRepay      InstructionMethod = "EMERGENCY_REPAY"
	MethodEmergencyRepayAll   InstructionMethod = "EMERGENCY_REPAY_ALL"
	MethodEmergencyWithdraw   InstructionMethod = "EMERGENCY_WITHDRAW"
	MethodToggleEmergencyMode InstructionMethod = "TOGGLE_EMERGENCY_MODE"
)

// CallDescriptor is the opaque payload of an instruction: the target entry
// point plus its arguments. Unused fields stay zero.
type CallDescriptor struct {
	Method    InstructionMethod `json:"method"`
	User      Address           `json:"user,omitempty"`
	Amount    uint64            `json:"amount,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// Instruction is an asynchronous, at-least-once directive from the
// coordinator to a leaf ledger. Nonce makes every emitted instruction
// uniquely identifiable so receivers can reject replays.
type Instruction struct {
	TargetDomain    uint32         `json:"target_domain"`
	TargetAddress   Address        `json:"target_address"`
	ExecutionBudget uint64         `json:"execution_budget"`
	Nonce           string         `json:"nonce"`
	Payload         CallDescriptor `json:"payload"`
}

// ID returns the identifier the receiving leaf records in its idempotency
// ledger before applying the instruction.
func (i Instruction) ID() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%s:%s:%s:%d:%s:%s",
		i.TargetDomain, i.TargetAddress, i.Payload.Method,
		i.Payload.User, i.Payload.Amount, i.Payload.RequestID, i.Nonce)
	return hex.EncodeToString(h.Sum(nil))
}

// EmergencyRequestID derives the request identifier for a per-user
// emergency unwind from the trigger time and the user address.
func EmergencyRequestID(ts time.Time, user Address) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%d:%s", ts.UnixNano(), user)))
	return hex.EncodeToString(h[:])
}

// Position is a per-user snapshot as the coordinator records it.
type Position struct {
	User      Address   `json:"user"`
	Deposited uint64    `json:"deposited"`
	Loaned    uint64    `json:"loaned"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EncodeDepositEvent marshals a deposit event into a signal payload.
func EncodeDepositEvent(ev DepositEvent) []byte {
	data, _ := json.Marshal(ev)
	return data
}

// EncodePriceEvent marshals a price event into a signal payload.
func EncodePriceEvent(ev PriceEvent) []byte {
	data, _ := json.Marshal(ev)
	return data
}

// DecodeDepositEvent unmarshals a deposit signal payload.
func DecodeDepositEvent(payload []byte) (DepositEvent, error) {
	var ev DepositEvent
	err := json.Unmarshal(payload, &ev)
	return ev, err
}

// DecodePriceEvent unmarshals a price signal payload.
func DecodePriceEvent(payload []byte) (PriceEvent, error) {
	var ev PriceEvent
	err := json.Unmarshal(payload, &ev)
	return ev, err
}
