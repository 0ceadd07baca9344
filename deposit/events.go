package deposit

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strconv"

	"depositd/core/events"
)

const (
	EventTypeDeposited         = "deposit.deposited"
	EventTypeInspectionStarted = "deposit.inspection_started"
	EventTypeOutcomeProposed   = "deposit.outcome_proposed"
	EventTypePayoutExecuted    = "deposit.payout_executed"
)

// NewDepositedEvent returns the canonical payload emitted when a renter's
// funds are locked.
func NewDepositedEvent(e *Escrow) events.Event {
	return newEscrowEvent(EventTypeDeposited, e)
}

// NewInspectionStartedEvent returns the payload emitted when an inspector
// opens the inspection phase.
func NewInspectionStartedEvent(e *Escrow) events.Event {
	return newEscrowEvent(EventTypeInspectionStarted, e)
}

// NewOutcomeProposedEvent returns the payload emitted for each (re)proposal,
// carrying the proposed refund, the evidence reference and the full violation
// list in effect.
func NewOutcomeProposedEvent(e *Escrow) events.Event {
	evt := newEscrowEvent(EventTypeOutcomeProposed, e)
	if e == nil {
		return evt
	}
	evt.Attributes["proposedRefund"] = cloneBigInt(e.ProposedRefund).String()
	evt.Attributes["evidenceHash"] = hex.EncodeToString(e.EvidenceHash[:])
	evt.Attributes["proposedAt"] = strconv.FormatInt(e.ProposedAt, 10)
	evt.Attributes["violations"] = encodeViolations(e.Violations)
	return evt
}

// NewPayoutExecutedEvent returns the payload emitted when a deposit is
// settled, carrying the exact refund/withheld partition.
func NewPayoutExecutedEvent(e *Escrow, refund, withheld *big.Int) events.Event {
	evt := newEscrowEvent(EventTypePayoutExecuted, e)
	evt.Attributes["refund"] = cloneBigInt(refund).String()
	evt.Attributes["withheld"] = cloneBigInt(withheld).String()
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) events.Event {
	attrs := make(map[string]string)
	evt := events.Event{Type: eventType, Attributes: attrs}
	if e == nil {
		return evt
	}
	attrs["escrowId"] = hex.EncodeToString(e.ID[:])
	attrs["bookingId"] = e.BookingID
	attrs["renter"] = hex.EncodeToString(e.Renter[:])
	attrs["amount"] = cloneBigInt(e.Amount).String()
	attrs["state"] = e.State.String()
	attrs["depositedAt"] = strconv.FormatInt(e.DepositedAt, 10)
	return evt
}

func encodeViolations(violations []Violation) string {
	type wireViolation struct {
		Code    uint32 `json:"code"`
		Penalty string `json:"penalty"`
	}
	encoded := make([]wireViolation, len(violations))
	for i, v := range violations {
		encoded[i] = wireViolation{Code: v.Code, Penalty: cloneBigInt(v.Penalty).String()}
	}
	data, err := json.Marshal(encoded)
	if err != nil {
		return "[]"
	}
	return string(data)
}
