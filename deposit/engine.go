package deposit

import (
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"depositd/core/events"
)

// ModuleName keys the pause switch entry gating mutating operations.
const ModuleName = "deposit"

// Capabilities resolvable through the RoleRegistry. The set is closed; the
// engine never consults any other role.
const (
	RoleInspector = "inspector"
	RoleApprover  = "approver"
	RoleAdmin     = "admin"
)

// EscrowState persists escrow records keyed by the derived escrow id.
type EscrowState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id [32]byte) (*Escrow, bool)
}

// Ledger moves the deposited asset between identities. Each call either fully
// succeeds or fully fails with no partial effect; the engine treats any
// failure identically regardless of its underlying cause.
type Ledger interface {
	Debit(from [20]byte, amount *big.Int) error
	Credit(to [20]byte, amount *big.Int) error
}

// RoleRegistry resolves whether a caller holds a capability.
type RoleRegistry interface {
	HasRole(role string, addr [20]byte) bool
}

// PauseSwitch gates mutating operations and lets the administrator flip the
// breaker through the engine.
type PauseSwitch interface {
	IsPaused(module string) bool
	SetPaused(module string, paused bool)
}

// Settlement reports the exact partition of a resolved deposit.
type Settlement struct {
	Refund   *big.Int
	Withheld *big.Int
}

// Engine wires the deposit lifecycle state machine with external state, the
// funds ledger, the role registry, the pause switch and an event emitter.
// Mutating operations are single-writer: a call-scoped guard rejects any
// overlapping invocation, so a nested call issued by a collaborator while an
// operation is in flight fails with ErrReentrantCall instead of observing
// intermediate state.
type Engine struct {
	state         EscrowState
	ledger        Ledger
	roles         RoleRegistry
	pauses        PauseSwitch
	emitter       events.Emitter
	feeRecipient  [20]byte
	disputeWindow int64
	nowFn         func() int64
	inFlight      atomic.Bool
}

// NewEngine creates a deposit engine with a no-op emitter and the wall clock.
// Callers override collaborators via the Set methods before serving traffic.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state EscrowState) { e.state = state }

// SetLedger configures the funds ledger used for debits and credits.
func (e *Engine) SetLedger(ledger Ledger) { e.ledger = ledger }

// SetRoles configures the capability registry consulted on each operation.
func (e *Engine) SetRoles(roles RoleRegistry) { e.roles = roles }

// SetPauses configures the pause switch gating mutating operations.
func (e *Engine) SetPauses(pauses PauseSwitch) { e.pauses = pauses }

// SetFeeRecipient configures the identity that receives withheld amounts.
// This is the wiring-time bootstrap; runtime changes go through
// UpdateFeeRecipient, which enforces administrator authorization.
func (e *Engine) SetFeeRecipient(addr [20]byte) { e.feeRecipient = addr }

// SetDisputeWindow configures the minimum number of seconds that must elapse
// after the most recent proposal before settlement may finalize.
func (e *Engine) SetDisputeWindow(seconds int64) { e.disputeWindow = seconds }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// DisputeWindow reports the configured window in seconds.
func (e *Engine) DisputeWindow() int64 { return e.disputeWindow }

// FeeRecipient reports the configured withheld-amount recipient.
func (e *Engine) FeeRecipient() [20]byte { return e.feeRecipient }

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// begin acquires the call-scoped guard. Any invocation arriving while another
// is in flight is rejected outright rather than queued, so collaborators can
// never re-enter the state machine.
func (e *Engine) begin() error {
	if !e.inFlight.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (e *Engine) end() { e.inFlight.Store(false) }

func (e *Engine) guardPaused() error {
	if e.pauses != nil && e.pauses.IsPaused(ModuleName) {
		return ErrPaused
	}
	return nil
}

func (e *Engine) requireRole(role string, caller [20]byte) error {
	if e.roles == nil || !e.roles.HasRole(role, caller) {
		return fmt.Errorf("%w: %s required", ErrUnauthorized, role)
	}
	return nil
}

func (e *Engine) loadEscrow(bookingID string) (*Escrow, error) {
	if e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(EscrowID(bookingID))
	if !ok {
		return nil, fmt.Errorf("%w: no escrow for booking %q", ErrInvalidState, strings.TrimSpace(bookingID))
	}
	return esc, nil
}

// Deposit locks a renter's funds for a booking and creates the escrow record.
// The record and the ledger debit commit or fail together: a failed debit
// leaves no residual record, and a failed store write refunds the debit.
func (e *Engine) Deposit(bookingID string, renter [20]byte, amount *big.Int) (*Escrow, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()
	if e.state == nil {
		return nil, errNilState
	}
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if err := e.guardPaused(); err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(bookingID)
	if trimmed == "" {
		return nil, fmt.Errorf("deposit: booking id required")
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	id := EscrowID(trimmed)
	if _, ok := e.state.EscrowGet(id); ok {
		return nil, fmt.Errorf("%w: booking %q", ErrAlreadyExists, trimmed)
	}
	esc := &Escrow{
		ID:          id,
		BookingID:   trimmed,
		Renter:      renter,
		Amount:      amt,
		DepositedAt: e.now(),
		State:       StateDeposited,
	}
	if err := e.ledger.Debit(renter, amt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.state.EscrowPut(esc); err != nil {
		// The debit already settled; hand the funds back before failing.
		if creditErr := e.ledger.Credit(renter, amt); creditErr != nil {
			return nil, fmt.Errorf("%w; refunding the debit also failed: %v", err, creditErr)
		}
		return nil, err
	}
	e.emit(NewDepositedEvent(esc))
	return esc.Clone(), nil
}

// BeginInspection moves a deposited escrow into the inspection phase. No
// funds move.
func (e *Engine) BeginInspection(bookingID string, caller [20]byte) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if err := e.guardPaused(); err != nil {
		return err
	}
	if err := e.requireRole(RoleInspector, caller); err != nil {
		return err
	}
	esc, err := e.loadEscrow(bookingID)
	if err != nil {
		return err
	}
	if esc.State != StateDeposited {
		return fmt.Errorf("%w: cannot begin inspection in state %s", ErrInvalidState, esc.State)
	}
	esc.State = StatePendingInspection
	if err := e.state.EscrowPut(esc); err != nil {
		return err
	}
	e.emit(NewInspectionStartedEvent(esc))
	return nil
}

// ProposeOutcome records the inspector's proposed settlement. Re-proposing
// before approval fully supersedes the previous proposal: the refund,
// evidence reference and violation list are overwritten wholesale and the
// dispute window restarts from the new proposal time.
func (e *Engine) ProposeOutcome(bookingID string, caller [20]byte, proposedRefund *big.Int, evidenceHash [32]byte, codes []uint32, penalties []*big.Int) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if err := e.guardPaused(); err != nil {
		return err
	}
	if err := e.requireRole(RoleInspector, caller); err != nil {
		return err
	}
	if len(codes) != len(penalties) {
		return fmt.Errorf("%w: %d codes, %d penalties", ErrArrayLengthMismatch, len(codes), len(penalties))
	}
	esc, err := e.loadEscrow(bookingID)
	if err != nil {
		return err
	}
	if esc.State != StatePendingInspection {
		return fmt.Errorf("%w: cannot propose outcome in state %s", ErrInvalidState, esc.State)
	}
	refund := cloneBigInt(proposedRefund)
	if refund.Sign() < 0 {
		return fmt.Errorf("%w: refund must be non-negative", ErrInvalidAmount)
	}
	if refund.Cmp(esc.Amount) > 0 {
		return fmt.Errorf("%w: refund %s exceeds deposit %s", ErrRefundExceedsDeposit, refund, esc.Amount)
	}
	violations := make([]Violation, len(codes))
	for i, code := range codes {
		penalty := cloneBigInt(penalties[i])
		if penalty.Sign() < 0 {
			return fmt.Errorf("%w: penalty must be non-negative", ErrInvalidAmount)
		}
		violations[i] = Violation{Code: code, Penalty: penalty}
	}
	esc.ProposedRefund = refund
	esc.EvidenceHash = evidenceHash
	esc.ProposedAt = e.now()
	esc.Violations = violations
	if err := e.state.EscrowPut(esc); err != nil {
		return err
	}
	e.emit(NewOutcomeProposedEvent(esc))
	return nil
}

// ApproveAndPayout finalizes a proposed outcome once the dispute window has
// elapsed. The record is resolved and its amount zeroed before any transfer
// is issued; a failed transfer restores the pre-settlement record so the
// operation has no partial effect. Refund plus withheld always equals the
// deposit amount at the moment of resolution.
func (e *Engine) ApproveAndPayout(bookingID string, caller [20]byte) (Settlement, error) {
	if err := e.begin(); err != nil {
		return Settlement{}, err
	}
	defer e.end()
	if e.ledger == nil {
		return Settlement{}, errNilLedger
	}
	if err := e.guardPaused(); err != nil {
		return Settlement{}, err
	}
	if err := e.requireRole(RoleApprover, caller); err != nil {
		return Settlement{}, err
	}
	esc, err := e.loadEscrow(bookingID)
	if err != nil {
		return Settlement{}, err
	}
	if esc.State != StatePendingInspection {
		return Settlement{}, fmt.Errorf("%w: cannot settle in state %s", ErrInvalidState, esc.State)
	}
	if esc.ProposedAt == 0 {
		return Settlement{}, ErrNoProposal
	}
	now := e.now()
	if now < esc.ProposedAt+e.disputeWindow {
		return Settlement{}, fmt.Errorf("%w: %ds remaining", ErrDisputeWindowNotElapsed, esc.ProposedAt+e.disputeWindow-now)
	}
	refund := cloneBigInt(esc.ProposedRefund)
	if refund.Cmp(esc.Amount) > 0 {
		return Settlement{}, fmt.Errorf("%w: refund %s exceeds deposit %s", ErrRefundExceedsDeposit, refund, esc.Amount)
	}
	withheld := new(big.Int).Sub(esc.Amount, refund)
	if withheld.Sign() > 0 && e.feeRecipient == ([20]byte{}) {
		return Settlement{}, errNilFeeRecipient
	}

	snapshot := esc.Clone()
	esc.State = StateResolved
	esc.Amount = big.NewInt(0)
	if err := e.state.EscrowPut(esc); err != nil {
		return Settlement{}, err
	}
	if refund.Sign() > 0 {
		if err := e.ledger.Credit(snapshot.Renter, refund); err != nil {
			if putErr := e.state.EscrowPut(snapshot); putErr != nil {
				return Settlement{}, fmt.Errorf("%w: %v; restoring the record also failed: %v", ErrTransferFailed, err, putErr)
			}
			return Settlement{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	if withheld.Sign() > 0 {
		if err := e.ledger.Credit(e.feeRecipient, withheld); err != nil {
			// Unwind the renter credit issued moments ago; debiting funds we
			// just credited cannot fail for a balance reason.
			settleErr := fmt.Errorf("%w: %v", ErrTransferFailed, err)
			if refund.Sign() > 0 {
				if debitErr := e.ledger.Debit(snapshot.Renter, refund); debitErr != nil {
					settleErr = fmt.Errorf("%w; unwinding the refund also failed: %v", settleErr, debitErr)
				}
			}
			if putErr := e.state.EscrowPut(snapshot); putErr != nil {
				settleErr = fmt.Errorf("%w; restoring the record also failed: %v", settleErr, putErr)
			}
			return Settlement{}, settleErr
		}
	}
	e.emit(NewPayoutExecutedEvent(esc, refund, withheld))
	return Settlement{Refund: refund, Withheld: withheld}, nil
}

// UpdateFeeRecipient changes the withheld-amount recipient. Administrator
// only; usable while paused.
func (e *Engine) UpdateFeeRecipient(caller, addr [20]byte) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if err := e.requireRole(RoleAdmin, caller); err != nil {
		return err
	}
	if addr == ([20]byte{}) {
		return fmt.Errorf("deposit: fee recipient must not be the zero address")
	}
	e.feeRecipient = addr
	return nil
}

// UpdateDisputeWindow changes the settlement delay. Administrator only; the
// window must stay positive.
func (e *Engine) UpdateDisputeWindow(caller [20]byte, seconds int64) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if err := e.requireRole(RoleAdmin, caller); err != nil {
		return err
	}
	if seconds <= 0 {
		return ErrInvalidDisputeWindow
	}
	e.disputeWindow = seconds
	return nil
}

// Pause halts mutating operations. Administrator only.
func (e *Engine) Pause(caller [20]byte) error {
	return e.setPaused(caller, true)
}

// Unpause resumes mutating operations. Administrator only.
func (e *Engine) Unpause(caller [20]byte) error {
	return e.setPaused(caller, false)
}

func (e *Engine) setPaused(caller [20]byte, paused bool) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if err := e.requireRole(RoleAdmin, caller); err != nil {
		return err
	}
	if e.pauses == nil {
		return fmt.Errorf("deposit engine: pause switch not configured")
	}
	e.pauses.SetPaused(ModuleName, paused)
	return nil
}

// Escrow returns a snapshot of the record for a booking. Unknown bookings
// yield a zero-value record in StateNone rather than an error; "no record" is
// a valid queryable state.
func (e *Engine) Escrow(bookingID string) *Escrow {
	trimmed := strings.TrimSpace(bookingID)
	if e.state != nil {
		if esc, ok := e.state.EscrowGet(EscrowID(trimmed)); ok {
			return esc.Clone()
		}
	}
	return &Escrow{
		ID:        EscrowID(trimmed),
		BookingID: trimmed,
		Amount:    big.NewInt(0),
		State:     StateNone,
	}
}

// Violations returns the violation list from the most recent proposal, or an
// empty list when the booking is unknown or nothing was proposed.
func (e *Engine) Violations(bookingID string) []Violation {
	esc := e.Escrow(bookingID)
	if len(esc.Violations) == 0 {
		return []Violation{}
	}
	return esc.Violations
}
