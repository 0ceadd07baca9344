package deposit

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"depositd/core/events"
)

type memState struct {
	records   map[[32]byte]*Escrow
	putErr    error
	puts      int
	failOnPut int // when non-zero, putErr only fires on this put number
}

func newMemState() *memState {
	return &memState{records: make(map[[32]byte]*Escrow)}
}

func (m *memState) EscrowPut(esc *Escrow) error {
	m.puts++
	if m.putErr != nil && (m.failOnPut == 0 || m.puts >= m.failOnPut) {
		return m.putErr
	}
	m.records[esc.ID] = esc.Clone()
	return nil
}

func (m *memState) EscrowGet(id [32]byte) (*Escrow, bool) {
	esc, ok := m.records[id]
	if !ok {
		return nil, false
	}
	return esc.Clone(), true
}

type ledgerOp struct {
	kind   string
	addr   [20]byte
	amount *big.Int
}

type memLedger struct {
	ops       []ledgerOp
	debitErr  error
	creditErr map[[20]byte]error
}

func newMemLedger() *memLedger {
	return &memLedger{creditErr: make(map[[20]byte]error)}
}

func (m *memLedger) Debit(from [20]byte, amount *big.Int) error {
	if m.debitErr != nil {
		return m.debitErr
	}
	m.ops = append(m.ops, ledgerOp{kind: "debit", addr: from, amount: new(big.Int).Set(amount)})
	return nil
}

func (m *memLedger) Credit(to [20]byte, amount *big.Int) error {
	if err := m.creditErr[to]; err != nil {
		return err
	}
	m.ops = append(m.ops, ledgerOp{kind: "credit", addr: to, amount: new(big.Int).Set(amount)})
	return nil
}

type memRoles struct {
	grants map[string]map[[20]byte]bool
}

func newMemRoles() *memRoles {
	return &memRoles{grants: make(map[string]map[[20]byte]bool)}
}

func (m *memRoles) grant(role string, addr [20]byte) {
	if m.grants[role] == nil {
		m.grants[role] = make(map[[20]byte]bool)
	}
	m.grants[role][addr] = true
}

func (m *memRoles) HasRole(role string, addr [20]byte) bool {
	return m.grants[role][addr]
}

type memPause struct {
	paused map[string]bool
}

func (m *memPause) IsPaused(module string) bool { return m.paused[module] }

func (m *memPause) SetPaused(module string, paused bool) {
	if m.paused == nil {
		m.paused = make(map[string]bool)
	}
	m.paused[module] = paused
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) { c.events = append(c.events, evt) }

func addr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

var (
	renter       = addr(0x01)
	inspector    = addr(0x02)
	approver     = addr(0x03)
	admin        = addr(0x04)
	feeRecipient = addr(0x05)
	outsider     = addr(0x09)
)

type engineFixture struct {
	engine  *Engine
	state   *memState
	ledger  *memLedger
	pauses  *memPause
	emitter *capturingEmitter
	now     int64
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	fx := &engineFixture{
		state:   newMemState(),
		ledger:  newMemLedger(),
		pauses:  &memPause{},
		emitter: &capturingEmitter{},
		now:     1_700_000_000,
	}
	roles := newMemRoles()
	roles.grant(RoleInspector, inspector)
	roles.grant(RoleApprover, approver)
	roles.grant(RoleAdmin, admin)

	engine := NewEngine()
	engine.SetState(fx.state)
	engine.SetLedger(fx.ledger)
	engine.SetRoles(roles)
	engine.SetPauses(fx.pauses)
	engine.SetEmitter(fx.emitter)
	engine.SetFeeRecipient(feeRecipient)
	engine.SetDisputeWindow(3600)
	engine.SetNowFunc(func() int64 { return fx.now })
	fx.engine = engine
	return fx
}

func (fx *engineFixture) mustDeposit(t *testing.T, bookingID string, amount int64) *Escrow {
	t.Helper()
	esc, err := fx.engine.Deposit(bookingID, renter, big.NewInt(amount))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return esc
}

func (fx *engineFixture) mustInspect(t *testing.T, bookingID string) {
	t.Helper()
	if err := fx.engine.BeginInspection(bookingID, inspector); err != nil {
		t.Fatalf("begin inspection: %v", err)
	}
}

func (fx *engineFixture) mustPropose(t *testing.T, bookingID string, refund int64, codes []uint32, penalties []int64) {
	t.Helper()
	bigPenalties := make([]*big.Int, len(penalties))
	for i, p := range penalties {
		bigPenalties[i] = big.NewInt(p)
	}
	if err := fx.engine.ProposeOutcome(bookingID, inspector, big.NewInt(refund), [32]byte{0xaa}, codes, bigPenalties); err != nil {
		t.Fatalf("propose outcome: %v", err)
	}
}

func (fx *engineFixture) elapseWindow() {
	fx.now += fx.engine.DisputeWindow()
}

func TestDepositCreatesEscrow(t *testing.T) {
	fx := newFixture(t)
	esc := fx.mustDeposit(t, "booking-1", 500)

	if esc.State != StateDeposited {
		t.Fatalf("state = %s, want %s", esc.State, StateDeposited)
	}
	if esc.Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("amount = %s, want 500", esc.Amount)
	}
	if esc.DepositedAt != fx.now {
		t.Fatalf("depositedAt = %d, want %d", esc.DepositedAt, fx.now)
	}
	if esc.ID != EscrowID("booking-1") {
		t.Fatalf("id mismatch")
	}
	if len(fx.ledger.ops) != 1 || fx.ledger.ops[0].kind != "debit" || fx.ledger.ops[0].addr != renter {
		t.Fatalf("expected a single renter debit, got %+v", fx.ledger.ops)
	}
	if len(fx.emitter.events) != 1 || fx.emitter.events[0].Type != EventTypeDeposited {
		t.Fatalf("expected one %s event, got %+v", EventTypeDeposited, fx.emitter.events)
	}
}

func TestDepositRejectsDuplicateBooking(t *testing.T) {
	fx := newFixture(t)
	fx.mustDeposit(t, "booking-1", 500)

	_, err := fx.engine.Deposit("booking-1", renter, big.NewInt(500))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
	if len(fx.ledger.ops) != 1 {
		t.Fatalf("duplicate deposit must not touch the ledger, ops = %+v", fx.ledger.ops)
	}
}

func TestDepositRejectsNonPositiveAmount(t *testing.T) {
	fx := newFixture(t)
	for _, amount := range []int64{0, -5} {
		if _, err := fx.engine.Deposit("booking-1", renter, big.NewInt(amount)); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: err = %v, want ErrInvalidAmount", amount, err)
		}
	}
	if len(fx.ledger.ops) != 0 {
		t.Fatalf("rejected deposits must not touch the ledger")
	}
}

func TestDepositRefundsDebitWhenStoreFails(t *testing.T) {
	fx := newFixture(t)
	fx.state.putErr = errors.New("disk full")

	_, err := fx.engine.Deposit("booking-1", renter, big.NewInt(500))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(fx.ledger.ops) != 2 {
		t.Fatalf("expected debit + compensating credit, got %+v", fx.ledger.ops)
	}
	credit := fx.ledger.ops[1]
	if credit.kind != "credit" || credit.addr != renter || credit.amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("compensating credit mismatch: %+v", credit)
	}
	if len(fx.emitter.events) != 0 {
		t.Fatalf("failed deposit must not emit events")
	}
}

func TestBeginInspection(t *testing.T) {
	fx := newFixture(t)
	fx.mustDeposit(t, "booking-1", 500)

	if err := fx.engine.BeginInspection("booking-1", outsider); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("outsider: err = %v, want ErrUnauthorized", err)
	}
	if err := fx.engine.BeginInspection("missing", inspector); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("missing booking: err = %v, want ErrInvalidState", err)
	}

	fx.mustInspect(t, "booking-1")
	if got := fx.engine.Escrow("booking-1").State; got != StatePendingInspection {
		t.Fatalf("state = %s, want %s", got, StatePendingInspection)
	}
	// The transition is one way.
	if err := fx.engine.BeginInspection("booking-1", inspector); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("repeat inspection: err = %v, want ErrInvalidState", err)
	}
	if last := fx.emitter.events[len(fx.emitter.events)-1]; last.Type != EventTypeInspectionStarted {
		t.Fatalf("last event = %s, want %s", last.Type, EventTypeInspectionStarted)
	}
}

func TestProposeOutcomeValidation(t *testing.T) {
	fx := newFixture(t)
	fx.mustDeposit(t, "booking-1", 500)

	err := fx.engine.ProposeOutcome("booking-1", inspector, big.NewInt(100), [32]byte{}, nil, nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("propose before inspection: err = %v, want ErrInvalidState", err)
	}

	fx.mustInspect(t, "booking-1")

	err = fx.engine.ProposeOutcome("booking-1", inspector, big.NewInt(100), [32]byte{}, []uint32{1, 2}, []*big.Int{big.NewInt(10)})
	if !errors.Is(err, ErrArrayLengthMismatch) {
		t.Fatalf("length mismatch: err = %v, want ErrArrayLengthMismatch", err)
	}
	err = fx.engine.ProposeOutcome("booking-1", inspector, big.NewInt(501), [32]byte{}, nil, nil)
	if !errors.Is(err, ErrRefundExceedsDeposit) {
		t.Fatalf("oversized refund: err = %v, want ErrRefundExceedsDeposit", err)
	}
	err = fx.engine.ProposeOutcome("booking-1", inspector, big.NewInt(-1), [32]byte{}, nil, nil)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative refund: err = %v, want ErrInvalidAmount", err)
	}
	err = fx.engine.ProposeOutcome("booking-1", inspector, big.NewInt(100), [32]byte{}, []uint32{1}, []*big.Int{big.NewInt(-3)})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative penalty: err = %v, want ErrInvalidAmount", err)
	}
	err = fx.engine.ProposeOutcome("booking-1", outsider, big.NewInt(100), [32]byte{}, nil, nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("outsider: err = %v, want ErrUnauthorized", err)
	}
}

func TestProposeOutcomeSupersedesPreviousProposal(t *testing.T) {
	fx := newFixture(t)
	fx.mustDeposit(t, "booking-1", 500)
	fx.mustInspect(t, "booking-1")
	fx.mustPropose(t, "booking-1", 100, []uint32{7, 8}, []int64{50, 25})

	firstProposedAt := fx.engine.Escrow("booking-1").ProposedAt
	fx.now += 600
	fx.mustPropose(t, "booking-1", 400, []uint32{3}, []int64{100})

	esc := fx.engine.Escrow("booking-1")
	if esc.ProposedRefund.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("refund = %s, want 400", esc.ProposedRefund)
	}
	if len(esc.Violations) != 1 || esc.Violations[0].Code != 3 {
		t.Fatalf("violations not overwritten: %+v", esc.Violations)
	}
	if esc.ProposedAt != firstProposedAt+600 {
		t.Fatalf("proposedAt = %d, want %d (window must restart)", esc.ProposedAt, firstProposedAt+600)
	}
}

func TestApproveAndPayoutPartialRefund(t *testing.T) {
	fx := newFixture(t)
	fx.mustDeposit(t, "booking-1", 500)
	fx.mustInspect(t, "booking-1")
	fx.mustPropose(t, "booking-1", 300, []uint32{1}, []int64{200})
	fx.elapseWindow()

	settlement, err := fx.engine.ApproveAndPayout("booking-1", approver)
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if settlement.Refund.Cmp(big.NewInt(300)) != 0 || settlement.Withheld.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("settlement = %s/%s, want 300/200", settlement.Refund, settlement.Withheld)
	}
	sum := new(big.Int).Add(settlement.Refund, settlement.Withheld)
	if sum.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("refund + withheld = %s, want the full deposit", sum)
	}

	ops := fx.ledger.ops
	if len(ops) != 3 {
		t.Fatalf("expected debit + two credits, got %+v", ops)
	}
	if ops[1].addr != renter || ops[1].amount.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("renter credit mismatch: %+v", ops[1])
	}
	if ops[2].addr != feeRecipient || ops[2].amount.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("fee recipient credit mismatch: %+v", ops[2])
	}

	esc := fx.engine.Escrow("booking-1")
	if esc.State != StateResolved {
		t.Fatalf("state = %s, want %s", esc.State, StateResolved)
	}
	if esc.Amount.Sign() != 0 {
		t.Fatalf("resolved amount = %s, want 0", esc.Amount)
	}
	if last := fx.emitter.events[len(fx.emitter.events)-1]; last.Type != EventTypePayoutExecuted {
		t.Fatalf("last event = %s, want %s", last.Type, EventTypePayoutExecuted)
	}
}

func TestApproveAndPayoutFullRefund(t *testing.T) {
	fx := newFixture(t)
	// No fee recipient configured; a full refund settles without one.
	fx.engine.SetFeeRecipient([20]byte{})
	fx.mustDeposit(t, "booking-1", 500)
	fx.mustInspect(t, "booking-1")
	fx.mustPropose(t, "booking-1", 500, nil, nil)
	fx.elapseWindow()

	settlement, err := fx.engine.ApproveAndPayout("booking-1", approver)
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if settlement.Withheld.Sign() != 0 {
		t.Fatalf("withheld = %s, want 0", settlement.Withheld)
	}
	if len(fx.ledger.ops) != 2 {
		t.Fatalf("full refund must issue exactly one credit, ops = %+v", fx.ledger.ops)
	}
}

func TestApproveAndPayoutFullWithhold(t *testing.T) {
	fx := newFixture(t)
	fx.mustDeposit(t, "booking-1", 500)
	fx.mustInspect(t, "booking-1")
	fx.mustPropose(t, "booking-1", 0, []uint32{9}, []int64{500})
	fx.elapseWindow()

	settlement, err := fx.engine.ApproveAndPayout("booking-1", approver)
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if settlement.Refund.Sign() != 0 || settlement.Withheld.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("settlement = %s/%s, want 0/500", settlement.Refund, settlement.Withheld)
	}
	last := fx.ledger.ops[len(fx.ledger.ops)-1]
	if last.addr != feeRecipient || last.amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("fee recipient credit mismatch: %+v", last)
	}
}

func TestApproveAndPayoutGating(t *testing.T) {
	fx := newFixture(t)
	fx.mustDeposit(t, "booking-1", 500)
	fx.mustInspect(t, "booking-1")

	// A proposal is mandatory; inspection alone is not enough.
	if _, err := fx.engine.ApproveAndPayout("booking-1", approver); !errors.Is(err, ErrNoProposal) {
		t.Fatalf("no proposal: err = %v, want ErrNoProposal", err)
	}

	fx.mustPropose(t, "booking-1", 200, nil, nil)
	if _, err := fx.engine.ApproveAndPayout("booking-1", approver); !errors.Is(err, ErrDisputeWindowNotElapsed) {
		t.Fatalf("inside window: want ErrDisputeWindowNotElapsed")
	}
	fx.now += fx.engine.DisputeWindow() - 1
	if _, err := fx.engine.ApproveAndPayout("booking-1", approver); !errors.Is(err, ErrDisputeWindowNotElapsed) {
		t.Fatalf("one second early: want ErrDisputeWindowNotElapsed")
	}
	if _, err := fx.engine.ApproveAndPayout("booking-1", outsider); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("outsider: want ErrUnauthorized")
	}

	// The boundary is inclusive: exactly proposedAt + window settles.
	fx.now++
	if _, err := fx.engine.ApproveAndPayout("booking-1", approver); err != nil {
		t.Fatalf("at boundary: %v", err)
	}
	// Settled records cannot settle again.
	if _, err := fx.engine.ApproveAndPayout("booking-1", approver); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double settle: want ErrInvalidState")
	}
}

func TestApproveAndPayoutRollsBackOnRenterCreditFailure(t *testing.T) {
	fx := newFixture(t)
	fx.mustDeposit(t, "booking-1", 500)
	fx.mustInspect(t, "booking-1")
	fx.mustPropose(t, "booking-1", 300, nil, nil)
	fx.elapseWindow()
	fx.ledger.creditErr[renter] = errors.New("account frozen")

	_, err := fx.engine.ApproveAndPayout("booking-1", approver)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}
	esc := fx.engine.Escrow("booking-1")
	if esc.State != StatePendingInspection {
		t.Fatalf("state = %s, want rollback to %s", esc.State, StatePendingInspection)
	}
	if esc.Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("amount = %s, want 500 restored", esc.Amount)
	}
	if esc.ProposedRefund.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("proposal lost in rollback")
	}

	// The operation is retryable once the failure clears.
	delete(fx.ledger.creditErr, renter)
	if _, err := fx.engine.ApproveAndPayout("booking-1", approver); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestApproveAndPayoutUnwindsRenterCreditOnFeeFailure(t *testing.T) {
	fx := newFixture(t)
	fx.mustDeposit(t, "booking-1", 500)
	fx.mustInspect(t, "booking-1")
	fx.mustPropose(t, "booking-1", 300, []uint32{1}, []int64{200})
	fx.elapseWindow()
	fx.ledger.creditErr[feeRecipient] = errors.New("treasury offline")

	_, err := fx.engine.ApproveAndPayout("booking-1", approver)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}
	last := fx.ledger.ops[len(fx.ledger.ops)-1]
	if last.kind != "debit" || last.addr != renter || last.amount.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("expected compensating renter debit, got %+v", last)
	}
	if got := fx.engine.Escrow("booking-1").State; got != StatePendingInspection {
		t.Fatalf("state = %s, want %s", got, StatePendingInspection)
	}
}

func TestDepositReportsFailedCompensation(t *testing.T) {
	fx := newFixture(t)
	fx.state.putErr = errors.New("disk full")
	fx.ledger.creditErr[renter] = errors.New("account frozen")

	_, err := fx.engine.Deposit("booking-1", renter, big.NewInt(500))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v, must carry the store failure", err)
	}
	if !strings.Contains(err.Error(), "refunding the debit also failed") || !strings.Contains(err.Error(), "account frozen") {
		t.Fatalf("err = %v, must surface the failed compensating credit", err)
	}
}

func TestApproveAndPayoutReportsFailedRollback(t *testing.T) {
	fx := newFixture(t)
	fx.mustDeposit(t, "booking-1", 500)
	fx.mustInspect(t, "booking-1")
	fx.mustPropose(t, "booking-1", 300, nil, nil)
	fx.elapseWindow()
	fx.ledger.creditErr[renter] = errors.New("account frozen")
	// Puts so far: deposit, inspection, proposal, then the resolving put
	// succeeds and only the restore fails.
	fx.state.putErr = errors.New("disk full")
	fx.state.failOnPut = 5

	_, err := fx.engine.ApproveAndPayout("booking-1", approver)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}
	if !strings.Contains(err.Error(), "restoring the record also failed") || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v, must surface the failed restore", err)
	}
}

func TestApproveAndPayoutReportsFailedUnwind(t *testing.T) {
	fx := newFixture(t)
	fx.mustDeposit(t, "booking-1", 500)
	fx.mustInspect(t, "booking-1")
	fx.mustPropose(t, "booking-1", 300, []uint32{1}, []int64{200})
	fx.elapseWindow()
	fx.ledger.creditErr[feeRecipient] = errors.New("treasury offline")
	fx.ledger.debitErr = errors.New("ledger offline")
	fx.state.putErr = errors.New("disk full")
	fx.state.failOnPut = 5

	_, err := fx.engine.ApproveAndPayout("booking-1", approver)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}
	for _, want := range []string{
		"treasury offline",
		"unwinding the refund also failed",
		"restoring the record also failed",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("err = %v, missing %q", err, want)
		}
	}
}

func TestApproveAndPayoutRequiresFeeRecipientForWithheld(t *testing.T) {
	fx := newFixture(t)
	fx.engine.SetFeeRecipient([20]byte{})
	fx.mustDeposit(t, "booking-1", 500)
	fx.mustInspect(t, "booking-1")
	fx.mustPropose(t, "booking-1", 100, nil, nil)
	fx.elapseWindow()

	_, err := fx.engine.ApproveAndPayout("booking-1", approver)
	if err == nil || !strings.Contains(err.Error(), "fee recipient") {
		t.Fatalf("err = %v, want fee recipient failure", err)
	}
	if got := fx.engine.Escrow("booking-1").State; got != StatePendingInspection {
		t.Fatalf("state = %s, record must be untouched", got)
	}
}

func TestPauseBlocksMutationsNotReads(t *testing.T) {
	fx := newFixture(t)
	fx.mustDeposit(t, "booking-1", 500)
	if err := fx.engine.Pause(outsider); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("outsider pause: want ErrUnauthorized")
	}
	if err := fx.engine.Pause(admin); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if _, err := fx.engine.Deposit("booking-2", renter, big.NewInt(100)); !errors.Is(err, ErrPaused) {
		t.Fatalf("deposit while paused: want ErrPaused")
	}
	if err := fx.engine.BeginInspection("booking-1", inspector); !errors.Is(err, ErrPaused) {
		t.Fatalf("inspection while paused: want ErrPaused")
	}
	if err := fx.engine.ProposeOutcome("booking-1", inspector, big.NewInt(1), [32]byte{}, nil, nil); !errors.Is(err, ErrPaused) {
		t.Fatalf("proposal while paused: want ErrPaused")
	}
	if _, err := fx.engine.ApproveAndPayout("booking-1", approver); !errors.Is(err, ErrPaused) {
		t.Fatalf("payout while paused: want ErrPaused")
	}

	// Reads and admin operations keep working while paused.
	if got := fx.engine.Escrow("booking-1").State; got != StateDeposited {
		t.Fatalf("read while paused: state = %s", got)
	}
	if err := fx.engine.UpdateDisputeWindow(admin, 60); err != nil {
		t.Fatalf("admin while paused: %v", err)
	}
	if err := fx.engine.Unpause(admin); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := fx.engine.Deposit("booking-2", renter, big.NewInt(100)); err != nil {
		t.Fatalf("deposit after unpause: %v", err)
	}
}

// reentrantLedger calls back into the engine mid-operation, imitating a
// malicious collaborator.
type reentrantLedger struct {
	engine *Engine
	err    error
}

func (r *reentrantLedger) Debit(from [20]byte, amount *big.Int) error {
	_, r.err = r.engine.Deposit("nested", from, amount)
	return nil
}

func (r *reentrantLedger) Credit(to [20]byte, amount *big.Int) error { return nil }

func TestNestedCallIsRejected(t *testing.T) {
	fx := newFixture(t)
	hostile := &reentrantLedger{engine: fx.engine}
	fx.engine.SetLedger(hostile)

	if _, err := fx.engine.Deposit("booking-1", renter, big.NewInt(500)); err != nil {
		t.Fatalf("outer deposit: %v", err)
	}
	if !errors.Is(hostile.err, ErrReentrantCall) {
		t.Fatalf("nested call err = %v, want ErrReentrantCall", hostile.err)
	}
	if _, ok := fx.state.EscrowGet(EscrowID("nested")); ok {
		t.Fatal("nested call must not create a record")
	}
}

func TestAdminUpdates(t *testing.T) {
	fx := newFixture(t)

	if err := fx.engine.UpdateDisputeWindow(admin, 0); !errors.Is(err, ErrInvalidDisputeWindow) {
		t.Fatalf("zero window: want ErrInvalidDisputeWindow")
	}
	if err := fx.engine.UpdateDisputeWindow(admin, -5); !errors.Is(err, ErrInvalidDisputeWindow) {
		t.Fatalf("negative window: want ErrInvalidDisputeWindow")
	}
	if err := fx.engine.UpdateDisputeWindow(outsider, 60); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("outsider window update: want ErrUnauthorized")
	}
	if err := fx.engine.UpdateDisputeWindow(admin, 60); err != nil {
		t.Fatalf("window update: %v", err)
	}
	if got := fx.engine.DisputeWindow(); got != 60 {
		t.Fatalf("window = %d, want 60", got)
	}

	if err := fx.engine.UpdateFeeRecipient(admin, [20]byte{}); err == nil {
		t.Fatal("zero fee recipient must be rejected")
	}
	next := addr(0x77)
	if err := fx.engine.UpdateFeeRecipient(outsider, next); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("outsider recipient update: want ErrUnauthorized")
	}
	if err := fx.engine.UpdateFeeRecipient(admin, next); err != nil {
		t.Fatalf("recipient update: %v", err)
	}
	if got := fx.engine.FeeRecipient(); got != next {
		t.Fatalf("fee recipient not updated")
	}
}

func TestWindowChangeAppliesToPendingSettlements(t *testing.T) {
	fx := newFixture(t)
	fx.mustDeposit(t, "booking-1", 500)
	fx.mustInspect(t, "booking-1")
	fx.mustPropose(t, "booking-1", 500, nil, nil)

	// Shortening the window lets an already pending proposal settle sooner.
	if err := fx.engine.UpdateDisputeWindow(admin, 10); err != nil {
		t.Fatalf("window update: %v", err)
	}
	fx.now += 10
	if _, err := fx.engine.ApproveAndPayout("booking-1", approver); err != nil {
		t.Fatalf("payout after window change: %v", err)
	}
}

func TestEscrowReadForUnknownBooking(t *testing.T) {
	fx := newFixture(t)
	esc := fx.engine.Escrow("missing")
	if esc.State != StateNone {
		t.Fatalf("state = %s, want %s", esc.State, StateNone)
	}
	if esc.Amount.Sign() != 0 || esc.DepositedAt != 0 {
		t.Fatalf("unknown booking must read as a zero record: %+v", esc)
	}
	if got := fx.engine.Violations("missing"); len(got) != 0 {
		t.Fatalf("violations = %+v, want empty", got)
	}
}

func TestViolationsReadback(t *testing.T) {
	fx := newFixture(t)
	fx.mustDeposit(t, "booking-1", 500)
	fx.mustInspect(t, "booking-1")
	fx.mustPropose(t, "booking-1", 100, []uint32{4, 9}, []int64{50, 75})

	violations := fx.engine.Violations("booking-1")
	if len(violations) != 2 {
		t.Fatalf("violations = %+v, want 2 entries", violations)
	}
	if violations[0].Code != 4 || violations[0].Penalty.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("first violation mismatch: %+v", violations[0])
	}
	if violations[1].Code != 9 || violations[1].Penalty.Cmp(big.NewInt(75)) != 0 {
		t.Fatalf("second violation mismatch: %+v", violations[1])
	}
}

func TestEscrowSnapshotIsDetached(t *testing.T) {
	fx := newFixture(t)
	fx.mustDeposit(t, "booking-1", 500)

	snapshot := fx.engine.Escrow("booking-1")
	snapshot.Amount.SetInt64(9999)
	snapshot.State = StateResolved

	fresh := fx.engine.Escrow("booking-1")
	if fresh.Amount.Cmp(big.NewInt(500)) != 0 || fresh.State != StateDeposited {
		t.Fatal("mutating a returned snapshot must not affect stored state")
	}
}
