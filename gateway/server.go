package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"depositd/core/events"
	"depositd/deposit"
	"depositd/gateway/middleware"
	"depositd/observability"
	"depositd/storage"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
	engineCallTimeout    = 15 * time.Second
)

// Server is the HTTP front-end for the deposit engine. Mutating requests are
// serialized through one mutex so operations on any record apply in arrival
// order, matching the single-writer discipline the engine enforces.
type Server struct {
	engine   *deposit.Engine
	store    *storage.Store
	auth     *Authenticator
	eventLog *events.Log
	limiter  *middleware.RateLimiter
	logger   *slog.Logger
	nowFn    func() time.Time

	mu sync.Mutex
}

// NewServer wires the HTTP surface. Engine, store and authenticator are
// required.
func NewServer(engine *deposit.Engine, store *storage.Store, auth *Authenticator, eventLog *events.Log, limiter *middleware.RateLimiter, logger *slog.Logger) *Server {
	if engine == nil {
		panic("deposit engine required")
	}
	if store == nil {
		panic("store required")
	}
	if auth == nil {
		panic("authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   engine,
		store:    store,
		auth:     auth,
		eventLog: eventLog,
		limiter:  limiter,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/deposits", s.handleDeposit)
		r.Route("/deposits/{bookingID}", func(r chi.Router) {
			r.Get("/", s.handleGetEscrow)
			r.Get("/violations", s.handleGetViolations)
			r.Post("/inspection", s.handleBeginInspection)
			r.Post("/outcome", s.handleProposeOutcome)
			r.Post("/payout", s.handlePayout)
		})
		r.Get("/events", s.handleListEvents)
		r.Get("/ws/events", s.handleEventStream)
		r.Route("/admin", func(r chi.Router) {
			r.Post("/fee-recipient", s.handleSetFeeRecipient)
			r.Post("/dispute-window", s.handleSetDisputeWindow)
			r.Post("/pause", s.handlePause)
			r.Post("/unpause", s.handleUnpause)
		})
	})
	return r
}

type depositRequest struct {
	BookingID string `json:"bookingId"`
	Renter    string `json:"renter"`
	Amount    string `json:"amount"`
}

type outcomeRequest struct {
	ProposedRefund     string   `json:"proposedRefund"`
	EvidenceHash       string   `json:"evidenceHash"`
	ViolationCodes     []uint32 `json:"violationCodes"`
	ViolationPenalties []string `json:"violationPenalties"`
}

type addressRequest struct {
	Address string `json:"address"`
}

type windowRequest struct {
	Seconds int64 `json:"seconds"`
}

type violationPayload struct {
	Code    uint32 `json:"code"`
	Penalty string `json:"penalty"`
}

type escrowPayload struct {
	EscrowID       string             `json:"escrowId"`
	BookingID      string             `json:"bookingId"`
	Renter         string             `json:"renter"`
	Amount         string             `json:"amount"`
	DepositedAt    int64              `json:"depositedAt"`
	ProposedRefund string             `json:"proposedRefund,omitempty"`
	EvidenceHash   string             `json:"evidenceHash"`
	ProposedAt     int64              `json:"proposedAt"`
	Violations     []violationPayload `json:"violations"`
	State          string             `json:"state"`
}

func escrowToPayload(esc *deposit.Escrow) escrowPayload {
	payload := escrowPayload{
		EscrowID:     hex.EncodeToString(esc.ID[:]),
		BookingID:    esc.BookingID,
		Renter:       deposit.FormatAddress(esc.Renter),
		Amount:       esc.Amount.String(),
		DepositedAt:  esc.DepositedAt,
		EvidenceHash: hex.EncodeToString(esc.EvidenceHash[:]),
		ProposedAt:   esc.ProposedAt,
		Violations:   make([]violationPayload, 0, len(esc.Violations)),
		State:        esc.State.String(),
	}
	if esc.ProposedRefund != nil {
		payload.ProposedRefund = esc.ProposedRefund.String()
	}
	for _, v := range esc.Violations {
		payload.Violations = append(payload.Violations, violationPayload{Code: v.Code, Penalty: v.Penalty.String()})
	}
	return payload
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.runMutating("deposit", w, r, func(principal *Principal, body []byte) (any, int, error) {
		var req depositRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err)
		}
		if strings.TrimSpace(req.BookingID) == "" {
			return nil, http.StatusBadRequest, errors.New("bookingId is required")
		}
		renter, err := deposit.ParseAddress(req.Renter)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		amount, err := parseAmount(req.Amount)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		s.mu.Lock()
		esc, err := s.engine.Deposit(req.BookingID, renter, amount)
		s.mu.Unlock()
		if err != nil {
			return nil, 0, err
		}
		return escrowToPayload(esc), http.StatusCreated, nil
	})
}

func (s *Server) handleBeginInspection(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	s.runMutating("begin_inspection", w, r, func(principal *Principal, body []byte) (any, int, error) {
		s.mu.Lock()
		err := s.engine.BeginInspection(bookingID, principal.Address)
		s.mu.Unlock()
		if err != nil {
			return nil, 0, err
		}
		return escrowToPayload(s.engine.Escrow(bookingID)), http.StatusOK, nil
	})
}

func (s *Server) handleProposeOutcome(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	s.runMutating("propose_outcome", w, r, func(principal *Principal, body []byte) (any, int, error) {
		var req outcomeRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err)
		}
		refund, err := parseAmount(req.ProposedRefund)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		evidence, err := parseEvidenceHash(req.EvidenceHash)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		penalties := make([]*big.Int, len(req.ViolationPenalties))
		for i, raw := range req.ViolationPenalties {
			penalty, err := parseAmount(raw)
			if err != nil {
				return nil, http.StatusBadRequest, fmt.Errorf("violationPenalties[%d]: %w", i, err)
			}
			penalties[i] = penalty
		}
		s.mu.Lock()
		err = s.engine.ProposeOutcome(bookingID, principal.Address, refund, evidence, req.ViolationCodes, penalties)
		s.mu.Unlock()
		if err != nil {
			return nil, 0, err
		}
		return escrowToPayload(s.engine.Escrow(bookingID)), http.StatusOK, nil
	})
}

func (s *Server) handlePayout(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	s.runMutating("approve_payout", w, r, func(principal *Principal, body []byte) (any, int, error) {
		s.mu.Lock()
		settlement, err := s.engine.ApproveAndPayout(bookingID, principal.Address)
		s.mu.Unlock()
		if err != nil {
			return nil, 0, err
		}
		resp := map[string]any{
			"refund":   settlement.Refund.String(),
			"withheld": settlement.Withheld.String(),
			"escrow":   escrowToPayload(s.engine.Escrow(bookingID)),
		}
		return resp, http.StatusOK, nil
	})
}

func (s *Server) handleSetFeeRecipient(w http.ResponseWriter, r *http.Request) {
	s.runMutating("set_fee_recipient", w, r, func(principal *Principal, body []byte) (any, int, error) {
		var req addressRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err)
		}
		addr, err := deposit.ParseAddress(req.Address)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		s.mu.Lock()
		err = s.engine.UpdateFeeRecipient(principal.Address, addr)
		s.mu.Unlock()
		if err != nil {
			return nil, 0, err
		}
		return map[string]string{"feeRecipient": deposit.FormatAddress(addr)}, http.StatusOK, nil
	})
}

func (s *Server) handleSetDisputeWindow(w http.ResponseWriter, r *http.Request) {
	s.runMutating("set_dispute_window", w, r, func(principal *Principal, body []byte) (any, int, error) {
		var req windowRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err)
		}
		s.mu.Lock()
		err := s.engine.UpdateDisputeWindow(principal.Address, req.Seconds)
		s.mu.Unlock()
		if err != nil {
			return nil, 0, err
		}
		return map[string]int64{"disputeWindowSeconds": req.Seconds}, http.StatusOK, nil
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.runMutating("pause", w, r, func(principal *Principal, body []byte) (any, int, error) {
		s.mu.Lock()
		err := s.engine.Pause(principal.Address)
		s.mu.Unlock()
		if err != nil {
			return nil, 0, err
		}
		return map[string]bool{"paused": true}, http.StatusOK, nil
	})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.runMutating("unpause", w, r, func(principal *Principal, body []byte) (any, int, error) {
		s.mu.Lock()
		err := s.engine.Unpause(principal.Address)
		s.mu.Unlock()
		if err != nil {
			return nil, 0, err
		}
		return map[string]bool{"paused": false}, http.StatusOK, nil
	})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	s.writeJSON(w, http.StatusOK, escrowToPayload(s.engine.Escrow(bookingID)))
}

func (s *Server) handleGetViolations(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	violations := s.engine.Violations(bookingID)
	payload := make([]violationPayload, 0, len(violations))
	for _, v := range violations {
		payload = append(payload, violationPayload{Code: v.Code, Penalty: v.Penalty.String()})
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	after := int64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid after cursor: %w", err))
			return
		}
		after = parsed
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "bad_request", errors.New("invalid limit"))
			return
		}
		limit = parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), engineCallTimeout)
	defer cancel()
	stored, err := s.store.ListEvents(ctx, after, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	if stored == nil {
		stored = []storage.StoredEvent{}
	}
	s.writeJSON(w, http.StatusOK, stored)
}

// runMutating is the shared path for authenticated mutating endpoints:
// bounded body read, HMAC auth, idempotency replay, the engine call, and the
// audit/idempotency bookkeeping around the response.
func (s *Server) runMutating(op string, w http.ResponseWriter, r *http.Request, invoke func(principal *Principal, body []byte) (any, int, error)) {
	started := s.nowFn()
	metrics := observability.Metrics()
	outcome := "error"
	defer func() {
		metrics.Operations.WithLabelValues(op, outcome).Inc()
		metrics.Latency.WithLabelValues(op).Observe(time.Since(started).Seconds())
	}()

	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	principal, err := s.auth.Authenticate(r, body)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "unauthenticated", err)
		s.audit(r.Context(), principal, r, body, http.StatusUnauthorized, nil)
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", errors.New("missing Idempotency-Key header"))
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, nil)
		return
	}
	requestHash := hashRequest(r.Method, CanonicalRequestPath(r), body)
	if cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash); cacheErr == nil && cached != nil {
		outcome = "replayed"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		s.audit(r.Context(), principal, r, body, cached.Status, cached.Body)
		return
	} else if cacheErr != nil {
		status := http.StatusInternalServerError
		code := "internal"
		if errors.Is(cacheErr, storage.ErrIdempotencyMismatch) {
			status = http.StatusConflict
			code = "idempotency_mismatch"
		}
		s.writeError(w, status, code, cacheErr)
		s.audit(r.Context(), principal, r, body, status, nil)
		return
	}

	payload, status, err := invoke(principal, body)
	if err != nil {
		errStatus, code := classifyError(err, status)
		s.writeError(w, errStatus, code, err)
		s.audit(r.Context(), principal, r, body, errStatus, nil)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, nil)
		return
	}
	if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, status, data); err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, nil)
		return
	}
	outcome = "ok"
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	s.audit(r.Context(), principal, r, body, status, data)
}

// classifyError maps engine errors to HTTP statuses and stable error codes so
// clients can tell retryable conditions from permanent ones.
func classifyError(err error, suggestedStatus int) (int, string) {
	switch {
	case errors.Is(err, deposit.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, deposit.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, deposit.ErrNoProposal):
		return http.StatusConflict, "no_proposal"
	case errors.Is(err, deposit.ErrDisputeWindowNotElapsed):
		return http.StatusConflict, "dispute_window_not_elapsed"
	case errors.Is(err, deposit.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, deposit.ErrRefundExceedsDeposit):
		return http.StatusBadRequest, "refund_exceeds_deposit"
	case errors.Is(err, deposit.ErrArrayLengthMismatch):
		return http.StatusBadRequest, "length_mismatch"
	case errors.Is(err, deposit.ErrInvalidDisputeWindow):
		return http.StatusBadRequest, "invalid_dispute_window"
	case errors.Is(err, deposit.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, deposit.ErrPaused):
		return http.StatusServiceUnavailable, "paused"
	case errors.Is(err, deposit.ErrReentrantCall):
		return http.StatusServiceUnavailable, "busy"
	case errors.Is(err, deposit.ErrTransferFailed):
		return http.StatusBadGateway, "transfer_failed"
	case suggestedStatus != 0:
		return suggestedStatus, "bad_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  code,
	})
}

func (s *Server) audit(ctx context.Context, principal *Principal, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	entry := storage.AuditEntry{
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           CanonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAuditLog(ctx, entry); err != nil {
		s.logger.Error("audit log write failed", "path", entry.Path, "err", err)
	}
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("amount is required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func parseEvidenceHash(raw string) ([32]byte, error) {
	var hash [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return hash, nil
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return hash, fmt.Errorf("invalid evidenceHash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("evidenceHash must be %d bytes, got %d", len(hash), len(decoded))
	}
	copy(hash[:], decoded)
	return hash, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
