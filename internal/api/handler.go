// Package api exposes the engine over HTTP and broadcasts committed
// operations over WebSocket.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/optionperps/engine/internal/engine"
	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/model"
	"github.com/optionperps/engine/internal/store"
	"github.com/optionperps/engine/internal/token"
)

const (
	// AccountHeader carries the caller's account.
	AccountHeader = "X-Account"
	// AdminTokenHeader carries the admin token for privileged routes.
	AdminTokenHeader = "X-Admin-Token"
)

// Faucet credits test balances. token.Faucet satisfies it.
type Faucet interface {
	Credit(ctx context.Context, account string, asset token.Asset, amount fixed.Int) error
}

// Handler serves the engine's HTTP surface. Reads of historical data
// (per-account positions and the journal) go to the store; everything else
// goes to the engine.
type Handler struct {
	engine     *engine.Engine
	store      store.Store
	faucet     Faucet // optional; nil disables POST /faucet
	adminToken string
	log        *slog.Logger
}

// NewHandler creates a handler. An empty adminToken disables the admin
// routes.
func NewHandler(eng *engine.Engine, st store.Store, adminToken string, faucet Faucet) *Handler {
	return &Handler{
		engine:     eng,
		store:      st,
		faucet:     faucet,
		adminToken: adminToken,
		log:        slog.Default(),
	}
}

// Routes returns the /api/v1 router. Pass nil for hub if WebSocket
// broadcasting is not needed.
func (h *Handler) Routes(hub *Hub) chi.Router {
	r := chi.NewRouter()

	r.Post("/deposits", h.Deposit)

	r.Route("/withdrawals", func(r chi.Router) {
		r.Post("/", h.OpenWithdrawal)
		r.Get("/", h.ListWithdrawals)
		r.Post("/instant", h.InstantWithdraw)
		r.Get("/{id}", h.GetWithdrawal)
		r.Post("/{id}/complete", h.CompleteWithdrawal)
		r.Delete("/{id}", h.CancelWithdrawal)
	})

	r.Route("/positions", func(r chi.Router) {
		r.Post("/", h.OpenPosition)
		r.Get("/{id}", h.GetPosition)
		r.Post("/{id}/close", h.ClosePosition)
		r.Post("/{id}/size", h.ChangePositionSize)
		r.Post("/{id}/collateral", h.AddCollateral)
		r.Post("/{id}/collateral/reduce", h.ReduceCollateral)
		r.Post("/{id}/liquidate", h.Liquidate)
	})

	r.Get("/options/{id}", h.GetOption)
	r.Post("/options/{id}/settle", h.Settle)

	r.Get("/pools/{side}", h.GetPool)

	r.Get("/epoch", h.GetEpoch)
	r.Post("/epoch", h.UpdateEpoch)

	r.Get("/accounts/{account}/positions", h.ListAccountPositions)
	r.Get("/accounts/{account}/journal", h.ListAccountJournal)

	r.Post("/faucet", h.Faucet)

	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}
	return r
}

// --- Request/Response types ---

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	Side   model.Side `json:"side"`   // "quote" or "base"
	Amount fixed.Int  `json:"amount"` // pool asset units
}

// WithdrawalRequest is the JSON body for POST /withdrawals and
// POST /withdrawals/instant. PriorityFee is ignored for instant withdrawals.
type WithdrawalRequest struct {
	Side         model.Side `json:"side"`
	Shares       fixed.Int  `json:"shares"`
	MinAmountOut fixed.Int  `json:"min_amount_out"`
	PriorityFee  fixed.Int  `json:"priority_fee"`
}

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	IsShort    bool      `json:"is_short"`
	Size       fixed.Int `json:"size"`       // 1e8 notional
	Collateral fixed.Int `json:"collateral"` // quote 1e6
}

// ClosePositionRequest is the JSON body for POST /positions/{id}/close.
type ClosePositionRequest struct {
	MinAmountOut fixed.Int `json:"min_amount_out"`
}

// ChangeSizeRequest is the JSON body for POST /positions/{id}/size.
type ChangeSizeRequest struct {
	Size         fixed.Int `json:"size"`
	Collateral   fixed.Int `json:"collateral"`
	MinAmountOut fixed.Int `json:"min_amount_out"`
}

// CollateralRequest is the JSON body for the collateral routes.
// MinAmountOut only applies to reductions.
type CollateralRequest struct {
	Amount       fixed.Int `json:"amount"`
	MinAmountOut fixed.Int `json:"min_amount_out"`
}

// EpochRequest is the JSON body for POST /epoch.
type EpochRequest struct {
	NextExpiry time.Time `json:"next_expiry"`
}

// FaucetRequest is the JSON body for POST /faucet.
type FaucetRequest struct {
	Account string      `json:"account"`
	Asset   token.Asset `json:"asset"`
	Amount  fixed.Int   `json:"amount"`
}

// SharesResponse is returned from POST /deposits.
type SharesResponse struct {
	Shares fixed.Int `json:"shares"`
}

// AmountOutResponse is returned from withdrawal completions.
type AmountOutResponse struct {
	AmountOut fixed.Int `json:"amount_out"`
}

// CloseResponse is returned from POST /positions/{id}/close.
type CloseResponse struct {
	Proceeds fixed.Int `json:"proceeds"`
}

// ChangeSizeResponse is returned from POST /positions/{id}/size.
type ChangeSizeResponse struct {
	Position model.PerpPosition `json:"position"`
	Proceeds fixed.Int          `json:"proceeds"`
}

// LiquidationResponse is returned from POST /positions/{id}/liquidate.
type LiquidationResponse struct {
	Option model.OptionPosition `json:"option"`
	Fee    fixed.Int            `json:"fee"`
}

// SettleResponse is returned from POST /options/{id}/settle.
type SettleResponse struct {
	Payout fixed.Int `json:"payout"`
}

// --- Pools ---

// Deposit handles POST /api/v1/deposits
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Side.Valid() {
		writeError(w, "side must be quote or base", http.StatusBadRequest)
		return
	}

	shares, err := h.engine.Deposit(r.Context(), caller, req.Side.IsQuote(), req.Amount)
	if err != nil {
		h.fail(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusCreated, SharesResponse{Shares: shares})
}

// GetPool handles GET /api/v1/pools/{side}
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	side := model.Side(chi.URLParam(r, "side"))
	if !side.Valid() {
		writeError(w, "side must be quote or base", http.StatusBadRequest)
		return
	}
	view, err := h.engine.Pool(r.Context(), side.IsQuote())
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- Withdrawals ---

// OpenWithdrawal handles POST /api/v1/withdrawals
func (h *Handler) OpenWithdrawal(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req WithdrawalRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Side.Valid() {
		writeError(w, "side must be quote or base", http.StatusBadRequest)
		return
	}

	wr, err := h.engine.OpenWithdrawalRequest(r.Context(), caller, req.Side.IsQuote(), req.Shares, req.MinAmountOut, req.PriorityFee)
	if err != nil {
		h.fail(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusCreated, wr)
}

// ListWithdrawals handles GET /api/v1/withdrawals
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	pending := h.engine.PendingWithdrawals()
	if pending == nil {
		pending = []model.PendingWithdrawal{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// GetWithdrawal handles GET /api/v1/withdrawals/{id}
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	wr, err := h.engine.Withdrawal(id)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

// CompleteWithdrawal handles POST /api/v1/withdrawals/{id}/complete. Any
// account may complete a request and collects the caller's share of the
// priority fee.
func (h *Handler) CompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	out, err := h.engine.CompleteWithdrawalRequest(r.Context(), caller, id)
	if err != nil {
		h.fail(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, AmountOutResponse{AmountOut: out})
}

// CancelWithdrawal handles DELETE /api/v1/withdrawals/{id}
func (h *Handler) CancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.engine.CancelWithdrawalRequest(r.Context(), caller, id); err != nil {
		h.fail(w, r, caller, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InstantWithdraw handles POST /api/v1/withdrawals/instant
func (h *Handler) InstantWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req WithdrawalRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Side.Valid() {
		writeError(w, "side must be quote or base", http.StatusBadRequest)
		return
	}

	out, err := h.engine.Withdraw(r.Context(), caller, req.Side.IsQuote(), req.Shares, req.MinAmountOut)
	if err != nil {
		h.fail(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, AmountOutResponse{AmountOut: out})
}

// --- Positions ---

// OpenPosition handles POST /api/v1/positions
func (h *Handler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req OpenPositionRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := h.engine.OpenPosition(r.Context(), caller, req.IsShort, req.Size, req.Collateral)
	if err != nil {
		h.fail(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPosition handles GET /api/v1/positions/{id}
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	view, err := h.engine.Position(r.Context(), id)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ClosePosition handles POST /api/v1/positions/{id}/close
func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req ClosePositionRequest
	if !decode(w, r, &req) {
		return
	}

	proceeds, err := h.engine.ClosePosition(r.Context(), caller, id, req.MinAmountOut)
	if err != nil {
		h.fail(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, CloseResponse{Proceeds: proceeds})
}

// ChangePositionSize handles POST /api/v1/positions/{id}/size
func (h *Handler) ChangePositionSize(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req ChangeSizeRequest
	if !decode(w, r, &req) {
		return
	}

	p, proceeds, err := h.engine.ChangePositionSize(r.Context(), caller, id, req.Size, req.Collateral, req.MinAmountOut)
	if err != nil {
		h.fail(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, ChangeSizeResponse{Position: p, Proceeds: proceeds})
}

// AddCollateral handles POST /api/v1/positions/{id}/collateral
func (h *Handler) AddCollateral(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req CollateralRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := h.engine.AddCollateral(r.Context(), caller, id, req.Amount)
	if err != nil {
		h.fail(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ReduceCollateral handles POST /api/v1/positions/{id}/collateral/reduce
func (h *Handler) ReduceCollateral(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req CollateralRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := h.engine.ReduceCollateral(r.Context(), caller, id, req.Amount, req.MinAmountOut)
	if err != nil {
		h.fail(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Liquidate handles POST /api/v1/positions/{id}/liquidate
func (h *Handler) Liquidate(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	opt, fee, err := h.engine.Liquidate(r.Context(), caller, id)
	if err != nil {
		h.fail(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, LiquidationResponse{Option: opt, Fee: fee})
}

// --- Options ---

// GetOption handles GET /api/v1/options/{id}
func (h *Handler) GetOption(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	view, err := h.engine.Option(id)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Settle handles POST /api/v1/options/{id}/settle
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	payout, err := h.engine.Settle(r.Context(), caller, id)
	if err != nil {
		h.fail(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, SettleResponse{Payout: payout})
}

// --- Epoch ---

// GetEpoch handles GET /api/v1/epoch
func (h *Handler) GetEpoch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Epoch())
}

// UpdateEpoch handles POST /api/v1/epoch. A valid admin token acts as the
// engine's admin account; otherwise the X-Account caller is checked by the
// engine and rejected.
func (h *Handler) UpdateEpoch(w http.ResponseWriter, r *http.Request) {
	caller := r.Header.Get(AccountHeader)
	if h.isAdmin(r) {
		caller = h.engine.Params().Admin
	}
	if caller == "" {
		writeError(w, "admin token required", http.StatusForbidden)
		return
	}
	var req EpochRequest
	if !decode(w, r, &req) {
		return
	}

	ep, err := h.engine.UpdateEpoch(r.Context(), caller, req.NextExpiry)
	if err != nil {
		h.fail(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

// --- Accounts ---

// ListAccountPositions handles GET /api/v1/accounts/{account}/positions
func (h *Handler) ListAccountPositions(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	positions, err := h.store.ListPositionsByOwner(r.Context(), account)
	if err != nil {
		h.fail(w, r, account, err)
		return
	}
	if positions == nil {
		positions = []model.PerpPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// ListAccountJournal handles GET /api/v1/accounts/{account}/journal
func (h *Handler) ListAccountJournal(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	entries, err := h.store.ListJournalByAccount(r.Context(), account)
	if err != nil {
		h.fail(w, r, account, err)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Faucet ---

// Faucet handles POST /api/v1/faucet
func (h *Handler) Faucet(w http.ResponseWriter, r *http.Request) {
	if h.faucet == nil {
		writeError(w, "faucet disabled", http.StatusNotFound)
		return
	}
	if !h.isAdmin(r) {
		writeError(w, "admin token required", http.StatusForbidden)
		return
	}
	var req FaucetRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}

	if err := h.faucet.Credit(r.Context(), req.Account, req.Asset, req.Amount); err != nil {
		h.fail(w, r, req.Account, err)
		return
	}
	slog.Info("faucet credit", "account", req.Account, "asset", req.Asset, "amount", req.Amount)
	writeJSON(w, http.StatusOK, req)
}

// --- Helpers ---

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	account := r.Header.Get(AccountHeader)
	if account == "" {
		writeError(w, AccountHeader+" header is required", http.StatusBadRequest)
		return "", false
	}
	return account, true
}

func (h *Handler) isAdmin(r *http.Request) bool {
	if h.adminToken == "" {
		return false
	}
	got := r.Header.Get(AdminTokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.adminToken)) == 1
}

// fail logs err and writes it with the status of its category.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, account string, err error) {
	status := statusFor(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.log.Log(r.Context(), level, "request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"account", account,
		"status", status,
		"err", err,
	)
	writeError(w, err.Error(), status)
}

// statusFor maps error categories to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotOwner), errors.Is(err, engine.ErrNotAdmin):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrPositionNotFound),
		errors.Is(err, engine.ErrOptionNotFound),
		errors.Is(err, engine.ErrRequestNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, token.ErrInvalidAmount),
		errors.Is(err, token.ErrUnknownAsset):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrSlippageExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrInsufficientLiquidity),
		errors.Is(err, engine.ErrUnderCollateralized),
		errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrEpochTiming),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientAllowance):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func parseID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	// An empty body leaves dst at its zero value.
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
