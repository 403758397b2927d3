// Package httpapi exposes the spend ledger's REST surface.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	app "github.com/custodia-network/spendledger/internal/app"
	cashbackdom "github.com/custodia-network/spendledger/internal/app/domain/cashback"
	"github.com/custodia-network/spendledger/internal/app/domain/safe"
	"github.com/custodia-network/spendledger/internal/app/metrics"
	"github.com/custodia-network/spendledger/internal/app/services/guard"
	"github.com/custodia-network/spendledger/internal/app/services/safes"
	"github.com/custodia-network/spendledger/internal/app/services/spending"
	"github.com/custodia-network/spendledger/internal/app/services/withdrawals"
	"github.com/custodia-network/spendledger/internal/app/storage"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a router exposing the core REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/safes", h.createSafe).Methods(http.MethodPost)
	r.HandleFunc("/safes", h.listSafes).Methods(http.MethodGet)
	r.HandleFunc("/safes/{id}", h.getSafe).Methods(http.MethodGet)
	r.HandleFunc("/safes/{id}/mode", h.getMode).Methods(http.MethodGet)
	r.HandleFunc("/safes/{id}/mode", h.setMode).Methods(http.MethodPut)
	r.HandleFunc("/safes/{id}/limits", h.updateLimits).Methods(http.MethodPut)
	r.HandleFunc("/safes/{id}/cashback-split", h.setCashbackSplit).Methods(http.MethodPut)
	r.HandleFunc("/safes/{id}/deposit", h.deposit).Methods(http.MethodPost)
	r.HandleFunc("/safes/{id}/spend", h.spend).Methods(http.MethodPost)
	r.HandleFunc("/safes/{id}/repay", h.repay).Methods(http.MethodPost)
	r.HandleFunc("/safes/{id}/withdrawals", h.requestWithdrawal).Methods(http.MethodPost)
	r.HandleFunc("/safes/{id}/withdrawals/process", h.processWithdrawal).Methods(http.MethodPost)
	r.HandleFunc("/safes/{id}/cashback/pending", h.pendingCashback).Methods(http.MethodGet)
	r.HandleFunc("/safes/{id}/transactions", h.listTransactions).Methods(http.MethodGet)

	r.HandleFunc("/admin/cashback/tiers", h.setTierRates).Methods(http.MethodPut)
	r.HandleFunc("/stats", h.stats).Methods(http.MethodGet)

	return metrics.InstrumentHandler(r)
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) createSafe(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Owner          string `json:"owner"`
		DailyLimit     int64  `json:"daily_limit"`
		MonthlyLimit   int64  `json:"monthly_limit"`
		TimezoneOffset int64  `json:"timezone_offset_seconds"`
		Tier           string `json:"tier"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := h.app.Safes.Setup(r.Context(), payload.Owner, payload.DailyLimit,
		payload.MonthlyLimit, payload.TimezoneOffset, safe.Tier(payload.Tier))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handler) listSafes(w http.ResponseWriter, r *http.Request) {
	recs, err := h.app.Safes.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handler) getSafe(w http.ResponseWriter, r *http.Request) {
	rec, err := h.app.Safes.GetData(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) getMode(w http.ResponseWriter, r *http.Request) {
	mode, err := h.app.Safes.GetMode(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}

// signedPayload carries a signed admin instruction. The signature is
// base64-encoded.
type signedPayload struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

func (p signedPayload) decode() (string, []byte, error) {
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return "", nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	return p.Signer, sig, nil
}

func (h *handler) setMode(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Mode string `json:"mode"`
		signedPayload
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	signer, sig, err := payload.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := h.app.Safes.SetMode(r.Context(), mux.Vars(r)["id"], safe.Mode(payload.Mode), signer, sig)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) updateLimits(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		DailyLimit   int64 `json:"daily_limit"`
		MonthlyLimit int64 `json:"monthly_limit"`
		signedPayload
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	signer, sig, err := payload.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := h.app.Safes.UpdateSpendingLimit(r.Context(), mux.Vars(r)["id"],
		payload.DailyLimit, payload.MonthlyLimit, signer, sig)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) setCashbackSplit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SplitBps int64 `json:"split_to_safe_bps"`
		signedPayload
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	signer, sig, err := payload.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := h.app.Safes.SetCashbackSplit(r.Context(), mux.Vars(r)["id"], payload.SplitBps, signer, sig)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Token     string `json:"token"`
		AmountUSD int64  `json:"amount_usd"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := h.app.Safes.Deposit(r.Context(), mux.Vars(r)["id"], payload.Token, payload.AmountUSD)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) spend(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TxID     string   `json:"tx_id"`
		Sponsor  string   `json:"sponsor"`
		Tokens   []string `json:"tokens"`
		Amounts  []int64  `json:"amounts_usd"`
		Cashback bool     `json:"cashback"`
		Spender  string   `json:"spender"`
		Referrer string   `json:"referrer"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, err := h.app.Spending.Spend(r.Context(), mux.Vars(r)["id"], payload.TxID,
		payload.Sponsor, payload.Tokens, payload.Amounts, spending.CashbackOptions{
			Enabled:  payload.Cashback,
			Spender:  payload.Spender,
			Referrer: payload.Referrer,
		})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handler) repay(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Token     string `json:"token"`
		AmountUSD int64  `json:"amount_usd"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, err := h.app.Spending.Repay(r.Context(), mux.Vars(r)["id"], payload.Token, payload.AmountUSD)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handler) requestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Tokens    []string `json:"tokens"`
		Amounts   []int64  `json:"amounts_usd"`
		Recipient string   `json:"recipient"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := h.app.Spending.RequestWithdrawal(r.Context(), mux.Vars(r)["id"],
		payload.Tokens, payload.Amounts, payload.Recipient)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (h *handler) processWithdrawal(w http.ResponseWriter, r *http.Request) {
	entry, err := h.app.Spending.ProcessWithdrawal(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handler) pendingCashback(w http.ResponseWriter, r *http.Request) {
	entries, err := h.app.Cashback.GetPending(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	if entries == nil {
		entries = []cashbackdom.Pending{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	safeID := mux.Vars(r)["id"]
	// Confirm the safe exists so an unknown id is a 404, not an empty list.
	if _, err := h.app.Safes.GetData(r.Context(), safeID); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	entries, err := h.app.Spending.ListTransactions(r.Context(), safeID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) setTierRates(w http.ResponseWriter, r *http.Request) {
	var payload map[string]int64
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rates := make(cashbackdom.TierRates, len(payload))
	for tier, rate := range payload {
		rates[safe.Tier(tier)] = rate
	}
	if err := h.app.Cashback.SetTierRates(r.Context(), rates); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Spending.GetStats())
}

// statusForError maps the engine's error taxonomy onto HTTP statuses so
// callers can distinguish validation, authorization, and state conflicts.
func statusForError(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, safes.ErrNotAuthorized),
		errors.Is(err, spending.ErrNotCreditEngine):
		return http.StatusForbidden
	case errors.Is(err, safe.ErrInvalidInput),
		errors.Is(err, spending.ErrAmountZero),
		errors.Is(err, spending.ErrUnknownAccount):
		return http.StatusBadRequest
	case errors.Is(err, safe.ErrLimitExceeded),
		errors.Is(err, safe.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, spending.ErrTransactionAlreadyCleared),
		errors.Is(err, safe.ErrModeAlreadySet),
		errors.Is(err, safe.ErrAlreadyInitialized),
		errors.Is(err, withdrawals.ErrNotYetFinalizable),
		errors.Is(err, withdrawals.ErrNoPendingRequest),
		errors.Is(err, spending.ErrOnlyOneTokenInCreditMode),
		errors.Is(err, guard.ErrReentrantCall):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, dst any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
