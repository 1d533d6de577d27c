package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/numvia/backend/internal/services"
)

type WalletHandler struct {
	ledger *services.LedgerService
}

func NewWalletHandler(ledger *services.LedgerService) *WalletHandler {
	return &WalletHandler{ledger: ledger}
}

// GetBalance returns the tenant's current prepaid balance
// @Summary Get wallet balance
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{balance=string,last_updated=string}
// @Failure 401 {object} services.ErrorResponse
// @Failure 500 {object} services.ErrorResponse
// @Router /wallet/balance [get]
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := r.Context().Value("tenantID").(string)
	if !ok || tenantID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := h.ledger.BalanceSnapshot(r.Context(), tenantID)
	if err != nil {
		log.Printf("[WALLET] Balance read failed for %s: %v", tenantID, err)
		services.SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"balance":      balance.Amount.StringFixed(4),
		"last_updated": balance.LastUpdated,
	})
}

// ListMovements returns the tenant's movement history, newest first
// @Summary List balance movements
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Number of movements to return (default: 50, max: 200)"
// @Success 200 {object} object{movements=[]models.Movement,count=int}
// @Failure 401 {object} services.ErrorResponse
// @Failure 500 {object} services.ErrorResponse
// @Router /wallet/movements [get]
func (h *WalletHandler) ListMovements(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := r.Context().Value("tenantID").(string)
	if !ok || tenantID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	movements, err := h.ledger.ListMovements(r.Context(), tenantID, limit)
	if err != nil {
		log.Printf("[WALLET] Movement listing failed for %s: %v", tenantID, err)
		services.SendErrorResponse(w, "Failed to fetch movements", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"movements": movements,
		"count":     len(movements),
	})
}
