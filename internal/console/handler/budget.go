package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/aml-control-plane/internal/domain"
	"github.com/xela07ax/aml-control-plane/internal/treasury"
)

type BudgetHandler struct {
	treasury *treasury.Treasury
}

func NewBudgetHandler(t *treasury.Treasury) *BudgetHandler {
	return &BudgetHandler{treasury: t}
}

// List возвращает сводку бюджетов по всем группам.
// GET /v1/budgets
func (h *BudgetHandler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.treasury.BudgetSummary())
}

// Get — снимок бюджета одной группы, включая дневной расход.
// GET /v1/budgets/{group}
func (h *BudgetHandler) Get(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")

	snap, err := h.treasury.Budget(group)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

type CreateBudgetRequest struct {
	Group  string               `json:"group"`
	Pillar string               `json:"pillar"`
	Total  float64              `json:"total"`
	Limit  domain.SpendingLimit `json:"limit"`
}

// Create выделяет бюджет новой группе.
// POST /v1/budgets
func (h *BudgetHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Group == "" {
		http.Error(w, "group is required", http.StatusBadRequest)
		return
	}

	if err := h.treasury.CreateBudget(req.Group, req.Pillar, req.Total, req.Limit); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
