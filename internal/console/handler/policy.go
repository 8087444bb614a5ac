package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/aml-control-plane/internal/domain"
	"github.com/xela07ax/aml-control-plane/internal/policy"
)

type PolicyHandler struct {
	engine *policy.Engine
}

func NewPolicyHandler(e *policy.Engine) *PolicyHandler {
	return &PolicyHandler{engine: e}
}

// List возвращает все правила в порядке приоритета.
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.engine.ListPolicies())
}

// Get — детали конкретного правила по имени.
// GET /v1/policies/{name}
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	for _, rule := range h.engine.ListPolicies() {
		if rule.Name == name {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(rule)
			return
		}
	}
	http.Error(w, "policy not found", http.StatusNotFound)
}

// Create добавляет правило; правило с тем же именем замещается.
func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var rule domain.PolicyRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.AddPolicy(rule); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SetEnabled включает или выключает правило, не удаляя его.
// POST /v1/policies/{name}/enabled
func (h *PolicyHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req SetEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !h.engine.SetEnabled(name, req.Enabled) {
		http.Error(w, "policy not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete удаляет правило из активного набора.
func (h *PolicyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if !h.engine.RemovePolicy(name) {
		http.Error(w, "policy not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
