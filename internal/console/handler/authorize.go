package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/aml-control-plane/internal/controlplane"
	"github.com/xela07ax/aml-control-plane/internal/domain"
)

// AuthorizeHandler — вход для бизнес-агентов: «можно ли мне сделать X?».
type AuthorizeHandler struct {
	cp *controlplane.ControlPlane
}

func NewAuthorizeHandler(cp *controlplane.ControlPlane) *AuthorizeHandler {
	return &AuthorizeHandler{cp: cp}
}

// Authorize прогоняет запрос через реестр, движок политик и казначейство.
// POST /v1/authorize
func (h *AuthorizeHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req domain.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || req.Group == "" || req.Tool == "" {
		http.Error(w, "agent_id, group and tool are required", http.StatusBadRequest)
		return
	}

	result, err := h.cp.Authorize(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownGroup) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
