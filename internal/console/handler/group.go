package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/aml-control-plane/internal/domain"
	"github.com/xela07ax/aml-control-plane/internal/infra/auth"
	"github.com/xela07ax/aml-control-plane/internal/registry"
)

// GroupHandler управляет группами агентов: регистрация, уровни автономии,
// аварийные состояния и KPI-условия.
type GroupHandler struct {
	registry *registry.Registry
}

func NewGroupHandler(r *registry.Registry) *GroupHandler {
	return &GroupHandler{registry: r}
}

// List — имена всех зарегистрированных групп.
func (h *GroupHandler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.registry.Groups())
}

type RegisterGroupRequest struct {
	Group  string `json:"group"`
	Pillar string `json:"pillar"`
}

// Register заводит группу с дефолтным уровнем автономии.
func (h *GroupHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Group == "" {
		http.Error(w, "group is required", http.StatusBadRequest)
		return
	}

	profile, err := h.registry.RegisterGroup(req.Group, req.Pillar)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(profile)
}

// Get — профиль группы (уровень, флаги, последние метрики).
func (h *GroupHandler) Get(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "id")

	profile, err := h.registry.Profile(group)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(profile)
}

type TransitionRequest struct {
	Reason string `json:"reason"`
}

// Promote повышает уровень автономии ровно на один шаг.
func (h *GroupHandler) Promote(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.registry.Promote)
}

// Demote понижает уровень автономии ровно на один шаг.
func (h *GroupHandler) Demote(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.registry.Demote)
}

// Pause приостанавливает группу (обратимо).
func (h *GroupHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.registry.EmergencyPause)
}

// Resume снимает паузу.
func (h *GroupHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.registry.Resume)
}

// Kill активирует kill-switch: группа заморожена до явного сброса.
func (h *GroupHandler) Kill(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.registry.KillSwitch)
}

// ClearKill снимает kill-switch (требует отдельного явного действия).
func (h *GroupHandler) ClearKill(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.registry.ClearKillSwitch)
}

func (h *GroupHandler) transition(w http.ResponseWriter, r *http.Request, op func(group, actor, reason string) error) {
	group := chi.URLParam(r, "id")
	actor := auth.OperatorFromContext(r.Context())

	var req TransitionRequest
	// Тело опционально: пустой reason допустим
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := op(group, actor, req.Reason); err != nil {
		http.Error(w, err.Error(), transitionStatus(err))
		return
	}

	profile, err := h.registry.Profile(group)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(profile)
}

func transitionStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownGroup):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTierCeiling), errors.Is(err, domain.ErrTierFloor),
		errors.Is(err, domain.ErrEmergencyHalted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type MetricsRequest struct {
	Metrics map[string]float64 `json:"metrics"`
}

// UpdateMetrics принимает свежие KPI-метрики группы.
// POST /v1/groups/{id}/metrics
func (h *GroupHandler) UpdateMetrics(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "id")

	var req MetricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// Неизвестная группа тихо игнорируется источником метрик,
	// но консоли отвечаем честным 404
	if _, err := h.registry.Profile(group); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	h.registry.UpdateMetrics(group, req.Metrics)
	w.WriteHeader(http.StatusNoContent)
}

type KPIConditionsRequest struct {
	Promote []domain.KPICondition `json:"promote"`
	Demote  []domain.KPICondition `json:"demote"`
}

// SetKPIConditions задает условия авто-повышения и авто-понижения.
// PUT /v1/groups/{id}/kpi
func (h *GroupHandler) SetKPIConditions(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "id")

	var req KPIConditionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.registry.SetKPIConditions(group, req.Promote, req.Demote); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
