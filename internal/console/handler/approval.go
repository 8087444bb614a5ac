package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/aml-control-plane/internal/controlplane"
	"github.com/xela07ax/aml-control-plane/internal/infra"
	"github.com/xela07ax/aml-control-plane/internal/infra/auth"
	"github.com/xela07ax/aml-control-plane/internal/treasury"
)

// ApprovalHandler — human-in-the-loop очередь: подписи и отказы операторов
// по транзакциям, ожидающим подтверждения.
type ApprovalHandler struct {
	cp       *controlplane.ControlPlane
	treasury *treasury.Treasury
	rdb      *redis.Client // nil — без трансляции решений другим инстансам
	logger   *zap.Logger
}

func NewApprovalHandler(cp *controlplane.ControlPlane, t *treasury.Treasury, rdb *redis.Client, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{cp: cp, treasury: t, rdb: rdb, logger: logger.Named("approvals")}
}

// List возвращает очередь PENDING транзакций.
// GET /v1/approvals?group=...
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group") // Пусто — по всем группам

	list := h.treasury.PendingApprovals(group)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

// GetDetails — детали конкретной транзакции (любой статус).
func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tx, err := h.treasury.GetTransaction(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}

type DecideRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

// Decide — решение оператора: подпись (возможно, исполняющая транзакцию)
// либо отказ с освобождением резерва.
func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	reviewer := auth.OperatorFromContext(r.Context())
	if reviewer == "" {
		http.Error(w, "reviewer is required", http.StatusBadRequest)
		return
	}

	var ok bool
	if req.Approved {
		ok = h.cp.ApproveTransaction(r.Context(), id, reviewer)
	} else {
		reason := req.Comment
		if reason == "" {
			reason = "rejected by " + reviewer
		}
		ok = h.cp.RejectTransaction(r.Context(), id, reason)
	}
	if !ok {
		// Транзакция не в PENDING либо повторная подпись того же оператора
		http.Error(w, "decision not applicable", http.StatusConflict)
		return
	}

	h.publishDecision(r.Context(), id, reviewer, req.Approved)

	tx, err := h.treasury.GetTransaction(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}

// publishDecision транслирует решение в Redis, чтобы ожидающие агенты
// узнали исход без поллинга.
func (h *ApprovalHandler) publishDecision(ctx context.Context, txID, reviewer string, approved bool) {
	if h.rdb == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"tx_id":    txID,
		"reviewer": reviewer,
		"approved": approved,
	})
	if err := h.rdb.Publish(ctx, infra.RedisChanApprovalDecisions, payload).Err(); err != nil {
		h.logger.Warn("failed to publish approval decision", zap.String("tx_id", txID), zap.Error(err))
	}
}
