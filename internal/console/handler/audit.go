package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/aml-control-plane/internal/registry"
	"github.com/xela07ax/aml-control-plane/internal/treasury"
)

// AuditHandler отдает compliance-выгрузки: историю смен уровней автономии
// и журнал транзакций казначейства за период.
type AuditHandler struct {
	registry *registry.Registry
	treasury *treasury.Treasury
}

func NewAuditHandler(r *registry.Registry, t *treasury.Treasury) *AuditHandler {
	return &AuditHandler{registry: r, treasury: t}
}

// GetChanges возвращает записи смен уровней с фильтрацией.
// GET /v1/audit/changes?group=...&start=...&end=...&limit=...
func (h *AuditHandler) GetChanges(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	start, end, err := parsePeriod(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	records := h.registry.GetAuditTrail(group, start, end, limit)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// GetTransactions выгружает журнал транзакций за период.
// GET /v1/audit/transactions?start=...&end=...
func (h *AuditHandler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	start, end, err := parsePeriod(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	txs := h.treasury.ExportTransactionLog(start, end)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(txs)
}

// parsePeriod читает RFC3339 границы периода; отсутствующая граница
// означает открытый интервал.
func parsePeriod(r *http.Request) (start, end time.Time, err error) {
	if raw := r.URL.Query().Get("start"); raw != "" {
		start, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return start, end, err
		}
	}
	end = time.Now()
	if raw := r.URL.Query().Get("end"); raw != "" {
		end, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return start, end, err
		}
	}
	return start, end, nil
}
