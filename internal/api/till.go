package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/erazemk/blagajna/internal/model"
	"github.com/erazemk/blagajna/internal/offline"
	"github.com/erazemk/blagajna/internal/reconcile"
	"github.com/erazemk/blagajna/internal/store"
)

// defaultPruneAge applies when DELETE /api/transactions/synced has no older_than.
const defaultPruneAge = 7 * 24 * time.Hour

// TillHandler handles the point-of-sale endpoints.
type TillHandler struct {
	Till Till
}

// Catalogue handles GET /api/catalogue.
func (h *TillHandler) Catalogue(w http.ResponseWriter, r *http.Request) {
	cat, err := h.Till.GetCatalogue(r.Context())
	if err != nil {
		slog.Error("reading catalogue", "error", err)
		jsonError(w, http.StatusServiceUnavailable, "catalogue unavailable")
		return
	}
	jsonResponse(w, http.StatusOK, cat)
}

// Image handles GET /api/catalogue/{id}/image.
func (h *TillHandler) Image(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	th, err := h.Till.Thumbnail(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, offline.ErrNoImage):
		jsonError(w, http.StatusNotFound, "image not found")
		return
	case err != nil:
		slog.Error("reading thumbnail", "item", id, "error", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", th.MIME)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(th.Data)
}

// Badge handles GET /api/badges/{code}.
func (h *TillHandler) Badge(w http.ResponseWriter, r *http.Request) {
	v := h.Till.ValidateBadge(r.Context(), chi.URLParam(r, "code"))
	if !v.Success {
		jsonResponse(w, http.StatusNotFound, v)
		return
	}
	jsonResponse(w, http.StatusOK, v)
}

// Submit handles POST /api/transactions.
func (h *TillHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req model.TransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.Till.SubmitTransaction(r.Context(), req)
	if err != nil {
		if errors.Is(err, offline.ErrLocalDurability) {
			jsonError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		slog.Error("submitting transaction", "error", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}

	switch {
	case !sub.Success:
		jsonResponse(w, http.StatusUnprocessableEntity, sub)
	case sub.IsOffline:
		jsonResponse(w, http.StatusAccepted, sub)
	default:
		jsonResponse(w, http.StatusCreated, sub)
	}
}

// Queue handles GET /api/transactions?status=.
func (h *TillHandler) Queue(w http.ResponseWriter, r *http.Request) {
	status := model.SyncStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		jsonError(w, http.StatusBadRequest, "invalid status")
		return
	}

	txs, err := h.Till.ListQueue(r.Context(), status)
	if err != nil {
		slog.Error("listing offline transactions", "error", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if txs == nil {
		txs = []model.OfflineTransaction{}
	}
	jsonResponse(w, http.StatusOK, txs)
}

// Requeue handles POST /api/transactions/{tempID}/requeue.
func (h *TillHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tempID")
	err := h.Till.Requeue(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		jsonError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, store.ErrNotRequeueable):
		jsonError(w, http.StatusConflict, err.Error())
	case err != nil:
		slog.Error("requeueing transaction", "temp_id", id, "error", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
	default:
		jsonResponse(w, http.StatusOK, map[string]string{"message": "requeued"})
	}
}

// Prune handles DELETE /api/transactions/synced?older_than=.
func (h *TillHandler) Prune(w http.ResponseWriter, r *http.Request) {
	age := defaultPruneAge
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			jsonError(w, http.StatusBadRequest, "invalid older_than duration")
			return
		}
		age = d
	}

	n, err := h.Till.PruneSynced(r.Context(), age)
	if err != nil {
		slog.Error("pruning synced transactions", "error", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]int{"deleted": n})
}

// Sync handles POST /api/sync?retry_failed=.
func (h *TillHandler) Sync(w http.ResponseWriter, r *http.Request) {
	retry, _ := strconv.ParseBool(r.URL.Query().Get("retry_failed"))

	res, err := h.Till.SyncPendingTransactions(r.Context(), retry)
	if err != nil {
		if errors.Is(err, reconcile.ErrAlreadyRunning) {
			jsonError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("manual sync", "error", err)
		jsonError(w, http.StatusInternalServerError, "sync failed")
		return
	}
	jsonResponse(w, http.StatusOK, res)
}

// Stats handles GET /api/stats.
func (h *TillHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Till.GetOfflineStats(r.Context())
	if err != nil {
		slog.Error("reading offline stats", "error", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	jsonResponse(w, http.StatusOK, stats)
}
