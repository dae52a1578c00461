// Package httpapi exposes the REST API of the mixing daemon.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	admindomain "github.com/Leepey/Mixton-sub002/internal/domain/admin"
	"github.com/Leepey/Mixton-sub002/internal/domain/mix"
	adminsvc "github.com/Leepey/Mixton-sub002/internal/services/admin"
	"github.com/Leepey/Mixton-sub002/internal/services/mixer"
	"github.com/Leepey/Mixton-sub002/internal/services/pools"
	"github.com/Leepey/Mixton-sub002/pkg/logger"

	"github.com/Leepey/Mixton-sub002/internal/metrics"
)

// handler bundles HTTP endpoints for the mixing services.
type handler struct {
	mixer    *mixer.Service
	registry *pools.Registry
	admin    *adminsvc.Validator
	log      *logger.Logger
}

// NewHandler returns a router exposing the REST API.
func NewHandler(mixerService *mixer.Service, registry *pools.Registry, validator *adminsvc.Validator, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{mixer: mixerService, registry: registry, admin: validator, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/pools", h.listPools).Methods(http.MethodGet)
	r.HandleFunc("/pools/{id}", h.getPool).Methods(http.MethodGet)

	r.HandleFunc("/mix", h.createMix).Methods(http.MethodPost)
	r.HandleFunc("/mix", h.listMix).Methods(http.MethodGet)
	r.HandleFunc("/mix/stats", h.stats).Methods(http.MethodGet)
	r.HandleFunc("/mix/{id}", h.getMix).Methods(http.MethodGet)
	r.HandleFunc("/mix/{id}/cancel", h.cancelMix).Methods(http.MethodPost)
	r.HandleFunc("/mix/{id}/refund", h.refundMix).Methods(http.MethodPost)

	r.HandleFunc("/admin/settings", h.getSettings).Methods(http.MethodGet)
	r.HandleFunc("/admin/settings", h.updateSettings).Methods(http.MethodPut)

	return metrics.InstrumentHandler(r)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) listPools(w http.ResponseWriter, r *http.Request) {
	list, err := h.registry.ListPools(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getPool(w http.ResponseWriter, r *http.Request) {
	p, err := h.registry.FindPool(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) createMix(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PoolID          string `json:"pool_id"`
		DepositAddress  string `json:"deposit_address"`
		Amount          int64  `json:"amount"`
		WithdrawAddress string `json:"withdraw_address"`
		Mixed           bool   `json:"mixed"`
		Recipients      []struct {
			Address string `json:"address"`
			Weight  int64  `json:"weight"`
		} `json:"recipients"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req := mixer.MixRequest{
		PoolID:          payload.PoolID,
		DepositAddress:  payload.DepositAddress,
		Amount:          payload.Amount,
		WithdrawAddress: payload.WithdrawAddress,
		Mixed:           payload.Mixed,
	}
	for _, rec := range payload.Recipients {
		req.Recipients = append(req.Recipients, mixer.RecipientSpec{
			Address: rec.Address,
			Weight:  rec.Weight,
		})
	}

	tx, err := h.mixer.CreateMixTransaction(r.Context(), req)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (h *handler) listMix(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	list, err := h.mixer.ListTransactions(r.Context(), q.Get("pool_id"), mix.Status(q.Get("status")), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getMix(w http.ResponseWriter, r *http.Request) {
	tx, err := h.mixer.GetTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *handler) cancelMix(w http.ResponseWriter, r *http.Request) {
	tx, err := h.mixer.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *handler) refundMix(w http.ResponseWriter, r *http.Request) {
	tx, err := h.mixer.Refund(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.mixer.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.admin.Current(r.Context())
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var settings admindomain.ContractSettings
	if err := decodeJSON(r.Body, &settings); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	applied, err := h.admin.Apply(r.Context(), settings)
	if err != nil {
		var verrs admindomain.ValidationErrors
		if errors.As(err, &verrs) {
			// Report every violation so the caller can fix them in one pass.
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":      "validation failed",
				"violations": verrs,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, applied)
}

// statusForError maps service sentinel errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, pools.ErrPoolNotFound),
		errors.Is(err, mixer.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, pools.ErrPoolFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, pools.ErrPoolInactive),
		errors.Is(err, mixer.ErrNotCancellable),
		errors.Is(err, mixer.ErrNotRefundable),
		errors.Is(err, mixer.ErrNothingToRefund):
		return http.StatusConflict
	case errors.Is(err, pools.ErrAmountOutOfRange),
		errors.Is(err, mixer.ErrInvalidAmount),
		errors.Is(err, mixer.ErrInvalidRecipient),
		errors.Is(err, mixer.ErrInvalidDelay):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
