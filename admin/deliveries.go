package admin

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/ripple/transport/webhook"
)

// handleFailedDeliveries lists webhook deliveries that exhausted their attempts
func (h *AdminHandlers) handleFailedDeliveries(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.pipeline.Deliveries().Failed())
}

// handleRetryDelivery starts a fresh attempt cycle for a failed delivery
func (h *AdminHandlers) handleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	err := h.pipeline.Deliveries().Retry(key)
	switch {
	case errors.Is(err, webhook.ErrUnknownDelivery):
		writeErrorResponse(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{"key": key, "status": webhook.StatusPending})
	}
}
