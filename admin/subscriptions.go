package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/ripple/subscription"
	"github.com/rs/zerolog/log"
)

// handleListSubscriptions lists active subscriptions, optionally by entity type
func (h *AdminHandlers) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	var subs []*subscription.Active
	if entityType := r.URL.Query().Get("entity_type"); entityType != "" {
		subs = h.pipeline.Registry().Snapshot(entityType)
	} else {
		subs = h.pipeline.Registry().List()
	}

	infos := make([]subscription.Info, 0, len(subs))
	for _, s := range subs {
		infos = append(infos, s.Info())
	}
	writeJSONResponse(w, http.StatusOK, infos)
}

func (h *AdminHandlers) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, ok := h.pipeline.Registry().Get(id)
	if !ok {
		writeSubscriptionError(w, subscription.Errorf(subscription.CodeNotFound, "subscription %s not found", id))
		return
	}
	writeJSONResponse(w, http.StatusOK, sub.Info())
}

// handleUnsubscribe ends a subscription; streaming clients receive complete
func (h *AdminHandlers) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.pipeline.Registry().Unsubscribe(id); err != nil {
		writeSubscriptionError(w, err)
		return
	}
	log.Info().Str("id", id).Msg("Subscription removed by operator")
	w.WriteHeader(http.StatusNoContent)
}

// handleRevokeSubject ends every subscription of a subject with FORBIDDEN
func (h *AdminHandlers) handleRevokeSubject(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	n := h.pipeline.Registry().RevokeSubject(subject)
	log.Info().Str("subject", subject).Int("subscriptions", n).Msg("Subject revoked by operator")
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"revoked": n})
}

// handleReplay re-enqueues history for a subscription
func (h *AdminHandlers) handleReplay(w http.ResponseWriter, r *http.Request) {
	after, err := parseSequence(r, "after")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	count, last, err := h.pipeline.Replay(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("shard"), after)
	if err != nil {
		writeSubscriptionError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"replayed":      count,
		"last_sequence": last,
	})
}
