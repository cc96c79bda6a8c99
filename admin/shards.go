package admin

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/ripple/changelog"
)

// recordRequest is the JSON form of a change record accepted on append
type recordRequest struct {
	EntityType string             `json:"entity_type"`
	EntityID   string             `json:"entity_id"`
	Operation  string             `json:"operation"`
	Before     changelog.Snapshot `json:"before,omitempty"`
	After      changelog.Snapshot `json:"after,omitempty"`
	OccurredAt int64              `json:"occurred_at,omitempty"`
}

type appendRequest struct {
	Records []recordRequest `json:"records"`
}

func (h *AdminHandlers) handleListShards(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.pipeline.ShardInfo())
}

// handleAppend writes records for embedded mutation engines
func (h *AdminHandlers) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if len(req.Records) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "no records")
		return
	}

	records := make([]changelog.ChangeRecord, len(req.Records))
	for i, rr := range req.Records {
		op, err := changelog.ParseOperation(rr.Operation)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("record %d: %v", i, err))
			return
		}
		records[i] = changelog.ChangeRecord{
			EntityType: rr.EntityType,
			EntityID:   rr.EntityID,
			Operation:  op,
			Before:     rr.Before,
			After:      rr.After,
			OccurredAt: rr.OccurredAt,
		}
		if err := records[i].Validate(); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("record %d: %v", i, err))
			return
		}
	}

	if err := h.pipeline.Append(r.Context(), chi.URLParam(r, "shard"), records); err != nil {
		writeSubscriptionError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, map[string]interface{}{
		"first_sequence": records[0].Sequence,
		"last_sequence":  records[len(records)-1].Sequence,
	})
}
