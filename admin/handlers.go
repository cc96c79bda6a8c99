package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/maxpert/ripple/pipeline"
	"github.com/maxpert/ripple/subscription"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 4 << 20

// AdminHandlers serves the operator API over a running pipeline
type AdminHandlers struct {
	pipeline *pipeline.Pipeline
}

func NewAdminHandlers(p *pipeline.Pipeline) *AdminHandlers {
	return &AdminHandlers{pipeline: p}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeSubscriptionError maps taxonomy codes to HTTP statuses
func writeSubscriptionError(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrUnknownShard) {
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}

	e := subscription.AsError(err)
	status := http.StatusInternalServerError
	switch e.Code {
	case subscription.CodeNotFound:
		status = http.StatusNotFound
	case subscription.CodeInvalidFilter, subscription.CodeInvalidVariables:
		status = http.StatusBadRequest
	case subscription.CodeUnauthenticated:
		status = http.StatusUnauthorized
	case subscription.CodeForbidden:
		status = http.StatusForbidden
	case subscription.CodeAlreadyExists:
		status = http.StatusConflict
	case subscription.CodeBufferOverflow:
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": e}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseSequence parses an optional sequence query parameter
func parseSequence(r *http.Request, name string) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter: %w", name, err)
	}
	return seq, nil
}
