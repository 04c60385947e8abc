package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"gpu-allocator/allocator"

	"github.com/rs/zerolog/log"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusFor(k allocator.Kind) int {
	switch k {
	case allocator.KindNotFound, allocator.KindEmpty:
		return http.StatusNotFound
	case allocator.KindConflict, allocator.KindAlreadyCancelled, allocator.KindAlreadyStarted,
		allocator.KindResourceUnavailable, allocator.KindInvalidTransition:
		return http.StatusConflict
	case allocator.KindInvalidInterval, allocator.KindInvalidArgument, allocator.KindMismatch:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("api: failed to encode response")
	}
}

// writeError renders err as {"error": kind, "message": ...}. Internal
// failures are logged and answered with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := allocator.KindOf(err)
	body := errorBody{Error: string(kind), Message: err.Error()}
	var e *allocator.Error
	if errors.As(err, &e) {
		body.Message = e.Message
	}
	if kind == allocator.KindInternal {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("api: internal error")
		body.Message = "internal error"
	}
	writeJSON(w, statusFor(kind), body)
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorBody{
		Error:   string(allocator.KindInvalidArgument),
		Message: fmt.Sprintf(format, args...),
	})
}
