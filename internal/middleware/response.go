package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserd/internal/types"
)

// writeError writes the standard error envelope with the HTTP status that
// matches the code.
func writeError(w http.ResponseWriter, code types.Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.HTTPStatus())

	if err := json.NewEncoder(w).Encode(types.ErrorResponse{Code: code, Message: message}); err != nil {
		log.Error().Err(err).Str("message", message).Msg("Failed to encode middleware error response")
	}
}
