package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hongminglow/usersync/internal/apperr"
)

const maxBodyBytes = 1 << 20

// decodeJSON reads a single JSON object from the request body. Any failure
// is reported as a validation error.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON payload", apperr.ErrValidation)
	}
	return nil
}
