package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// defaultMaxBodySize applies when RouterDeps.MaxBodySize is unset (1 MB).
const defaultMaxBodySize = 1 << 20

// validate is shared by all admin handlers.
var validate = validator.New()

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit. An
// empty body leaves v untouched.
func readJSON(r *http.Request, limit int64, v any) error {
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	lr := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return err
	}
	if int64(len(data)) > limit {
		return errBodyTooLarge
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

var errBodyTooLarge = errors.New("request body too large")

// decodeValid reads and validates an admin request body. It writes the
// error response and returns false on failure.
func decodeValid(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := readJSON(r, defaultMaxBodySize, v); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
