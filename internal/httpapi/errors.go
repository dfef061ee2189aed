package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"attnd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// clientMessager is implemented by errors whose Error() text carries internal
// detail and which expose a separate message for clients.
type clientMessager interface {
	ClientMessage() string
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg})
}

// errorStatus maps err to a status code and client message. Unclassified
// errors become a generic 500 so causes never reach clients.
func errorStatus(err error) (int, string) {
	status := http.StatusInternalServerError
	msg := http.StatusText(status)
	var he HTTPError
	if errors.As(err, &he) {
		status = he.StatusCode()
		msg = he.Error()
	}
	var cm clientMessager
	if errors.As(err, &cm) {
		msg = cm.ClientMessage()
	}
	return status, msg
}
