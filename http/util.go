package http

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/stephnangue/vmgate/artifact"
	"github.com/stephnangue/vmgate/ratelimit"
	"github.com/stephnangue/vmgate/session"
	"github.com/stephnangue/vmgate/storage"
	"github.com/stephnangue/vmgate/vault"
)

// ErrorResponse represents a JSON error response
type ErrorResponse struct {
	Errors     []string `json:"errors"`
	RetryAfter int      `json:"retry_after_seconds,omitempty"`
}

// respondError writes an error response with the given status code and message.
func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := &ErrorResponse{
		Errors: []string{message},
	}

	json.NewEncoder(w).Encode(resp)
}

// respondOk writes a successful JSON response with status 200.
func respondOk(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondDomainError translates domain errors to transport status codes.
// Vault integrity failures deliberately surface as a generic message;
// detail stays in the audit and log sinks.
func respondDomainError(w http.ResponseWriter, err error) {
	var denied *ratelimit.DeniedError
	switch {
	case errors.As(err, &denied):
		seconds := int(denied.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(&ErrorResponse{
			Errors:     []string{"rate limit exceeded"},
			RetryAfter: seconds,
		})
	case errors.Is(err, session.ErrSessionConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrSessionNotActive):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, vault.ErrCredentialNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, artifact.ErrArtifactExpired):
		respondError(w, http.StatusGone, err.Error())
	case errors.Is(err, ratelimit.ErrStoreUnavailable), errors.Is(err, storage.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	case errors.Is(err, vault.ErrEncryption), errors.Is(err, vault.ErrDecryption):
		respondError(w, http.StatusInternalServerError, "access could not be established")
	default:
		respondError(w, http.StatusInternalServerError, "access could not be established")
	}
}

// clientIP returns the request's client address without the port.
// The RealIP middleware has already resolved forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// decodeJSON parses a request body into out
func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
