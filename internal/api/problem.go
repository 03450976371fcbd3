package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/relay/internal/queue"
	"github.com/hyperengineering/relay/internal/replication"
	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://relay.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://relay.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://relay.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusConflict: {
		typeURI: "https://relay.dev/errors/conflict",
		title:   "Conflict",
	},
	http.StatusTooManyRequests: {
		typeURI: "https://relay.dev/errors/queue-full",
		title:   "Too Many Requests",
	},
	http.StatusGatewayTimeout: {
		typeURI: "https://relay.dev/errors/query-timeout",
		title:   "Gateway Timeout",
	},
	http.StatusInsufficientStorage: {
		typeURI: "https://relay.dev/errors/quota-exceeded",
		title:   "Insufficient Storage",
	},
	http.StatusInternalServerError: {
		typeURI: "https://relay.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://relay.dev/errors/service-unavailable",
		title:   "Service Unavailable",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://relay.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapStoreError converts domain errors to Problem Details responses.
func MapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *validation.InvalidInputError
	switch {
	case errors.As(err, &invalid):
		WriteProblem(w, r, http.StatusBadRequest, invalid.Error())
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Row not found")
	case errors.Is(err, replication.ErrUnknownTable):
		WriteProblem(w, r, http.StatusNotFound, "Table not registered")
	case errors.Is(err, store.ErrVersionConflict):
		WriteProblem(w, r, http.StatusConflict, "Version conflict")
	case errors.Is(err, queue.ErrQueueFull):
		WriteProblem(w, r, http.StatusTooManyRequests, "Mutation queue full; sync required")
	case errors.Is(err, store.ErrQueryTimeout):
		WriteProblem(w, r, http.StatusGatewayTimeout, "Query timed out")
	case errors.Is(err, store.ErrQuotaExceeded):
		WriteProblem(w, r, http.StatusInsufficientStorage, "Storage quota exceeded")
	default:
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
