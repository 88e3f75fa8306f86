package handler

import (
	"net/http"

	"github.com/google/uuid"
)

// userIDHeader carries the authenticated user's id. Authentication itself
// happens upstream (API gateway); this service trusts the header.
const userIDHeader = "X-User-ID"

// requestUser extracts the caller's user id. A missing or malformed header
// writes a 401 and returns false.
func requestUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get(userIDHeader)
	if raw == "" {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "X-User-ID header is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "X-User-ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
