package api

import (
	"context"
	"net/http"

	tallysync "github.com/hyperengineering/tally/internal/sync"
	"github.com/hyperengineering/tally/internal/validation"
)

// sourceIDContextKey is the context key for the calling client's source ID.
type sourceIDContextKey struct{}

// AnonymousSource is the source ID of requests that do not name one.
const AnonymousSource = "anonymous"

// WithSourceID returns a new context with the source ID attached.
func WithSourceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sourceIDContextKey{}, id)
}

// SourceIDFromContext extracts the source ID from the context.
// Returns AnonymousSource if not present or empty.
func SourceIDFromContext(ctx context.Context) string {
	id, ok := ctx.Value(sourceIDContextKey{}).(string)
	if !ok || id == "" {
		return AnonymousSource
	}
	return id
}

// SourceMiddleware reads the X-Source-ID header into the request context.
// Malformed source IDs are rejected with 400.
func SourceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(tallysync.SourceHeader)
		if id != "" {
			if verr := validation.ValidateID(tallysync.SourceHeader, id); verr != nil {
				WriteProblem(w, r, http.StatusBadRequest, verr.Error())
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(WithSourceID(r.Context(), id)))
	})
}
