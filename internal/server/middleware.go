package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/flowmentor/chat-gateway/internal/observability"
	"github.com/flowmentor/chat-gateway/internal/store"
)

type contextKey string

const userContextKey contextKey = "user"

// requireUser authenticates the request via a bearer API key and places
// the resolved user on the request context.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		user, err := s.store.GetUserByAPIKey(token)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			s.logger.Error().Err(err).Msg("Failed to resolve API key")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next(w, r.WithContext(ctx))
	}
}

func userFrom(ctx context.Context) *store.User {
	user, _ := ctx.Value(userContextKey).(*store.User)
	return user
}

// withRequestLog tags every request with a correlation id, echoes it back
// to the client and logs request completion.
func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = observability.NewCorrelationID()
		}
		logger := observability.WithCorrelationID(correlationID)
		w.Header().Set("X-Correlation-ID", correlationID)

		start := time.Now()
		next.ServeHTTP(w, r)

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
