package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/skyfleet/gateway/internal/errors"
	"github.com/skyfleet/gateway/internal/logging"
)

// Recovery converts handler panics into a 500 envelope instead of tearing
// down the connection. The stack is logged, never sent to the client.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logging.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", GetRequestID(r)),
						zap.ByteString("stack", debug.Stack()),
					)
					errors.ErrInternal.WriteJSON(w, r)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
