package middleware

import (
	"log/slog"
	"net/http"
)

// NewRequestLogger logs every upgrade attempt before the handshake runs. The
// relay serves exactly one HTTP surface, so the line doubles as the connection
// audit trail for peers that never complete the upgrade.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				ip = reqMeta.IP
			}

			logger.Info("Upgrade requested",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
			)
			next.ServeHTTP(w, r)
		})
	}
}
