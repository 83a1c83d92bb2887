package middleware

import (
	"log/slog"
	"net/http"

	"github.com/MahbubHasan777/simple-chat-app/pkg/config"
)

type AddrConnectionCounter func(ip string) int
type AddrConnectionCycler func(ip string)

// NewConnectionLimiter caps concurrent connections per remote IP. Login
// happens in-band after the handshake, so the address is the only identity
// available here.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter AddrConnectionCounter,
	cycler AddrConnectionCycler,
	cfg config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxPerIP <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			count := counter(reqMeta.IP)
			if count < cfg.MaxPerIP {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("Connection limit reached for address", slog.String("ip", reqMeta.IP), slog.Int("count", count))
			switch cfg.Mode {
			case "reject":
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
			case "cycle":
				cycler(reqMeta.IP)
				next.ServeHTTP(w, r)
			default:
				logger.Error("Invalid connection limit mode configured", slog.String("mode", cfg.Mode))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		})
	}
}
