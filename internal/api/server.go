// Package api serves the public HTTP surface of the interpretation backend.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/0xReLogic/Cigano/internal/cards"
	"github.com/0xReLogic/Cigano/internal/config"
	"github.com/0xReLogic/Cigano/internal/logging"
	"github.com/0xReLogic/Cigano/internal/metrics"
	"github.com/0xReLogic/Cigano/internal/middleware"
	"github.com/0xReLogic/Cigano/internal/ratelimiter"
	"github.com/0xReLogic/Cigano/internal/reading"
	"github.com/0xReLogic/Cigano/internal/utils"
)

const (
	routeStatus         = "/api/status"
	routeTest           = "/api/test"
	routeInterpretation = "/api/interpretacao"
)

const rateLimitMessage = "Muitas requisições. Aguarde um minuto antes de tentar novamente."

// Interpreter produces the reading for a validated request.
type Interpreter interface {
	Interpret(ctx context.Context, req cards.InterpretationRequest) (reading.Result, error)
}

// Deps are the collaborators of the HTTP surface. Config, Service and
// Limiter are required.
type Deps struct {
	Config  *config.Config
	Service Interpreter
	Limiter ratelimiter.RateLimiter
	// Metrics is optional.
	Metrics *metrics.MetricsCollector
	// Port reports the bound port; defaults to Config.Server.Port.
	Port func() int
	// Now defaults to time.Now.
	Now func() time.Time
}

func (d *Deps) port() int {
	if d.Port != nil {
		return d.Port()
	}
	return d.Config.Server.Port
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewMux registers the routes without the cross-cutting middleware.
func NewMux(d Deps) http.Handler {
	mux := http.NewServeMux()
	h := &handlers{deps: d}

	instrument := func(route string, next http.Handler) http.Handler {
		if d.Metrics == nil {
			return next
		}
		return d.Metrics.Instrument(route, next)
	}

	limit := ratelimiter.RateLimitMiddleware(d.Limiter, ratelimiter.MiddlewareOptions{
		ClientKey: func(r *http.Request) string {
			return utils.GetClientIP(r, d.Config.RateLimit.TrustProxy)
		},
		Message:    rateLimitMessage,
		RetryAfter: d.Config.RateLimitWindow(),
		OnReject: func(r *http.Request, key string) {
			if d.Metrics != nil {
				d.Metrics.RecordRateLimitedRequest()
			}
			logging.WithContext(r.Context()).Warn().Str("client_ip", key).Msg("rate limit exceeded")
		},
	})

	mux.Handle("GET "+routeStatus, instrument(routeStatus, http.HandlerFunc(h.status)))
	mux.Handle("GET "+routeTest, instrument(routeTest, http.HandlerFunc(h.test)))
	mux.Handle("POST "+routeInterpretation, instrument(routeInterpretation, limit(http.HandlerFunc(h.interpret))))

	if d.Metrics != nil && d.Config.Metrics.Enabled {
		mc := d.Config.Metrics
		filter, err := middleware.NewIPFilter(mc.AllowList, mc.DenyList)
		if err != nil {
			logging.L().Error().Err(err).Msg("invalid metrics access list, metrics endpoint disabled")
		} else {
			mux.Handle("GET "+mc.Path, filter.Middleware(d.Config.RateLimit.TrustProxy)(d.Metrics.Handler()))
		}
	}

	mux.Handle("/", instrument("unmatched", http.HandlerFunc(h.notFound)))

	logging.L().Info().Msg("api mux initialized")
	return mux
}

// NewHandler wraps the routes in the request pipeline: correlation id,
// access log, panic recovery, security headers, CORS and the body cap.
func NewHandler(d Deps) http.Handler {
	cfg := d.Config
	var onPanic func()
	if d.Metrics != nil {
		onPanic = d.Metrics.RecordPanic
	}

	return middleware.Chain(NewMux(d),
		logging.RequestContextMiddleware(cfg.Logging),
		middleware.AccessLog(cfg.RateLimit.TrustProxy),
		middleware.Recover(onPanic),
		middleware.SecurityHeaders(cfg.IsProduction()),
		middleware.CORS(cfg.CORS, cfg.IsProduction(), logging.RequestHeaderName(cfg.Logging)),
		middleware.BodyLimit(cfg.Server.MaxBodyBytes),
	)
}
