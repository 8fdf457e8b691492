// Package logging owns the process logger and the per-request scope
// (correlation id, arrival time and a logger tagged with the id).
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xReLogic/Cigano/internal/config"
)

const defaultRequestHeader = "X-Request-ID"

type scopeKey struct{}

// scope is what RequestContextMiddleware attaches to a request.
type scope struct {
	id      string
	arrival time.Time
	logger  zerolog.Logger
}

var base atomic.Pointer[zerolog.Logger]

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond
	InitWithWriter(os.Stdout, config.LoggingConfig{})
}

// Init replaces the process logger, writing to stdout.
func Init(cfg config.LoggingConfig) {
	InitWithWriter(os.Stdout, cfg)
}

// InitWithWriter replaces the process logger. Format "json" emits one JSON
// object per line; anything else uses the plain console writer.
func InitWithWriter(w io.Writer, cfg config.LoggingConfig) {
	logger := build(w, levelOf(cfg.Level), strings.EqualFold(cfg.Format, "json"), cfg.IncludeCaller)
	base.Store(&logger)
}

func levelOf(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.TrimSpace(name))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func build(w io.Writer, level zerolog.Level, asJSON, caller bool) zerolog.Logger {
	out := w
	if !asJSON {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339Nano, NoColor: true}
	}
	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if caller {
		ctx = ctx.CallerWithSkipFrameCount(1)
	}
	return ctx.Logger()
}

// L returns the process logger.
func L() *zerolog.Logger {
	return base.Load()
}

// WithContext returns the request logger stored by RequestContextMiddleware,
// or the process logger when ctx carries none.
func WithContext(ctx context.Context) *zerolog.Logger {
	if s := scopeFrom(ctx); s != nil {
		return &s.logger
	}
	return L()
}

// RequestIDFromContext returns the correlation id, or "" outside a request.
func RequestIDFromContext(ctx context.Context) string {
	if s := scopeFrom(ctx); s != nil {
		return s.id
	}
	return ""
}

// ArrivalFromContext returns when the request entered the server, or the
// zero time when the request context middleware did not run.
func ArrivalFromContext(ctx context.Context) time.Time {
	if s := scopeFrom(ctx); s != nil {
		return s.arrival
	}
	return time.Time{}
}

// RequestHeaderName is the configured correlation header, X-Request-ID by default.
func RequestHeaderName(cfg config.LoggingConfig) string {
	if h := strings.TrimSpace(cfg.RequestID.Header); h != "" {
		return h
	}
	return defaultRequestHeader
}

func scopeFrom(ctx context.Context) *scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

func withScope(ctx context.Context, id string, arrival time.Time) context.Context {
	s := &scope{
		id:      id,
		arrival: arrival,
		logger:  L().With().Str("request_id", id).Logger(),
	}
	return context.WithValue(ctx, scopeKey{}, s)
}
