// Package reading turns a validated pair of cards into an interpretation.
package reading

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/0xReLogic/Cigano/internal/cards"
	"github.com/0xReLogic/Cigano/internal/logging"
)

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Result is a finished interpretation.
type Result struct {
	Text string
}

// Service builds the prompt, calls the generator and applies the fixed
// post-success delay.
type Service struct {
	generator Generator
	delay     time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

type Option func(*Service)

// WithSleep replaces the delay implementation, mostly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) {
		s.sleep = sleep
	}
}

// NewService creates a Service. delay is applied after every successful
// generation and never on failure.
func NewService(generator Generator, delay time.Duration, opts ...Option) *Service {
	s := &Service{
		generator: generator,
		delay:     delay,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interpret asks the generator for an interpretation of req. The request is
// expected to be valid already.
func (s *Service) Interpret(ctx context.Context, req cards.InterpretationRequest) (Result, error) {
	logger := logging.WithContext(ctx)
	logger.Info().
		Str("carta1", req.Carta1).
		Str("carta2", req.Carta2).
		Str("tempo", req.Tempo).
		Str("tema", req.Tema).
		Msg("generating interpretation")

	text, err := s.generator.Generate(ctx, BuildPrompt(req))
	if err != nil {
		return Result{}, fmt.Errorf("generate interpretation: %w", err)
	}

	if s.delay > 0 {
		if err := s.sleep(ctx, s.delay); err != nil {
			return Result{}, fmt.Errorf("request delay: %w", err)
		}
	}

	return Result{Text: strings.TrimSpace(text)}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
