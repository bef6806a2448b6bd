package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"
)

// Service bounds agent invocations in time and normalizes their failures to
// ErrAgent. Cancellation of the caller's context is passed through unchanged.
type Service struct {
	invoker Invoker
	timeout time.Duration
	logger  *slog.Logger
}

// NewService wraps an invoker. A zero timeout disables the bound.
func NewService(invoker Invoker, timeout time.Duration, logger *slog.Logger) (*Service, error) {
	if invoker == nil {
		return nil, errors.New("agent service requires an invoker")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		invoker: invoker,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Invoke runs one invocation through the wrapped invoker.
func (s *Service) Invoke(ctx context.Context, req Request) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		}
		defer cancel()

		start := time.Now()
		fragments := 0
		for frag, err := range s.invoker.Invoke(callCtx, req) {
			if err != nil {
				yield(Fragment{}, s.classify(ctx, callCtx, err))
				return
			}
			fragments++
			if !yield(frag, nil) {
				return
			}
		}
		if callCtx.Err() != nil {
			yield(Fragment{}, s.classify(ctx, callCtx, callCtx.Err()))
			return
		}
		s.logger.Debug("Agent invocation finished",
			"conversation_id", req.ConversationID,
			"fragments", fragments,
			"duration", time.Since(start),
		)
	}
}

func (s *Service) classify(parent, call context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: timed out after %s", ErrAgent, s.timeout)
	}
	if errors.Is(err, ErrAgent) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAgent, err)
}

// Health probes the wrapped invoker when it supports health checks.
func (s *Service) Health(ctx context.Context) error {
	if hc, ok := s.invoker.(HealthChecker); ok {
		return hc.Health(ctx)
	}
	return nil
}

// Close releases the wrapped invoker's resources.
func (s *Service) Close() {
	if c, ok := s.invoker.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Warn("failed to close agent invoker", "error", err)
		}
	}
}
