package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/ava-chat/internal/domain"
	"github.com/ashureev/ava-chat/internal/identity"
)

// Pipeline runs the checks in order: authentication, rate limit, turn count,
// and, after the answer, moderation. A nil collaborator disables its check.
type Pipeline struct {
	verifier  identity.TokenVerifier
	limiter   Limiter
	moderator Moderator
	maxTurns  int
	logger    *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithVerifier enables bearer authentication.
func WithVerifier(v identity.TokenVerifier) Option {
	return func(p *Pipeline) { p.verifier = v }
}

// WithLimiter enables rate limiting.
func WithLimiter(l Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

// WithModerator enables post-answer moderation.
func WithModerator(m Moderator) Option {
	return func(p *Pipeline) { p.moderator = m }
}

// WithMaxTurns overrides the conversation cap.
func WithMaxTurns(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxTurns = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPipeline builds a pipeline. With no options every check passes except
// the turn cap.
func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{maxTurns: domain.DefaultMaxTurns, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AuthRequired reports whether requests must carry a verified credential.
func (p *Pipeline) AuthRequired() bool {
	return p.verifier != nil
}

// MaxTurns returns the conversation cap.
func (p *Pipeline) MaxTurns() int {
	return p.maxTurns
}

// Authenticate verifies token and extracts the user id.
func (p *Pipeline) Authenticate(_ context.Context, token string) Verdict {
	if p.verifier == nil {
		return Allow()
	}
	principal, err := p.verifier.Verify(token)
	if err != nil {
		return Deny(ReasonUnauthenticated, err)
	}
	v := Allow()
	v.UserID = principal.UserID
	return v
}

// Admit applies the rate limit for key. Limiter failures let the request
// through.
func (p *Pipeline) Admit(ctx context.Context, key string) Verdict {
	if p.limiter == nil {
		return Allow()
	}
	ok, err := p.limiter.Allow(ctx, key)
	if err != nil {
		p.logger.Warn("Rate limiter unavailable, admitting request", "key", key, "error", err)
		return Allow()
	}
	if !ok {
		return Deny(ReasonRateLimited, fmt.Errorf("rate limit exceeded for %s", key))
	}
	return Allow()
}

// RateKey is the identity rate limits are counted against: the user on ctx,
// else its connection.
func RateKey(ctx context.Context) string {
	if id := identity.UserIDFromContext(ctx); id != "" {
		return "user:" + id
	}
	return "conn:" + identity.ConnectionIDFromContext(ctx)
}

// CheckTurns denies once a conversation holds the maximum number of turns.
func (p *Pipeline) CheckTurns(turns int) Verdict {
	if turns >= p.maxTurns {
		return Deny(ReasonConversationLimit, fmt.Errorf("conversation has %d of %d turns", turns, p.maxTurns))
	}
	return Allow()
}

// Moderate classifies a delivered answer. Classifier failures are logged and
// treated as a pass.
func (p *Pipeline) Moderate(ctx context.Context, text string) Verdict {
	if p.moderator == nil || strings.TrimSpace(text) == "" {
		return Allow()
	}
	res, err := p.moderator.Moderate(ctx, text)
	if err != nil {
		p.logger.Warn("Moderation check failed", "error", err)
		return Allow()
	}
	if res.Flagged {
		return Deny(ReasonContentViolation, fmt.Errorf("flagged: %s", strings.Join(res.Categories, ",")))
	}
	return Allow()
}
