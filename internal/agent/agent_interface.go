package agent

import (
	"context"
	"iter"
)

// Invoker runs one agent invocation and yields its fragments in arrival
// order. Iteration ends when the invocation completes; a non-nil error is the
// last value yielded.
type Invoker interface {
	Invoke(ctx context.Context, req Request) iter.Seq2[Fragment, error]
}

// HealthChecker is implemented by invokers that can probe the remote agent.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Ensure implementations satisfy Invoker.
var (
	_ Invoker       = (*GrpcClient)(nil)
	_ HealthChecker = (*GrpcClient)(nil)
	_ Invoker       = (*CallbackInvoker)(nil)
	_ Invoker       = (*Service)(nil)
)
