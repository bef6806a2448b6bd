package agent

import (
	"context"
	"iter"
	"strings"
)

// Producer generates fragments by calling emit, the way callback-driven agent
// runtimes deliver tokens. emit fails once the consumer has gone away.
type Producer func(ctx context.Context, req Request, emit func(Fragment) error) error

// CallbackInvoker adapts a Producer into an Invoker. Fragments pass through a
// bounded channel so the producer never runs ahead of the consumer by more
// than the buffer size.
type CallbackInvoker struct {
	produce Producer
	buffer  int
}

// NewCallbackInvoker creates an invoker around produce.
func NewCallbackInvoker(produce Producer, buffer int) *CallbackInvoker {
	if buffer <= 0 {
		buffer = 16
	}
	return &CallbackInvoker{produce: produce, buffer: buffer}
}

// Invoke starts the producer and yields its fragments in order.
func (c *CallbackInvoker) Invoke(ctx context.Context, req Request) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		frags := make(chan Fragment, c.buffer)
		errc := make(chan error, 1)
		go func() {
			defer close(frags)
			errc <- c.produce(ctx, req, func(f Fragment) error {
				select {
				case frags <- f:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}()

		for f := range frags {
			if !yield(f, nil) {
				cancel()
				for range frags {
				}
				return
			}
		}
		if err := <-errc; err != nil {
			yield(Fragment{}, err)
		}
	}
}

// EchoProducer is a stand-in agent for local development. It emits a short
// reasoning trace, the boundary marker, then echoes the input word by word.
func EchoProducer(marker string) Producer {
	return func(ctx context.Context, req Request, emit func(Fragment) error) error {
		trace := []string{"Thought: Do I need ", "to use a tool? No\n"}
		for _, t := range trace {
			if err := emit(Token(t)); err != nil {
				return err
			}
		}
		if err := emit(Token(marker)); err != nil {
			return err
		}
		words := strings.Fields(req.Input)
		if len(words) == 0 {
			words = []string{"..."}
		}
		for _, w := range words {
			if err := emit(Token(" " + w)); err != nil {
				return err
			}
		}
		return nil
	}
}
