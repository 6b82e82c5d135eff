// Package textgen is the contract for calling a text-generation service.
package textgen

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyResponse is returned when the service answered without any text.
var ErrEmptyResponse = errors.New("textgen: empty response")

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Func adapts a plain function to Generator.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// TimeoutError reports a generation call that exceeded its deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("text generation timed out after %s", e.Timeout)
}

// WithTimeout bounds every call to g by d. The call returns when d elapses even if g
// ignores its context.
func WithTimeout(g Generator, d time.Duration) Generator {
	if d <= 0 {
		return g
	}
	return Func(func(ctx context.Context, prompt string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		type reply struct {
			text string
			err  error
		}
		done := make(chan reply, 1)
		go func() {
			text, err := g.Generate(ctx, prompt)
			done <- reply{text: text, err: err}
		}()

		select {
		case r := <-done:
			if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() != nil {
				return "", &TimeoutError{Timeout: d}
			}
			return r.text, r.err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", &TimeoutError{Timeout: d}
			}
			return "", ctx.Err()
		}
	})
}
