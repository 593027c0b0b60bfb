// Package ticketnumber produces human-readable ticket identifiers of the form
// TK-<year>-<five digits>.
package ticketnumber

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultAttempts bounds how many candidates Unique tries before giving up.
const DefaultAttempts = 10

// ErrExhausted is returned when every candidate collided with an existing number.
var ErrExhausted = errors.New("ticket number space exhausted")

// Generator defines contract for ticket number generators.
type Generator interface {
	Name() string
	Next(ctx context.Context) (string, error)
}

// ExistsFunc reports whether a ticket number is already taken.
type ExistsFunc func(ctx context.Context, number string) (bool, error)

// Clock allows deterministic testing.
type Clock interface{ Now() time.Time }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Unique draws candidates from gen until exists reports a free one.
func Unique(ctx context.Context, gen Generator, exists ExistsFunc, attempts int) (string, error) {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	for i := 0; i < attempts; i++ {
		candidate, err := gen.Next(ctx)
		if err != nil {
			return "", fmt.Errorf("generate ticket number: %w", err)
		}
		if exists == nil {
			return candidate, nil
		}
		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check ticket number %s: %w", candidate, err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s after %d attempts: %w", gen.Name(), attempts, ErrExhausted)
}
