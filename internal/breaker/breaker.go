package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"conductor/internal/logging"
	"conductor/internal/services"
)

// ErrOpen is returned when a call is rejected because the breaker is open or
// its single half-open trial is already in flight.
var ErrOpen = fmt.Errorf("%w: circuit open", services.ErrDependency)

const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 60 * time.Second
)

// State mirrors the breaker's position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Settings configures a Breaker. Zero values fall back to 5 failures and a
// 60s reset timeout.
type Settings struct {
	MaxFailures  int
	ResetTimeout time.Duration
	// IsFailure decides which errors count toward tripping. Defaults to every
	// error except caller cancellation. Errors it rejects are ignored: they
	// neither count as failures nor reset the failure run, and a half-open
	// trial that ends with one stays half-open.
	IsFailure func(error) bool
}

// Breaker is a closed/open/half-open circuit breaker.
type Breaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker[struct{}]
	logger *slog.Logger
}

// New constructs a closed Breaker.
func New(name string, settings Settings, logger *slog.Logger) *Breaker {
	maxFailures := settings.MaxFailures
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}
	resetTimeout := settings.ResetTimeout
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}
	isFailure := settings.IsFailure
	if isFailure == nil {
		isFailure = defaultIsFailure
	}

	b := &Breaker{
		name:   name,
		logger: logging.NewComponentLogger(logger, "breaker").With(logging.String("breaker", name)),
	}
	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxFailures)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			attrs := []logging.Attr{
				logging.String(logging.FieldEventType, "breaker_state_change"),
				logging.String("from", string(mapState(from))),
				logging.String("to", string(mapState(to))),
			}
			if to == gobreaker.StateOpen {
				logging.WarnWithContext(b.logger, "circuit opened", "breaker_state_change", append(attrs,
					logging.String(logging.FieldErrorHint, "dependency is failing repeatedly; calls are rejected until the reset timeout"),
					logging.String(logging.FieldImpact, "calls fail fast without contacting the dependency"),
				)...)
				return
			}
			b.logger.Info("circuit state changed", logging.Args(attrs...)...)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
		IsExcluded: func(err error) bool {
			return err != nil && !isFailure(err)
		},
	})
	return b
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn unless the breaker rejects the call with ErrOpen.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State reports the current position.
func (b *Breaker) State() State {
	return mapState(b.cb.State())
}

// Failures reports the current run of consecutive failures.
func (b *Breaker) Failures() int {
	return int(b.cb.Counts().ConsecutiveFailures)
}

// Call runs fn through b and returns its value.
func Call[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var out T
	err := b.Execute(func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
