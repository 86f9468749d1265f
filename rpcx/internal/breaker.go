// Package internal contains the publish path shared by rpcx backends.
package internal

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/utils"
)

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	Name             string
	CircuitThreshold uint32        // consecutive failures that open the breaker (default 5)
	OpenTimeout      time.Duration // time the breaker stays open (default 30s)
	Retry            utils.RetryConfig
}

// Publisher runs publish operations through retry and a circuit breaker.
// Once the breaker is open, publishes fail fast with CodeUnavailable until
// the open timeout elapses.
type Publisher struct {
	cb    *gobreaker.CircuitBreaker
	retry utils.RetryConfig
}

// NewPublisher creates a publisher.
func NewPublisher(opts PublisherOptions) *Publisher {
	if opts.CircuitThreshold == 0 {
		opts.CircuitThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = utils.DefaultRetryConfig()
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = Transient
	}
	threshold := opts.CircuitThreshold

	return &Publisher{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        opts.Name,
			MaxRequests: 1,
			Timeout:     opts.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !Transient(err)
			},
		}),
		retry: opts.Retry,
	}
}

// Publish calls fn with retries inside the breaker.
func (p *Publisher) Publish(ctx context.Context, fn func() error) error {
	_, err := p.cb.Execute(func() (interface{}, error) {
		return nil, utils.Retry(ctx, p.retry, fn)
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Wrap(errors.CodeUnavailable, "rpcx.Publish", err)
	}
	return err
}

// State returns the breaker state name: closed, half-open or open.
func (p *Publisher) State() string {
	return p.cb.State().String()
}

// Transient reports whether a publish error is worth retrying. Invalid
// messages and cancelled contexts are not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch errors.CodeOf(err) {
	case errors.CodeInvalidArgument, errors.CodeNotFound, errors.CodeUnimplemented:
		return false
	}
	return true
}
