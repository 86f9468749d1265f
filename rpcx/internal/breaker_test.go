package internal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/utils"
)

func fastPublisher(threshold uint32) *Publisher {
	return NewPublisher(PublisherOptions{
		Name:             "test",
		CircuitThreshold: threshold,
		OpenTimeout:      time.Hour,
		Retry: utils.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
			Multiplier:  1,
		},
	})
}

func TestPublisher_RetriesTransient(t *testing.T) {
	p := fastPublisher(5)
	calls := 0
	err := p.Publish(context.Background(), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "closed", p.State())
}

func TestPublisher_NoRetryOnPermanent(t *testing.T) {
	p := fastPublisher(1)
	calls := 0
	err := p.Publish(context.Background(), func() error {
		calls++
		return errors.New(errors.CodeInvalidArgument, "bad message")
	})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
	assert.Equal(t, 1, calls)
	// Permanent errors do not count against the breaker.
	assert.Equal(t, "closed", p.State())
}

func TestPublisher_Opens(t *testing.T) {
	p := fastPublisher(2)
	failing := func() error { return fmt.Errorf("broker down") }

	for i := 0; i < 2; i++ {
		assert.Error(t, p.Publish(context.Background(), failing))
	}
	assert.Equal(t, "open", p.State())

	calls := 0
	err := p.Publish(context.Background(), func() error { calls++; return nil })
	assert.True(t, errors.IsCode(err, errors.CodeUnavailable))
	assert.Zero(t, calls)
}

func TestTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", fmt.Errorf("eof"), true},
		{"unavailable", errors.New(errors.CodeUnavailable, "x"), true},
		{"invalid", errors.New(errors.CodeInvalidArgument, "x"), false},
		{"not found", errors.New(errors.CodeNotFound, "x"), false},
		{"unimplemented", errors.New(errors.CodeUnimplemented, "x"), false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Transient(tt.err))
		})
	}
}
