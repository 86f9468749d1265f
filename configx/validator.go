package configx

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidatorOption configures the validator.
type ValidatorOption func(*validator.Validate)

// NewValidator creates a new validator instance.
func NewValidator(opts ...ValidatorOption) *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var (
	defaultValidator     *validator.Validate
	defaultValidatorOnce sync.Once
)

// ValidateStruct validates a struct using validator tags. A nil v uses a
// shared default validator.
func ValidateStruct(v *validator.Validate, target any) error {
	if v == nil {
		defaultValidatorOnce.Do(func() { defaultValidator = NewValidator() })
		v = defaultValidator
	}

	if err := v.Struct(target); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
