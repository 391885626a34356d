package gateway

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"cohort.app/auth/internal/core/domain"
)

// signInInput is checked before the provider is contacted
type signInInput struct {
	Identifier string
	Secret     string
}

func (in signInInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Identifier, validation.Required, validation.Length(1, 320)),
		validation.Field(&in.Secret, validation.Required, validation.Length(1, 1024)),
	)
}

type resetInput struct {
	Email string
}

func (in resetInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, validation.Length(3, 320), is.Email),
	)
}

type passwordInput struct {
	Secret string
}

func (in passwordInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Secret, validation.Required, validation.Length(6, 1024)),
	)
}

// validate wraps ozzo errors so callers can match domain.ErrValidation and
// still render the per-field messages
func validate(v validation.Validatable) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	return nil
}
