package dispatch

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// payloadValidator wraps go-playground/validator and reports the first failing field.
type payloadValidator struct {
	validator *validator.Validate
}

func newPayloadValidator() *payloadValidator {
	return &payloadValidator{validator: validator.New()}
}

func (v *payloadValidator) Validate(i any) error {
	if err := v.validator.Struct(i); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			fe := validationErrors[0]
			return &notify.ValidationError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("failed on '%s' validation", fe.Tag()),
			}
		}
		return fmt.Errorf("%w: %v", notify.ErrInvalidPayload, err)
	}
	return nil
}
