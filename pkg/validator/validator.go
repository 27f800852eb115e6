// Package validator wraps go-playground/validator for request structs.
package validator

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := &Validator{
		validate: validator.New(),
	}
	v.registerCustomValidations()
	return v
}

func (v *Validator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMessages []string
			for _, e := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"Field '%s' failed validation '%s'",
					e.Field(),
					e.Tag(),
				))
			}
			return fmt.Errorf("validation failed: %v", errMessages)
		}
		return err
	}
	return nil
}

func (v *Validator) registerCustomValidations() {
	// Addresses are opaque lowercase identifiers, not emails or UUIDs.
	_ = v.validate.RegisterValidation("ledger_address", func(fl validator.FieldLevel) bool {
		addr := strings.TrimSpace(fl.Field().String())
		if addr == "" || len(addr) > 128 {
			return false
		}
		for _, r := range addr {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= '0' && r <= '9':
			case r == '-' || r == '_' || r == ':' || r == '.':
			default:
				return false
			}
		}
		return true
	})
}
