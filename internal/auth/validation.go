package auth

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/welldanyogia/authgate/internal/apperror"
	"github.com/welldanyogia/authgate/internal/credential"
	"github.com/welldanyogia/authgate/internal/sanitizer"
)

const maxNameLength = 100

var (
	validate = newValidator()
	text     = sanitizer.New()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest checks the struct tags of req and, when passwordField is
// set, the password policy for that field's value.
func validateRequest(req interface{}, passwordField, password string) error {
	details := make(map[string][]string)

	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			details[fe.Field()] = append(details[fe.Field()], fieldMessage(fe))
		}
	}

	if passwordField != "" && len(details[passwordField]) == 0 {
		for _, v := range credential.ValidatePassword(password) {
			details[passwordField] = append(details[passwordField], v.Message)
		}
	}

	if len(details) > 0 {
		return validationError(details)
	}
	return nil
}

func validationError(details map[string][]string) error {
	return apperror.Validation("Request validation failed", details)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "numeric":
		return "must contain only digits"
	case "gte", "lte":
		return "is out of range"
	case "hexadecimal":
		return "is malformed"
	}
	return "is invalid"
}

// sanitizeName strips markup from a display name
func sanitizeName(s string) string {
	return text.Text(s, maxNameLength)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
