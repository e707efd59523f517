package httpx

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Bind decodes the JSON body into target and runs its `validate` struct tags.
// Failures are returned as *shared.ValidationError naming the first bad field.
func Bind(r *http.Request, target any) error {
	if err := DecodeJSON(r, target); err != nil {
		return shared.NewValidationError(shared.KindInvalidField, "", "malformed request body: "+err.Error())
	}
	return Validate(target)
}

// Validate runs the struct tags of v.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		field := strings.ToLower(fe.Field())
		return shared.NewValidationError(shared.KindInvalidField, field, field+" failed "+fe.Tag()+" check")
	}
	return shared.NewValidationError(shared.KindInvalidField, "", err.Error())
}
