package validators

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
)

// Checkout and usage bodies are a handful of fields.
const maxJSONBody = 16 << 10

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if tag, _, _ := strings.Cut(f.Tag.Get("json"), ","); tag != "" {
			return tag
		}
		return f.Name
	})
	// stripe_price accepts an empty value; required_without handles presence.
	_ = v.RegisterValidation("stripe_price", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || strings.HasPrefix(s, "price_")
	})
	return v
}

// DecodeJSONBody reads a single JSON object into dest and runs its validate
// tags. Errors are CodeValidation with per-field details.
func DecodeJSONBody(r *http.Request, dest any) error {
	body := io.LimitReader(r.Body, maxJSONBody+1)
	defer io.Copy(io.Discard, body)

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return invalidBody(err)
	}
	if dec.InputOffset() > maxJSONBody {
		return pkgerrors.New(pkgerrors.CodeValidation, "request body too large")
	}
	if dec.More() {
		return invalidBody(errors.New("unexpected data after JSON object"))
	}

	err := validate.Struct(dest)
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		details := make(map[string]string, len(fieldErrs))
		for _, fe := range fieldErrs {
			details[fe.Field()] = describe(fe)
		}
		return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(details)
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validation failed")
	}
	return nil
}

func invalidBody(err error) error {
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid request body").
		WithDetails(map[string]any{"error": err.Error()})
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "required_without":
		return fmt.Sprintf("is required when %s is absent", fe.Param())
	case "excluded_with":
		return fmt.Sprintf("cannot be combined with %s", fe.Param())
	case "stripe_price":
		return "must be a Stripe price id (price_...)"
	}
	return "is invalid"
}
