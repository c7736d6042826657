package validation

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"codemarket-backend/internal/domain"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

// Principal addresses: hex wallet addresses or other signer ids without whitespace.
var addressRe = regexp.MustCompile(`^[A-Za-z0-9:_\-.]{3,128}$`)

// Tags: lower-case words, digits, dots, dashes, plus and sharp (c++, c#).
var tagRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.+#\-]{0,31}$`)

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = validate.RegisterValidation("address", func(fl validator.FieldLevel) bool {
		return IsValidAddress(fl.Field().String())
	})
	_ = validate.RegisterValidation("tag", func(fl validator.FieldLevel) bool {
		return IsValidTag(fl.Field().String())
	})
}

func IsValidAddress(addr string) bool {
	return addressRe.MatchString(addr)
}

func IsValidTag(tag string) bool {
	return tagRe.MatchString(tag)
}

// FieldError is one failed rule, shaped for the error envelope details.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// Error is a validation failure carrying per-field details.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Message)
	}
	return strings.Join(msgs, "; ")
}

// Struct validates s and returns a domain validation error wrapping *Error on failure.
func Struct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return &domain.Error{Kind: domain.KindValidation, Message: err.Error(), Err: err}
	}
	out := &Error{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: message(fe),
		})
	}
	return &domain.Error{Kind: domain.KindValidation, Message: out.Error(), Err: out}
}

// Details extracts the per-field failures from err, if any.
func Details(err error) []FieldError {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Fields
	}
	return nil
}

func message(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return e.Field() + " is required"
	case "min":
		if e.Kind() == reflect.String {
			return e.Field() + " must be at least " + e.Param() + " characters"
		}
		return e.Field() + " must be at least " + e.Param()
	case "max":
		if e.Kind() == reflect.String {
			return e.Field() + " must be at most " + e.Param() + " characters"
		}
		return e.Field() + " must be at most " + e.Param()
	case "address":
		return e.Field() + " is not a valid address"
	case "tag":
		return e.Field() + " contains an invalid tag"
	case "oneof":
		return e.Field() + " must be one of " + e.Param()
	default:
		return e.Field() + " is invalid"
	}
}
