package core

import (
	"fmt"
	"log/slog"
	"mime"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"bulkmail/internal/types"
)

// Validator wraps go-playground/validator with the email request rules.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// ValidationError describes one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult separates blocking errors from advisory warnings.
type ValidationResult struct {
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// IsValid reports whether no blocking errors were found.
func (r ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// NewValidator creates a Validator and registers the custom tags:
//   - recipients_present: struct rule on EmailRequest, at least one id list set
//   - media_type: value parses as a MIME media type
//
// Field names in errors use the json tag so they match the request body.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("media_type", validateMediaType)
	v.RegisterStructValidation(validateRecipientsPresent, types.EmailRequest{})

	return &Validator{
		validate: v,
		logger:   logger,
	}
}

// ValidateStruct returns nil or an *types.AppError whose Details carry the
// full list under "validation_errors". The code is validation_no_recipients
// when that rule failed, otherwise the code of the first failure.
func (v *Validator) ValidateStruct(s any) error {
	result := v.ValidateStructWithWarnings(s)
	if result.IsValid() {
		return nil
	}

	code := types.ErrorCode(result.Errors[0].Code)
	for _, e := range result.Errors {
		if e.Code == string(types.ErrCodeValidationNoRecipients) {
			code = types.ErrCodeValidationNoRecipients
			break
		}
	}

	return types.NewAppErrorWithDetails(
		code,
		result.Errors[0].Message,
		nil,
		map[string]any{"validation_errors": result.Errors},
	)
}

// ValidateStructWithWarnings runs validation and collects every failure.
func (v *Validator) ValidateStructWithWarnings(s any) ValidationResult {
	var result ValidationResult

	err := v.validate.Struct(s)
	if err == nil {
		return result
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		// InvalidValidationError: a programming error such as passing nil.
		v.logger.Error("validator misuse", "error", err)
		result.Errors = append(result.Errors, ValidationError{
			Field:   "",
			Code:    string(types.ErrCodeValidationFailed),
			Message: "request could not be validated",
		})
		return result
	}

	for _, fe := range verrs {
		result.Errors = append(result.Errors, ValidationError{
			Field:   fieldPath(fe),
			Code:    string(tagToErrorCode(fe.Tag())),
			Message: messageFor(fe),
		})
	}
	return result
}

// tagToErrorCode maps a validator tag to the API error code.
func tagToErrorCode(tag string) types.ErrorCode {
	switch tag {
	case "required":
		return types.ErrCodeValidationMissingField
	case "recipients_present":
		return types.ErrCodeValidationNoRecipients
	default:
		return types.ErrCodeValidationFailed
	}
}

// fieldPath strips the root struct name from the namespace, so
// "EmailRequest.emailContent.subject" becomes "emailContent.subject".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func messageFor(fe validator.FieldError) string {
	field := fieldPath(fe)
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "recipients_present":
		return "at least one of artistIds or applicationIds must be provided"
	case "uuid":
		return fmt.Sprintf("%s must be a UUID", field)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "base64":
		return fmt.Sprintf("%s must be base64 encoded", field)
	case "media_type":
		return fmt.Sprintf("%s must be a MIME type", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func validateMediaType(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(value)
	return err == nil && strings.Contains(mt, "/")
}

func validateRecipientsPresent(sl validator.StructLevel) {
	req := sl.Current().Interface().(types.EmailRequest)
	if len(req.ArtistIDs) == 0 && len(req.ApplicationIDs) == 0 {
		sl.ReportError(req.ArtistIDs, "artistIds", "ArtistIDs", "recipients_present", "")
	}
}
