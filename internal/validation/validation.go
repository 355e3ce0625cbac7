// Package validation provides input validation helpers for the settlement API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

var (
	emailRegex  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	codeRegex   = regexp.MustCompile(`^[0-9]{6}$`)
	digitsRegex = regexp.MustCompile(`^[0-9]+$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEmail checks if a string looks like an email address.
func IsValidEmail(s string) bool {
	return emailRegex.MatchString(s)
}

// IsValidCode checks if a string is a 6-digit verification code.
func IsValidCode(s string) bool {
	return codeRegex.MatchString(s)
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs all validators and collects failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidEmail checks that a field is a well-formed email address.
// Empty values pass; combine with Required for required fields.
func ValidEmail(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidEmail(value) {
			return &ValidationError{Field: field, Message: "must be a valid email address"}
		}
		return nil
	}
}

// ValidCode checks that a field is a 6-digit numeric code.
func ValidCode(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidCode(value) {
			return &ValidationError{Field: field, Message: "must be a 6-digit code"}
		}
		return nil
	}
}

// ValidRole checks that a field is one of the two confirmation roles.
func ValidRole(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if value != "buyer" && value != "owner" {
			return &ValidationError{Field: field, Message: "must be buyer or owner"}
		}
		return nil
	}
}

// ValidAccountNumber checks that a field is a plausible bank account number.
func ValidAccountNumber(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if len(value) < 6 || len(value) > 20 || !digitsRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be 6-20 digits"}
		}
		return nil
	}
}

// PositiveAmount checks that an amount is strictly positive.
func PositiveAmount(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}
