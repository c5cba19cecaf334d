// Package validation provides input validation helpers and request-size limits.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lodgely/lodgely/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text string fields
const MaxStringLength = 10000

// idPattern matches the identifiers we mint and accept: a short prefix,
// an underscore, then hex or uuid-ish characters.
var idPattern = regexp.MustCompile(`^[a-z]{2,10}_[a-zA-Z0-9-]{4,64}$`)

// RequestSizeMiddleware limits the request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s looks like one of our prefixed identifiers
// (bk_..., pay_..., dsp_..., lock_...).
func IsValidID(s string) bool {
	return idPattern.MatchString(s)
}

// SanitizeString trims and truncates a free-text field, dropping control
// characters that have no business in notes or reasons.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if r < 32 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of field errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = fmt.Sprintf("%s: %s", ve.Field, ve.Message)
	}
	return strings.Join(parts, "; ")
}

// Validate runs the given validators and collects any failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a string field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks that a field holds a well-formed prefixed identifier.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidID(value) {
			return &ValidationError{Field: field, Message: "is not a valid identifier"}
		}
		return nil
	}
}

// MaxLength checks a string field's length.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("exceeds maximum length of %d", max)}
		}
		return nil
	}
}

// ValidAmount checks that a field parses as a non-negative decimal amount
// with at most two fractional digits.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, ok := money.Parse(value); !ok {
			return &ValidationError{Field: field, Message: "is not a valid amount"}
		}
		return nil
	}
}

// PositiveCents checks that an already-parsed amount is strictly positive.
func PositiveCents(field string, v money.Cents) func() *ValidationError {
	return func() *ValidationError {
		if v <= 0 {
			return &ValidationError{Field: field, Message: "must be positive"}
		}
		return nil
	}
}
