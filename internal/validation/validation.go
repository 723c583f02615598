// Package validation provides request field validation helpers.
package validation

import (
	"fmt"
	"strings"

	"github.com/mkowalski/marketpay/internal/money"
)

// MaxStringLength caps free-text fields.
const MaxStringLength = 2000

// FieldError describes a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a list of field errors.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Check is a single validation to run.
type Check func() *FieldError

// Validate runs all checks and collects failures.
func Validate(checks ...Check) Errors {
	var errs Errors
	for _, c := range checks {
		if fe := c(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// Required validates that a string field is non-empty.
func Required(field, value string) Check {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAmount validates a positive decimal amount in the given currency.
func ValidAmount(field, value string, cur money.Currency) Check {
	return func() *FieldError {
		v, err := money.Parse(value, cur)
		if err != nil {
			return &FieldError{Field: field, Message: "must be a decimal amount"}
		}
		if v <= 0 {
			return &FieldError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// ValidCurrency validates an ISO 4217 currency code.
func ValidCurrency(field, value string) Check {
	return func() *FieldError {
		if !money.Currency(value).Valid() {
			return &FieldError{Field: field, Message: "must be a 3-letter ISO currency code"}
		}
		return nil
	}
}

// MaxLen validates a bounded string length.
func MaxLen(field, value string, max int) Check {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: fmt.Sprintf("must be at most %d characters", max)}
		}
		return nil
	}
}

// SanitizeString trims whitespace and truncates to max length.
func SanitizeString(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) > max {
		s = s[:max]
	}
	return s
}
