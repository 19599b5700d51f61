// Package validate holds the request payload checks the bridge runs
// before any upstream work happens. Everything here is pure: no I/O, no
// clock, so a rejection can never be mistaken for an upstream failure.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/evbridge/telebridge/internal/apierror"
)

const (
	// MaxUsernameLength bounds the credential username field.
	MaxUsernameLength = 256
	// MaxPasswordLength bounds the credential password field.
	MaxPasswordLength = 256
	// VINLength is the fixed length of a vehicle identification number.
	VINLength = 17
)

// Credentials is the login payload accepted on auth routes.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ValidateCredentials checks a decoded login payload. The username must look
// like an email address and both fields are length-bounded.
func ValidateCredentials(c Credentials) error {
	if c.Username == "" {
		return validationError("username cannot be empty")
	}
	if len(c.Username) > MaxUsernameLength {
		return validationError(fmt.Sprintf("username exceeds maximum length of %d characters", MaxUsernameLength))
	}
	if c.Password == "" {
		return validationError("password cannot be empty")
	}
	if len(c.Password) > MaxPasswordLength {
		return validationError(fmt.Sprintf("password exceeds maximum length of %d characters", MaxPasswordLength))
	}
	if !IsValidEmail(c.Username) {
		return validationError("username must be a valid email address")
	}
	return nil
}

// CredentialsBody decodes and validates a JSON credential payload.
func CredentialsBody(body []byte) error {
	var c Credentials
	if err := json.Unmarshal(body, &c); err != nil {
		return apierror.Wrap(apierror.KindValidation, apierror.CodeValidation, "request body is not valid JSON", err)
	}
	return ValidateCredentials(c)
}

// IsValidEmail applies the same loose shape check the login flow has
// always used. Full RFC 5322 parsing is deliberately out of scope.
func IsValidEmail(email string) bool {
	return strings.Contains(email, "@") && strings.Contains(email, ".")
}

// ValidateVIN checks a vehicle identification number: exactly 17
// characters, alphanumeric, and never I, O, or Q in either case.
func ValidateVIN(vin string) error {
	if vin == "" {
		return validationError("vin cannot be empty")
	}
	if len(vin) != VINLength {
		return validationError(fmt.Sprintf("vin must be exactly %d characters (got %d)", VINLength, len(vin)))
	}
	for _, r := range vin {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			if r == 'I' || r == 'O' || r == 'Q' || r == 'i' || r == 'o' || r == 'q' {
				return validationError(fmt.Sprintf("vin must not contain the letter %c", r))
			}
		default:
			return validationError(fmt.Sprintf("vin contains invalid character %q", r))
		}
	}
	return nil
}

// StringLength checks that len(value) is within [min, max].
func StringLength(value, fieldName string, min, max int) error {
	n := len(value)
	if n < min {
		return validationError(fmt.Sprintf("%s must be at least %d characters long (got %d)", fieldName, min, n))
	}
	if n > max {
		return validationError(fmt.Sprintf("%s must be at most %d characters long (got %d)", fieldName, max, n))
	}
	return nil
}

func validationError(msg string) error {
	return apierror.New(apierror.KindValidation, apierror.CodeValidation, msg)
}
