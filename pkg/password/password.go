package password

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"unicode"
)

// MinLength is the minimum accepted user password length.
const MinLength = 8

// ValidationError represents a password validation error
type ValidationError struct {
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Message)
}

// Validate checks that a user password meets the baseline requirements:
// minimum length plus at least one letter and one digit.
func Validate(password string) error {
	if len(password) < MinLength {
		return &ValidationError{
			Rule:    "Length",
			Message: fmt.Sprintf("Password must be at least %d characters long", MinLength),
		}
	}

	var hasLetter, hasNumber bool
	for _, char := range password {
		switch {
		case unicode.IsLetter(char):
			hasLetter = true
		case unicode.IsNumber(char):
			hasNumber = true
		}
	}

	if !hasLetter {
		return &ValidationError{Rule: "Letter", Message: "Password must contain at least one letter"}
	}
	if !hasNumber {
		return &ValidationError{Rule: "Number", Message: "Password must contain at least one number"}
	}

	return nil
}

// MaxUsernameLength is the maximum accepted username length.
const MaxUsernameLength = 64

// ValidateUsername checks that a username is safe to use as a store
// directory name: letters, digits, dot, underscore and hyphen only, and
// none of the reserved names.
func ValidateUsername(username string) error {
	if username == "" || len(username) > MaxUsernameLength {
		return &ValidationError{
			Rule:    "Length",
			Message: fmt.Sprintf("Username must be between 1 and %d characters long", MaxUsernameLength),
		}
	}
	if username == "." || username == ".." || username == "none" || username == "null" {
		return &ValidationError{Rule: "Reserved", Message: fmt.Sprintf("Username %q is reserved", username)}
	}
	for _, char := range username {
		switch {
		case unicode.IsLetter(char) && char < unicode.MaxASCII:
		case char >= '0' && char <= '9':
		case char == '.' || char == '_' || char == '-':
		default:
			return &ValidationError{
				Rule:    "Charset",
				Message: "Username may only contain letters, digits, '.', '_' and '-'",
			}
		}
	}
	return nil
}

// GenerateAuthSecret produces the random secret handed to a newly registered
// agent (64-character hex string). Only its hash is stored server-side.
func GenerateAuthSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate auth secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
