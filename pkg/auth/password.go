package auth

import (
	"errors"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword validates a password against a bcrypt hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

const minPasswordLength = 10

var (
	errPasswordTooShort  = errors.New("password must be at least 10 characters")
	errPasswordNoUpper   = errors.New("password must contain an uppercase letter")
	errPasswordNoLower   = errors.New("password must contain a lowercase letter")
	errPasswordNoDigit   = errors.New("password must contain a digit")
	errPasswordNoSpecial = errors.New("password must contain a special character")
)

// ValidatePassword enforces a minimum complexity bar before hashing.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return errPasswordTooShort
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSpecial = true
		}
	}
	switch {
	case !hasUpper:
		return errPasswordNoUpper
	case !hasLower:
		return errPasswordNoLower
	case !hasDigit:
		return errPasswordNoDigit
	case !hasSpecial:
		return errPasswordNoSpecial
	}
	return nil
}
