package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-auth-gateway/internal/domain"
	"github.com/go-playground/validator/v10"
)

// MinPasswordLength mirrors the identity pool policy the service replaced.
const MinPasswordLength = 8

const maxPasswordLength = 256

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// v is the package-level singleton validator. Custom tags are registered in
// init() before the first call to Struct.
var v = validator.New()

func init() {
	if err := v.RegisterValidation("password_policy", func(fl validator.FieldLevel) bool {
		return PasswordPolicy(fl.Field().String()) == nil
	}); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("tenant_attr", func(fl validator.FieldLevel) bool {
		_, ok := domain.AllowedAttributes[fl.Field().String()]
		return ok
	}); err != nil {
		panic(err)
	}
}

// Struct validates the given struct using its validate tags.
// Returns a human-readable error wrapping domain.ErrValidation, or nil.
func Struct(s interface{}) error {
	if err := v.Struct(s); err != nil {
		ve, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("%s: %w", err.Error(), domain.ErrValidation)
		}
		var msgs []string
		for _, fe := range ve {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%s: %w", strings.Join(msgs, "; "), domain.ErrValidation)
	}
	return nil
}

// PasswordPolicy requires at least 8 characters with a digit, a lower-case
// letter, an upper-case letter and a symbol.
func PasswordPolicy(p string) error {
	// Minimum counts characters; maximum caps bytes fed to the KDF.
	if utf8.RuneCountInString(p) < MinPasswordLength || len(p) > maxPasswordLength {
		return fmt.Errorf("password must be %d-%d characters: %w", MinPasswordLength, maxPasswordLength, domain.ErrValidation)
	}
	var digit, lower, upper, symbol bool
	for _, r := range p {
		switch {
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if !digit || !lower || !upper || !symbol {
		return fmt.Errorf("password requires a digit, lower, upper and symbol character: %w", domain.ErrValidation)
	}
	return nil
}

// TenantID checks the tenant identifier carried in request headers.
func TenantID(id string) error {
	if !tenantIDPattern.MatchString(id) {
		return fmt.Errorf("invalid tenant id: %w", domain.ErrValidation)
	}
	return nil
}

// NormalizeEmail lower-cases and trims an address; sign-in is case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
