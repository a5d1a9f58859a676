package credentials

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"

	"github.com/Skotchmaster/identity/internal/domain"
)

// Policy lists the password requirements checked before hashing.
type Policy struct {
	MinLength       int
	RequireDigit    bool
	RequireLower    bool
	RequireUpper    bool
	RequireNonAlnum bool
}

func DefaultPolicy() Policy {
	return Policy{MinLength: 5, RequireDigit: true, RequireLower: true, RequireUpper: true}
}

func (p Policy) Check(password string) error {
	var missing []string
	if utf8.RuneCountInString(password) < p.MinLength {
		missing = append(missing, fmt.Sprintf("at least %d characters", p.MinLength))
	}

	var digit, lower, upper, other bool
	for _, r := range password {
		switch {
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case !unicode.IsLetter(r):
			other = true
		}
	}
	if p.RequireDigit && !digit {
		missing = append(missing, "a digit")
	}
	if p.RequireLower && !lower {
		missing = append(missing, "a lowercase letter")
	}
	if p.RequireUpper && !upper {
		missing = append(missing, "an uppercase letter")
	}
	if p.RequireNonAlnum && !other {
		missing = append(missing, "a non-alphanumeric character")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: requires %s", domain.ErrPasswordPolicy, strings.Join(missing, ", "))
	}
	return nil
}

const usernameExtra = "-._@+"

func validUsername(fl validator.FieldLevel) bool {
	for _, r := range fl.Field().String() {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune(usernameExtra, r) {
			return false
		}
	}
	return true
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("username", validUsername)
	return v
}

type userInput struct {
	Username  string `validate:"required,max=256,username"`
	FirstName string `validate:"max=256"`
	LastName  string `validate:"max=256"`
}

// inputError names the first offending field of a failed userInput check.
func inputError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if fe.Field() == "Username" {
				return domain.ErrInvalidUsername
			}
		}
		return domain.ErrInvalidName
	}
	return domain.ErrValidation
}

type roleInput struct {
	Name string `validate:"required,max=256"`
}

// Normalize folds s for case-insensitive comparison. A Caser is not safe for
// concurrent use, so a fresh one is built per call.
func Normalize(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
