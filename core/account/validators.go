package account

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/trezcool/shule/core"
)

var (
	roleTag  = "role"
	roleText = "role must be one of learner, instructor, guardian or administrator"

	statusTag  = "approval"
	statusText = "status must be one of pending, approved or rejected"

	errInvalidPassword = errors.New("invalid password")

	// password policy
	pwdMinLen     = 8
	pwdMinLenText = fmt.Sprintf("password must contain at least %d characters", pwdMinLen)

	pwdNoSpaceText = "password must not contain whitespace"

	pwdNotAllNumText = "password cannot be entirely numeric"

	pwdComplexityText = "password must contain at least 1 uppercase character, 1 lowercase character, 1 digit and 1 special character"
	specialRegex      = regexp.MustCompile("[^A-Za-z0-9]")

	pwdMaxSim      = .7
	pwdAttrSimText = "password cannot be similar to the account name or email"
)

// InitValidators registers the account validation tags.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(roleTag, roleValidation)
	core.RegisterCustomTranslation(validate, translator, roleTag, roleText)

	_ = validate.RegisterValidation(statusTag, statusValidation)
	core.RegisterCustomTranslation(validate, translator, statusTag, statusText)
}

// Custom Validators

func roleValidation(fl validator.FieldLevel) bool {
	return Role(fl.Field().String()).Valid()
}

func statusValidation(fl validator.FieldLevel) bool {
	return ApprovalStatus(fl.Field().String()).Valid()
}

// ValidatePassword applies the password policy to a password chosen by a person:
// - minLen: 8
// - no whitespace
// - no all numeric
// - complexity: 1 upper, 1 lower, 1 digit, 1 special
// - no similarity with attrs (name, email)
//
// Generated credentials are not subject to it.
func ValidatePassword(pwd string, attrs ...string) error {
	fail := func(text string) error {
		return core.NewValidationError(errInvalidPassword, core.FieldError{Field: "password", Error: text})
	}

	var (
		digitCount         int
		hasUpper, hasLower bool
	)

	pwdLen := len([]rune(pwd))
	if pwdLen < pwdMinLen {
		return fail(pwdMinLenText)
	}
	for _, char := range pwd {
		if unicode.IsSpace(char) {
			return fail(pwdNoSpaceText)
		}
		if unicode.IsDigit(char) {
			digitCount++
		}
		if !hasUpper && unicode.IsUpper(char) {
			hasUpper = true
		}
		if !hasLower && unicode.IsLower(char) {
			hasLower = true
		}
	}

	if digitCount == pwdLen {
		return fail(pwdNotAllNumText)
	}

	if !(hasUpper && hasLower && digitCount > 0 && specialRegex.MatchString(pwd)) {
		return fail(pwdComplexityText)
	}

	lpwd := strings.ToLower(pwd)
	for _, attr := range attrs {
		attr = strings.ToLower(attr)
		if attr == "" {
			continue
		}
		ratio := difflib.NewMatcher(strings.Split(lpwd, ""), strings.Split(attr, "")).QuickRatio()
		if ratio >= pwdMaxSim {
			return fail(pwdAttrSimText)
		}
	}
	return nil
}
