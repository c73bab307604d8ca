package validation

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	emailPattern      = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	verificationCode  = regexp.MustCompile(`^[0-9]{4,8}$`)
	hasUpper          = regexp.MustCompile(`[A-Z]`)
	hasDigit          = regexp.MustCompile(`[0-9]`)
	passwordMinLength = 8
)

type LoginForm struct {
	Email    string `json:"email" validate:"required,useremail"`
	Password string `json:"password" validate:"required"`
}

type RegisterForm struct {
	Name            string `json:"name" validate:"required"`
	Email           string `json:"email" validate:"required,useremail"`
	Password        string `json:"password" validate:"required,min=8"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,min=8,eqfield=Password"`
	Category        string `json:"category" validate:"required,oneof=photographer makeup developer tutor"`
}

type VerifyForm struct {
	Email string `json:"email" validate:"omitempty,useremail"`
	Code  string `json:"code" validate:"required,vcode"`
}

type EmailForm struct {
	Email string `json:"email" validate:"required,useremail"`
}

type ResetPasswordForm struct {
	Email           string `json:"email" validate:"required,useremail"`
	Token           string `json:"token" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=NewPassword"`
}

// Validator wraps the go-playground validator with the form rules of the
// marketplace pages.
type Validator struct {
	validator *validator.Validate
}

func New() *Validator {
	validate := validator.New()

	_ = validate.RegisterValidation("useremail", func(fl validator.FieldLevel) bool {
		return emailPattern.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("vcode", func(fl validator.FieldLevel) bool {
		return verificationCode.MatchString(fl.Field().String())
	})

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{validator: validate}
}

// Validate checks a form struct and returns *Error on failure.
func (v *Validator) Validate(form any) error {
	err := v.validator.Struct(form)
	if err == nil {
		return nil
	}
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	return newError(errs)
}

// Error holds one message per offending field.
type Error struct {
	Fields map[string]string `json:"errors"`
	first  string
}

func (e *Error) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, e.Fields[k])
	}
	return strings.Join(msgs, "; ")
}

// First returns the message of the first offending field in form order, the
// one a page shows inline.
func (e *Error) First() string {
	return e.first
}

func newError(errs validator.ValidationErrors) *Error {
	out := &Error{Fields: make(map[string]string, len(errs))}
	for i, fe := range errs {
		msg := message(fe)
		out.Fields[fe.Field()] = msg
		if i == 0 {
			out.first = msg
		}
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "Please fill in all required fields"
	case "useremail":
		return "Please enter a valid email address"
	case "min":
		if fe.Field() == "confirmPassword" {
			return fmt.Sprintf("Confirm password must be at least %s characters long", fe.Param())
		}
		return fmt.Sprintf("Password must be at least %s characters long", fe.Param())
	case "eqfield":
		return "Passwords do not match!"
	case "oneof":
		return "Please select a valid category"
	case "vcode":
		return "Please enter the verification code from your email"
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

type PasswordStrength int

const (
	PasswordWeak PasswordStrength = iota
	PasswordMedium
	PasswordStrong
)

func (p PasswordStrength) String() string {
	switch p {
	case PasswordStrong:
		return "strong"
	case PasswordMedium:
		return "medium"
	default:
		return "weak"
	}
}

// Strength grades a password the way the registration page hints it.
func Strength(password string) PasswordStrength {
	switch {
	case len(password) >= passwordMinLength && hasUpper.MatchString(password) && hasDigit.MatchString(password):
		return PasswordStrong
	case len(password) >= 6:
		return PasswordMedium
	default:
		return PasswordWeak
	}
}
