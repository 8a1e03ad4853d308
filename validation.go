package auth

import (
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"
)

// ValidationError is a user input problem detected before any network call.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s", e.Field)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

var fieldMessages = map[string]string{
	"email":    "Please enter a valid email address.",
	"password": "Please enter your password.",
	"phone":    "Please enter a valid phone number.",
	"profile":  "There is nothing to update.",
}

// Credentials is an email/password pair.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate implements validation.Validatable for sign-in.
func (c Credentials) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&c.Password, validation.Required, validation.Length(1, 72)),
	)
}

// SignUpCredentials applies the stricter password rules used on sign-up.
type SignUpCredentials Credentials

// Validate implements validation.Validatable for sign-up.
func (c SignUpCredentials) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&c.Password, validation.Required, validation.Length(8, 72)),
	)
}

func validateCredentials(v validation.Validatable, order ...string) error {
	err := v.Validate()
	if err == nil {
		return nil
	}
	errs, ok := err.(validation.Errors)
	if !ok {
		return &ValidationError{Field: "input", Message: msgGeneric, Err: err}
	}
	for _, field := range order {
		if ferr, ok := errs[field]; ok && ferr != nil {
			msg := fieldMessages[field]
			if field == "password" && strings.Contains(ferr.Error(), "length") {
				msg = "Password must be between 8 and 72 characters."
			}
			return &ValidationError{Field: field, Message: msg, Err: ferr}
		}
	}
	return &ValidationError{Field: "input", Message: msgGeneric, Err: err}
}

func validateEmail(email string) error {
	if err := validation.Validate(email, validation.Required, is.Email); err != nil {
		return &ValidationError{Field: "email", Message: fieldMessages["email"], Err: err}
	}
	return nil
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DefaultPhoneRegion is used when a phone number has no country prefix.
var DefaultPhoneRegion = "US"

// normalizeProfileData validates a profile update payload and rewrites an
// optional "phone" field to E.164.
func normalizeProfileData(data map[string]any) (map[string]any, error) {
	if len(data) == 0 {
		return nil, &ValidationError{Field: "profile", Message: fieldMessages["profile"]}
	}

	out := cloneMap(data)
	for k := range out {
		if strings.TrimSpace(k) == "" {
			return nil, &ValidationError{Field: "profile", Message: msgGeneric, Err: fmt.Errorf("empty key")}
		}
	}

	raw, ok := out["phone"]
	if !ok || raw == nil {
		return out, nil
	}
	phone, ok := raw.(string)
	if !ok {
		return nil, &ValidationError{Field: "phone", Message: fieldMessages["phone"], Err: fmt.Errorf("phone must be a string")}
	}
	if strings.TrimSpace(phone) == "" {
		delete(out, "phone")
		return out, nil
	}

	num, err := phonenumbers.Parse(phone, DefaultPhoneRegion)
	if err != nil {
		return nil, &ValidationError{Field: "phone", Message: fieldMessages["phone"], Err: err}
	}
	if !phonenumbers.IsValidNumber(num) {
		return nil, &ValidationError{Field: "phone", Message: fieldMessages["phone"], Err: fmt.Errorf("not a valid number")}
	}
	out["phone"] = phonenumbers.Format(num, phonenumbers.E164)
	return out, nil
}
