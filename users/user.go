package users

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

const (
	maxCellPhoneLength = 20
	minPasswordLength  = 6
	// bcrypt rejects longer passwords
	maxPasswordLength = 72
)

// User is a registered account. The password hash is never serialized.
type User struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CellPhone    string    `json:"cellPhone"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ValidationError reports an invalid input field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// CreateInput is the payload of users.create
type CreateInput struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	CellPhone string `json:"cellPhone"`
}

// Normalize trims whitespace and lowercases the email
func (in *CreateInput) Normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.CellPhone = strings.TrimSpace(in.CellPhone)
}

// Validate checks every field of a new user
func (in CreateInput) Validate() error {
	if err := validateName(in.Name); err != nil {
		return err
	}
	if err := validateEmail(in.Email); err != nil {
		return err
	}
	if err := validatePassword(in.Password); err != nil {
		return err
	}
	return validateCellPhone(in.CellPhone)
}

// UpdateInput is the payload of users.update. Nil fields are left unchanged.
type UpdateInput struct {
	ID        int64   `json:"id"`
	Name      *string `json:"name,omitempty"`
	Email     *string `json:"email,omitempty"`
	Password  *string `json:"password,omitempty"`
	CellPhone *string `json:"cellPhone,omitempty"`
}

// Validate checks the fields that are present
func (in UpdateInput) Validate() error {
	if in.ID <= 0 {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if in.Name != nil {
		if err := validateName(strings.TrimSpace(*in.Name)); err != nil {
			return err
		}
	}
	if in.Email != nil {
		if err := validateEmail(strings.TrimSpace(*in.Email)); err != nil {
			return err
		}
	}
	if in.Password != nil {
		if err := validatePassword(*in.Password); err != nil {
			return err
		}
	}
	if in.CellPhone != nil {
		if err := validateCellPhone(strings.TrimSpace(*in.CellPhone)); err != nil {
			return err
		}
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	return nil
}

func validateEmail(email string) error {
	if email == "" {
		return &ValidationError{Field: "email", Reason: "is required"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return &ValidationError{Field: "email", Reason: "is not a valid address"}
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return &ValidationError{Field: "password", Reason: fmt.Sprintf("must have at least %d characters", minPasswordLength)}
	}
	if len(password) > maxPasswordLength {
		return &ValidationError{Field: "password", Reason: fmt.Sprintf("must have at most %d bytes", maxPasswordLength)}
	}
	return nil
}

func validateCellPhone(phone string) error {
	if phone == "" {
		return &ValidationError{Field: "cellPhone", Reason: "is required"}
	}
	if len(phone) > maxCellPhoneLength {
		return &ValidationError{Field: "cellPhone", Reason: fmt.Sprintf("must have at most %d characters", maxCellPhoneLength)}
	}
	return nil
}
