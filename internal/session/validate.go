package session

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"famsave.org/internal/apperr"
)

const (
	minPasswordBytes = 8
	// bcrypt ignores input past 72 bytes.
	maxPasswordBytes = 72
	maxNameRunes     = 120
	maxEmailBytes    = 254
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

func invalid(msg string) error {
	return apperr.New(apperr.Validation, msg)
}

func validateEmail(email string) error {
	if email == "" {
		return invalid("email is required")
	}
	if len(email) > maxEmailBytes {
		return invalid("email is too long")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return invalid("email is invalid")
	}
	return nil
}

func validatePassword(password string) error {
	switch {
	case password == "":
		return invalid("password is required")
	case len(password) < minPasswordBytes:
		return invalid("password must be at least 8 characters")
	case len(password) > maxPasswordBytes:
		return invalid("password must be at most 72 bytes")
	}
	return nil
}

func validateRegister(in *RegisterInput) error {
	in.FullName = strings.TrimSpace(in.FullName)
	in.PhoneNumber = strings.TrimSpace(in.PhoneNumber)
	if in.FullName == "" {
		return invalid("fullName is required")
	}
	if utf8.RuneCountInString(in.FullName) > maxNameRunes {
		return invalid("fullName is too long")
	}
	if err := validateEmail(in.Email); err != nil {
		return err
	}
	if err := validatePassword(in.Password); err != nil {
		return err
	}
	if in.PhoneNumber != "" && !e164.MatchString(in.PhoneNumber) {
		return invalid("phoneNumber must be in E.164 format")
	}
	return nil
}
