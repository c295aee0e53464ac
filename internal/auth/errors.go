package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenExpired is returned for a well-formed, correctly signed token
	// whose expiry has passed.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid covers every other token failure. The more specific
	// errors below all match it with errors.Is.
	ErrTokenInvalid = errors.New("auth: token invalid")

	ErrTokenSignature  = fmt.Errorf("%w: bad signature", ErrTokenInvalid)
	ErrTokenMalformed  = fmt.Errorf("%w: malformed", ErrTokenInvalid)
	ErrTokenRevoked    = fmt.Errorf("%w: revoked", ErrTokenInvalid)
	ErrAccountNotFound = fmt.Errorf("%w: account not found", ErrTokenInvalid)

	ErrEmptyPassword = errors.New("auth: password is empty")
)
