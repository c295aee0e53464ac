package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// dummyPassword seeds the digest compared against when an account does not
// exist. Its value is irrelevant.
const dummyPassword = "famsave-timing-equalizer"

// Hasher produces and checks bcrypt password digests.
type Hasher struct {
	cost  int
	dummy []byte
}

// NewHasher returns a Hasher for cost, clamped to bcrypt's supported range.
func NewHasher(cost int) (*Hasher, error) {
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(dummyPassword), cost)
	if err != nil {
		return nil, err
	}
	return &Hasher{cost: cost, dummy: dummy}, nil
}

// Hash hashes a plaintext password.
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) == 0 {
		return "", ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify reports whether password matches hash. A mismatch is (false, nil);
// an unusable digest is an error.
func (h *Hasher) Verify(hash, password string) (bool, error) {
	if hash == "" {
		return false, errors.New("auth: password hash is empty")
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}

// DummyVerify spends the same work as Verify against a digest no password
// can match. Call it when the account is unknown.
func (h *Hasher) DummyVerify(password string) {
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
}
