package registrar

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrPassphraseMismatch is returned by PassphraseHasher.Verify on mismatch
var ErrPassphraseMismatch = errors.New("passphrase mismatch")

// PassphraseHasher hashes client passphrases for storage and verifies
// presented passphrases against a stored hash in constant time.
type PassphraseHasher interface {
	Hash(passphrase []byte) ([]byte, error)
	Verify(passphrase, hash []byte) error
}

// BcryptHasher hashes passphrases with bcrypt. Passphrases longer than 72
// bytes are rejected by bcrypt.
type BcryptHasher struct {
	// Cost is the bcrypt cost, bcrypt.DefaultCost when zero
	Cost int
}

// Hash implements PassphraseHasher
func (h BcryptHasher) Hash(passphrase []byte) ([]byte, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword(passphrase, cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash passphrase: %w", err)
	}
	return hash, nil
}

// Verify implements PassphraseHasher
func (h BcryptHasher) Verify(passphrase, hash []byte) error {
	if err := bcrypt.CompareHashAndPassword(hash, passphrase); err != nil {
		return ErrPassphraseMismatch
	}
	return nil
}

// dummyHash is compared against when a client is unknown or public, so
// every Check costs one bcrypt comparison and timing does not reveal which
// case applied. bcrypt hash of "test".
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")
