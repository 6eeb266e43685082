package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const (
	saltBytes  = 32
	bcryptCost = 12
)

// NewSalt returns a fresh hex-encoded 32-byte random salt.
func NewSalt() (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashPassword hashes a salted password with bcrypt at cost 12. When salt is
// empty a fresh one is generated; both the hash and the salt used are
// returned. The salt+password pair is pre-hashed with SHA-256 because bcrypt
// caps its input at 72 bytes.
func HashPassword(password, salt string) (hash, usedSalt string, err error) {
	if password == "" {
		return "", "", errors.New("password is empty")
	}
	if salt == "" {
		salt, err = NewSalt()
		if err != nil {
			return "", "", err
		}
	}
	sum := sha256.Sum256([]byte(salt + password))
	out, err := bcrypt.GenerateFromPassword(sum[:], bcryptCost)
	if err != nil {
		return "", "", err
	}
	return string(out), salt, nil
}

// VerifyPassword recomputes the salted digest and compares it against the
// stored hash in constant time.
func VerifyPassword(password, hash, salt string) bool {
	if password == "" || hash == "" {
		return false
	}
	sum := sha256.Sum256([]byte(salt + password))
	return bcrypt.CompareHashAndPassword([]byte(hash), sum[:]) == nil
}

// dummyHash is compared against when the account does not exist, so a miss
// costs the same as a wrong password.
var dummyHash = func() string {
	h, _, err := HashPassword("clubdesk-placeholder", "")
	if err != nil {
		panic(err)
	}
	return h
}()

// hashGate bounds concurrent bcrypt work so expensive hashing cannot stall
// the request-accepting path.
type hashGate chan struct{}

func newHashGate(n int) hashGate {
	if n <= 0 {
		n = 4
	}
	return make(hashGate, n)
}

func (g hashGate) acquire(ctx context.Context) error {
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g hashGate) release() { <-g }
