package account

import (
	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost is the bcrypt cost used by NewPasswordHasher.
const DefaultBcryptCost = 12

// PasswordHasher hashes and verifies passwords with bcrypt.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher returns a hasher using cost, or DefaultBcryptCost when
// cost is outside bcrypt's range.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash returns the bcrypt hash of password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// Verify reports whether password matches hash.
func (h *PasswordHasher) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
