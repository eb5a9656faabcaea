package credential

import (
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinPasswordLength is the minimum required password length
	MinPasswordLength = 8
	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12
)

// PasswordViolation represents a specific password policy failure
type PasswordViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidatePassword checks a password against the complexity policy and
// returns every rule it breaks.
func ValidatePassword(password string) []PasswordViolation {
	var violations []PasswordViolation
	add := func(msg string) {
		violations = append(violations, PasswordViolation{Field: "password", Message: msg})
	}

	if len(password) < MinPasswordLength {
		add("Password must be at least 8 characters long")
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsDigit(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	if !hasUpper {
		add("Password must contain at least one uppercase letter")
	}
	if !hasLower {
		add("Password must contain at least one lowercase letter")
	}
	if !hasNumber {
		add("Password must contain at least one number")
	}
	if !hasSpecial {
		add("Password must contain at least one special character")
	}
	return violations
}

// Hasher is the salted one-way password hash primitive
type Hasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// BcryptHasher implements Hasher with bcrypt
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a hasher with the given cost; zero selects BcryptCost
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost == 0 {
		cost = BcryptCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (h *BcryptHasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
