package credential

import (
	"testing"
	"unicode"

	"golang.org/x/crypto/bcrypt"
	"pgregory.net/rapid"
)

// Property: the number of violations equals the number of broken rules
func TestProperty_PasswordComplexityValidation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		password := rapid.StringN(0, 20, 20).Draw(t, "password")

		hasUpper, hasLower, hasNumber, hasSpecial := false, false, false, false
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

		expected := 0
		if len(password) < MinPasswordLength {
			expected++
		}
		for _, ok := range []bool{hasUpper, hasLower, hasNumber, hasSpecial} {
			if !ok {
				expected++
			}
		}

		if got := len(ValidatePassword(password)); got != expected {
			t.Errorf("expected %d violations, got %d", expected, got)
		}
	})
}

func TestValidatePassword_Accepts(t *testing.T) {
	if v := ValidatePassword("Passw0rd!"); len(v) != 0 {
		t.Fatalf("expected no violations, got %+v", v)
	}
}

func TestBcryptHasher_DefaultCost(t *testing.T) {
	h := NewBcryptHasher(0)
	if h.cost != BcryptCost {
		t.Fatalf("default cost = %d, want %d", h.cost, BcryptCost)
	}

	fast := NewBcryptHasher(bcrypt.MinCost)
	hash, err := fast.Hash("Passw0rd!")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := fast.Compare(hash, "Passw0rd!"); err != nil {
		t.Fatalf("compare: %v", err)
	}
	if err := fast.Compare(hash, "passw0rd!"); err == nil {
		t.Fatal("expected mismatch")
	}
}
