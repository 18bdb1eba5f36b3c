package security

import "testing"

func TestPasswordHashing(t *testing.T) {
	passwords := []string{
		"simplepassword",
		"ComplexP@ssw0rd!",
		"very_long_password_with_many_characters_123456789",
		"短密码",
	}

	for _, password := range passwords {
		hash, err := HashPassword(password)
		if err != nil {
			t.Errorf("failed to hash password %q: %v", password, err)
			continue
		}

		if hash == password {
			t.Errorf("hashed password should not equal original password")
		}
		if !VerifyPassword(password, hash) {
			t.Errorf("password verification failed for %q", password)
		}
		if VerifyPassword(password+"wrong", hash) {
			t.Errorf("wrong password should not verify for %q", password)
		}
	}
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	if _, err := HashPassword(""); err == nil {
		t.Error("expected error hashing empty password")
	}
}

func TestTokenGeneration(t *testing.T) {
	tokenLengths := []int{16, 32, 64, 128}

	for _, length := range tokenLengths {
		token, err := GenerateSecureToken(length)
		if err != nil {
			t.Errorf("failed to generate token of length %d: %v", length, err)
			continue
		}

		expectedHexLength := length * 2
		if len(token) != expectedHexLength {
			t.Errorf("expected token length %d, got %d", expectedHexLength, len(token))
		}

		token2, err := GenerateSecureToken(length)
		if err != nil {
			t.Errorf("failed to generate second token: %v", err)
			continue
		}
		if token == token2 {
			t.Errorf("generated tokens should be different")
		}
	}
}

func TestGenerateSecureTokenRejectsNonPositiveLength(t *testing.T) {
	if _, err := GenerateSecureToken(0); err == nil {
		t.Error("expected error for zero length")
	}
	if _, err := GenerateSecureToken(-1); err == nil {
		t.Error("expected error for negative length")
	}
}

func TestSecureHeaders(t *testing.T) {
	headers := GetSecurityHeaders()

	expectedHeaders := []string{
		"X-Content-Type-Options",
		"X-Frame-Options",
		"X-XSS-Protection",
		"Strict-Transport-Security",
		"Content-Security-Policy",
	}

	for _, header := range expectedHeaders {
		if value, exists := headers[header]; !exists {
			t.Errorf("missing security header: %s", header)
		} else if value == "" {
			t.Errorf("security header %s should have a value", header)
		}
	}

	if headers["X-Frame-Options"] != "DENY" {
		t.Errorf("X-Frame-Options should be DENY, got: %s", headers["X-Frame-Options"])
	}
	if headers["X-Content-Type-Options"] != "nosniff" {
		t.Errorf("X-Content-Type-Options should be nosniff, got: %s", headers["X-Content-Type-Options"])
	}
}

func TestPasswordStrength(t *testing.T) {
	testCases := []struct {
		password string
		expected bool
		name     string
	}{
		{"weak", false, "too short"},
		{"onlylowercase", false, "no numbers or special chars"},
		{"WeakPassword123", true, "good password"},
		{"VeryStrong@Password123", true, "very strong password"},
		{"12345678", false, "only numbers"},
		{"UPPERCASE", false, "only uppercase"},
		{"NoSpecialChars123", true, "three of four criteria"},
		{"All3Elements!", true, "contains all required elements"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if result := ValidatePasswordStrength(tc.password); result != tc.expected {
				t.Errorf("password %q strength check: expected %t, got %t", tc.password, tc.expected, result)
			}
		})
	}
}
