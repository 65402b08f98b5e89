package crypto

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"
)

// IsBcryptHash reports whether s looks like a bcrypt hash.
func IsBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// CheckCredentials compares a supplied password against the configured master
// credentials. The master value may be a bcrypt hash or a plaintext password.
// Both sides are NFC-normalised so visually identical input compares equal.
func CheckCredentials(master, supplied string) bool {
	if master == "" {
		return true
	}
	supplied = norm.NFC.String(supplied)

	if IsBcryptHash(master) {
		return bcrypt.CompareHashAndPassword([]byte(master), []byte(supplied)) == nil
	}

	master = norm.NFC.String(master)
	return subtle.ConstantTimeCompare([]byte(master), []byte(supplied)) == 1
}

// HashCredentials returns a bcrypt hash suitable for master credentials.
func HashCredentials(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(norm.NFC.String(password)), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
