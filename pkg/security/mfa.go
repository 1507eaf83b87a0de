package security

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"net/url"
	"strings"
)

// GenerateMFASecret generates a random Base32 string (compatible with TOTP secrets).
func GenerateMFASecret() (string, error) {
	secret := make([]byte, 20)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	// Google Authenticator requires Base32, not Base64
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(secret), nil
}

// GetMFAQRCodeURI returns the URI for QR code generation (compatible with Google Authenticator).
func GetMFAQRCodeURI(issuer, identifier, secret string) string {
	return fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s",
		url.PathEscape(issuer), url.PathEscape(identifier), secret, url.QueryEscape(issuer))
}

// backup codes read as XXXXX-XXXXX from a vowel-free alphabet so they can be
// dictated over the phone without producing words
const backupCodeAlphabet = "BCDFGHJKMNPQRTVWXY2346789"

// GenerateBackupCode returns one random single-use backup code.
func GenerateBackupCode() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	var b strings.Builder
	for i, c := range buf {
		if i == 5 {
			b.WriteByte('-')
		}
		b.WriteByte(backupCodeAlphabet[int(c)%len(backupCodeAlphabet)])
	}
	return b.String(), nil
}

// GenerateBackupCodes returns n codes plus their digests for storage. The
// plaintext is shown to the user exactly once; only digests are persisted.
func GenerateBackupCodes(n int) (codes []string, hashes []string, err error) {
	codes = make([]string, 0, n)
	hashes = make([]string, 0, n)
	for i := 0; i < n; i++ {
		code, err := GenerateBackupCode()
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, HashBackupCode(code))
	}
	return codes, hashes, nil
}
