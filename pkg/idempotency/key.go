// Package idempotency computes and validates the ingestion idempotency
// key. Keys are either supplied by the client or derived
// deterministically from the submitted contact fields, so every request
// bearing the same (source_id, idempotency_key) maps to the same Lead.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrInvalidFormat  = errors.New("idempotency: invalid key format")
	ErrDerivationFail = errors.New("idempotency: derivation requires email, phone, and postal_code")
)

var clientKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{16,128}$`)

// ValidateClientKey trims and checks a client-supplied idempotency key
// against the contract format (16-128 chars of [A-Za-z0-9._:-]).
func ValidateClientKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if !clientKeyPattern.MatchString(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, raw)
	}
	return key, nil
}

// DeriveInput holds the fields used for server-side derivation, in the
// fixed order the contract requires.
type DeriveInput struct {
	SourceID    int64
	Name        string
	Email       string
	Phone       string
	CountryCode string
	PostalCode  string
	Message     string
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// Derive computes the server-side idempotency key: sha256 hex of the fixed
// concatenation of source_id, trimmed name, lowercased/trimmed email,
// whitespace-stripped phone, uppercased country_code,
// uppercased/trimmed postal_code, trimmed message.
//
// Derivation requires non-empty email, phone, and postal_code (as supplied,
// prior to contact-field normalization); otherwise it fails with ErrDerivationFail.
func Derive(in DeriveInput) (string, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	phone := whitespaceRe.ReplaceAllString(in.Phone, "")
	postal := strings.ToUpper(strings.TrimSpace(in.PostalCode))

	if email == "" || phone == "" || postal == "" {
		return "", ErrDerivationFail
	}

	name := strings.TrimSpace(in.Name)
	country := strings.ToUpper(strings.TrimSpace(in.CountryCode))
	message := strings.TrimSpace(in.Message)

	h := sha256.New()
	parts := []string{
		strconv.FormatInt(in.SourceID, 10),
		name,
		email,
		phone,
		country,
		postal,
		message,
	}
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
