package seal

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// Sealer encrypts session credentials at rest using an age X25519 identity.
// Sealed bytes are opaque to every component except the executor path that
// needs the plaintext key right before signing.
type Sealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewSealer parses the configured identity. The value is either the identity
// string itself (AGE-SECRET-KEY-1...) or a path to a file containing it, so
// deployments can inject the key via env or a mounted secret.
func NewSealer(configured string) (*Sealer, error) {
	material := strings.TrimSpace(configured)
	if material == "" {
		return nil, fmt.Errorf("seal identity is empty")
	}

	if !strings.HasPrefix(material, "AGE-SECRET-KEY-1") {
		data, err := os.ReadFile(material)
		if err != nil {
			return nil, fmt.Errorf("reading seal identity file: %w", err)
		}
		material = strings.TrimSpace(string(data))
	}

	identity, err := age.ParseX25519Identity(material)
	if err != nil {
		return nil, fmt.Errorf("parsing seal identity: %w", err)
	}

	return &Sealer{identity: identity, recipient: identity.Recipient()}, nil
}

// GenerateIdentity creates a fresh X25519 identity string for provisioning.
func GenerateIdentity() (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating seal identity: %w", err)
	}
	return identity.String(), nil
}

// Seal encrypts plaintext for the configured recipient.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}

	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealing credential: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing sealed credential: %w", err)
	}

	return buf.Bytes(), nil
}

// Open decrypts a sealed credential back to plaintext.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(sealed), s.identity)
	if err != nil {
		return nil, fmt.Errorf("opening sealed credential: %w", err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading unsealed credential: %w", err)
	}

	return plaintext, nil
}
