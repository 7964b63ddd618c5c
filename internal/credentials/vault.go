// Package credentials decrypts stored account secrets and derives one-time codes.
package credentials

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"
)

// ErrDecryption is returned when a ciphertext cannot be verified with any configured key
var ErrDecryption = errors.New("credential decryption failed")

// noExpiry disables the token age check; stored credentials do not expire
const noExpiry = -1

// FernetVault decrypts credentials encrypted as Fernet tokens
type FernetVault struct {
	keys []*fernet.Key
}

// NewFernetVault creates a vault from one or more base64 keys. The first key
// encrypts; all keys are tried on decrypt so old keys can be rotated out.
func NewFernetVault(keys ...string) (*FernetVault, error) {
	var encoded []string
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			encoded = append(encoded, k)
		}
	}
	if len(encoded) == 0 {
		return nil, fmt.Errorf("no vault key configured")
	}

	decoded, err := fernet.DecodeKeys(encoded...)
	if err != nil {
		return nil, fmt.Errorf("failed to decode vault key: %w", err)
	}
	return &FernetVault{keys: decoded}, nil
}

// Decrypt returns the plaintext of a stored ciphertext
func (v *FernetVault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", fmt.Errorf("%w: empty ciphertext", ErrDecryption)
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), noExpiry, v.keys)
	if msg == nil {
		return "", ErrDecryption
	}
	return string(msg), nil
}

// Encrypt seals plaintext with the primary key
func (v *FernetVault) Encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), v.keys[0])
	if err != nil {
		return "", fmt.Errorf("failed to encrypt credential: %w", err)
	}
	return string(tok), nil
}
