package tenant

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/teranos/tenantpulse/errors"
)

const nonceSize = 24

// DecryptFunc turns a stored password into plaintext.
type DecryptFunc func(ciphertext string) (string, error)

// ParseKey decodes a 64 character hex key.
func ParseKey(hexKey string) (*[32]byte, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "encryption key is not hex")
	}
	if len(raw) != 32 {
		return nil, errors.Newf("encryption key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// SecretBoxDecrypter opens base64(nonce || secretbox) passwords sealed with key.
func SecretBoxDecrypter(key *[32]byte) DecryptFunc {
	return func(ciphertext string) (string, error) {
		raw, err := base64.StdEncoding.DecodeString(ciphertext)
		if err != nil {
			return "", errors.Wrap(err, "encrypted password is not base64")
		}
		if len(raw) < nonceSize+secretbox.Overhead {
			return "", errors.New("encrypted password is too short")
		}
		var nonce [nonceSize]byte
		copy(nonce[:], raw[:nonceSize])
		plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, key)
		if !ok {
			return "", errors.New("failed to decrypt password: wrong key or corrupted ciphertext")
		}
		return string(plain), nil
	}
}

// EncryptPassword seals plain with key in the format SecretBoxDecrypter reads.
func EncryptPassword(key *[32]byte, plain string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", errors.Wrap(err, "failed to generate nonce")
	}
	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}
