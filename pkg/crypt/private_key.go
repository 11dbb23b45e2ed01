package crypt

import (
	"crypto/sha256"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"

	"github.com/godaddy/asherah/go/fileencryption/internal"
)

// DefaultPBKDF2Iterations is used to stretch passphrases protecting private keys.
const DefaultPBKDF2Iterations = 100000

// KeyDerivation configures how a passphrase becomes the key protecting a private key at rest.
type KeyDerivation struct {
	Salt       []byte
	Iterations int
}

// DeriveKey stretches passphrase into a symmetric key with PBKDF2-SHA256.
func (kd KeyDerivation) DeriveKey(passphrase []byte) []byte {
	iterations := kd.Iterations
	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}

	return pbkdf2.Key(passphrase, kd.Salt, iterations, KeySize, sha256.New)
}

// EncryptPrivateKey protects a PEM encoded private key with passphrase. The result is a header followed by one
// signed block.
func EncryptPrivateKey(privateKey, passphrase []byte, kd KeyDerivation, cipherName string) ([]byte, error) {
	key := kd.DeriveKey(passphrase)
	defer internal.Wipe(key)

	h := Header{Cipher: cipherName, KeyFormat: KeyFormatHash2, Signed: true}

	catfile, err := SymmetricEncryptFileContent(privateKey, key, BlockOptions{
		Cipher:   cipherName,
		Signed:   true,
		Position: "0",
	})
	if err != nil {
		return nil, errors.Wrap(err, "error encrypting private key")
	}

	return append([]byte(h.String()), catfile...), nil
}

// DecryptPrivateKey reverses EncryptPrivateKey. A wrong passphrase fails with ErrDecryptionFailed.
func DecryptPrivateKey(blob, passphrase []byte, kd KeyDerivation) ([]byte, error) {
	h, n, err := ParseHeader(blob)
	if err != nil {
		return nil, errors.WithMessage(ErrDecryptionFailed, err.Error())
	}

	if h.KeyFormat != KeyFormatHash2 {
		return nil, errors.WithMessagef(ErrDecryptionFailed, "unsupported key format %q", h.KeyFormat)
	}

	key := kd.DeriveKey(passphrase)
	defer internal.Wipe(key)

	plain, err := SymmetricDecryptFileContent(blob[n:], key, BlockOptions{
		Cipher:   h.Cipher,
		Signed:   h.Signed,
		Position: "0",
	})
	if err != nil {
		return nil, err
	}

	if _, err := ParsePrivateKey(plain); err != nil {
		internal.Wipe(plain)
		return nil, err
	}

	return plain, nil
}
