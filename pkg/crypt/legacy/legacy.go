// Package legacy opens data written by the pre-header encryption format: Blowfish encrypted content and RC4 sealed
// file keys. It only decrypts. Data is never written in these formats; the legacytest package produces fixtures.
package legacy

import (
	"bytes"
	"crypto/rc4" //nolint:gosec
	"crypto/rsa"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blowfish" //nolint:staticcheck

	"github.com/godaddy/asherah/go/fileencryption/internal"
	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt"
)

// Decrypter is the only interface through which legacy content is read.
type Decrypter interface {
	// Decrypt returns the plaintext of data encrypted under passphrase.
	Decrypt(data, passphrase []byte) ([]byte, error)
}

var _ Decrypter = Blowfish{}

// Blowfish decrypts content written with the original ECB Blowfish block encryption.
type Blowfish struct{}

// Decrypt implements Decrypter. Trailing NUL bytes added as block padding are removed.
func (Blowfish) Decrypt(data, passphrase []byte) ([]byte, error) {
	if len(data)%blowfish.BlockSize != 0 {
		return nil, errors.WithMessage(crypt.ErrDecryptionFailed, "legacy content is not block aligned")
	}

	c, err := blowfish.NewCipher(passphrase)
	if err != nil {
		return nil, errors.WithMessage(crypt.ErrDecryptionFailed, err.Error())
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += blowfish.BlockSize {
		c.Decrypt(out[i:i+blowfish.BlockSize], data[i:i+blowfish.BlockSize])
	}

	return bytes.TrimRight(out, "\x00"), nil
}

// MayBeContent reports whether size bytes can be Blowfish content. Anything else cannot have been written by the
// legacy format.
func MayBeContent(size int64) bool {
	return size > 0 && size%blowfish.BlockSize == 0
}

// IsLegacySealed reports whether a sealed file key was written by the RC4 seal.
func IsLegacySealed(data []byte) bool {
	return len(data) > 0 && !bytes.HasPrefix(data, crypt.SealedMagic)
}

// OpenSealed opens an RC4 sealed file key with a recipient's PKCS#1 v1.5 wrapped envelope key.
func OpenSealed(data, shareKey, privateKey []byte) ([]byte, error) {
	if !IsLegacySealed(data) {
		return nil, errors.WithMessage(crypt.ErrDecryptionFailed, "not a legacy sealed envelope")
	}

	priv, err := crypt.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}

	envKey, err := rsa.DecryptPKCS1v15(nil, priv, shareKey) //nolint:staticcheck
	if err != nil {
		return nil, errors.WithMessage(crypt.ErrDecryptionFailed, "unable to unwrap legacy envelope key")
	}

	defer internal.Wipe(envKey)

	c, err := rc4.NewCipher(envKey) //nolint:gosec
	if err != nil {
		return nil, errors.WithMessage(crypt.ErrDecryptionFailed, err.Error())
	}

	out := make([]byte, len(data))
	c.XORKeyStream(out, data)

	return out, nil
}
