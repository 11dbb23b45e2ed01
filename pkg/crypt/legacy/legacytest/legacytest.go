// Package legacytest writes data in the legacy formats so that tests can exercise the legacy read path. It must not
// be imported outside of tests.
package legacytest

import (
	"crypto/rand"
	"crypto/rc4" //nolint:gosec
	"crypto/rsa"
	"encoding/hex"

	"golang.org/x/crypto/blowfish" //nolint:staticcheck

	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt"
)

// CreateKey returns a random passphrase of the kind legacy installs generated.
func CreateKey() []byte {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}

	return []byte(hex.EncodeToString(buf))
}

// Encrypt encrypts data with ECB Blowfish, padding the last block with NUL bytes.
func Encrypt(data, passphrase []byte) []byte {
	c, err := blowfish.NewCipher(passphrase)
	if err != nil {
		panic(err)
	}

	n := len(data)
	if r := n % blowfish.BlockSize; r != 0 || n == 0 {
		n += blowfish.BlockSize - r
	}

	padded := make([]byte, n)
	copy(padded, data)

	out := make([]byte, n)
	for i := 0; i < n; i += blowfish.BlockSize {
		c.Encrypt(out[i:i+blowfish.BlockSize], padded[i:i+blowfish.BlockSize])
	}

	return out
}

// Seal seals data with a random RC4 envelope key wrapped for each recipient with PKCS#1 v1.5.
func Seal(data []byte, publicKeys map[string][]byte) *crypt.Sealed {
	envKey := make([]byte, 16)
	if _, err := rand.Read(envKey); err != nil {
		panic(err)
	}

	c, err := rc4.NewCipher(envKey) //nolint:gosec
	if err != nil {
		panic(err)
	}

	out := &crypt.Sealed{
		Data: make([]byte, len(data)),
		Keys: make(map[string][]byte, len(publicKeys)),
	}
	c.XORKeyStream(out.Data, data)

	for id, p := range publicKeys {
		pub, err := crypt.ParsePublicKey(p)
		if err != nil {
			panic(err)
		}

		wrapped, err := rsa.EncryptPKCS1v15(rand.Reader, pub, envKey) //nolint:staticcheck
		if err != nil {
			panic(err)
		}

		out.Keys[id] = wrapped
	}

	return out
}
