package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"

	"github.com/godaddy/asherah/go/fileencryption/internal"
)

const (
	// MinKeypairBits is the smallest RSA modulus accepted by CreateKeypair.
	MinKeypairBits = 2048
	// DefaultKeypairBits is the modulus size of newly provisioned keypairs.
	DefaultKeypairBits = 4096

	pemPublicKey     = "PUBLIC KEY"
	pemPrivateKey    = "PRIVATE KEY"
	pemRSAPrivateKey = "RSA PRIVATE KEY"
)

// SealedMagic prefixes data sealed by MultiKeyEncrypt. Sealed data without it was written by the legacy RC4 seal.
var SealedMagic = []byte("SEALED2:")

// Keypair holds PEM encoded RSA keys. PrivateKey is unencrypted and must be wiped by the caller.
type Keypair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// CreateKeypair generates a new RSA keypair with the given modulus size.
func CreateKeypair(bits int) (*Keypair, error) {
	if bits < MinKeypairBits {
		return nil, errors.Errorf("keypair size %d below minimum %d", bits, MinKeypairBits)
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errors.Wrap(err, "error generating keypair")
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "error marshaling public key")
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, errors.Wrap(err, "error marshaling private key")
	}

	defer internal.Wipe(privDER)

	return &Keypair{
		PublicKey:  pem.EncodeToMemory(&pem.Block{Type: pemPublicKey, Bytes: pubDER}),
		PrivateKey: pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: privDER}),
	}, nil
}

// ParsePublicKey decodes a PEM encoded RSA public key.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemPublicKey {
		return nil, errors.New("invalid public key PEM")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing public key")
	}

	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}

	return rsaKey, nil
}

// ParsePrivateKey decodes a PEM encoded RSA private key in PKCS#8 or PKCS#1 form.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.WithMessage(ErrDecryptionFailed, "invalid private key PEM")
	}

	switch block.Type {
	case pemRSAPrivateKey:
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.WithMessage(ErrDecryptionFailed, err.Error())
		}

		return key, nil
	case pemPrivateKey:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.WithMessage(ErrDecryptionFailed, err.Error())
		}

		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.WithMessage(ErrDecryptionFailed, "private key is not RSA")
		}

		return rsaKey, nil
	default:
		return nil, errors.WithMessagef(ErrDecryptionFailed, "unexpected PEM type %q", block.Type)
	}
}

// KeyEncrypt wraps a short payload for the owner of publicKey using RSA-OAEP.
func KeyEncrypt(data, publicKey []byte) ([]byte, error) {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}

	return keyEncrypt(data, pub)
}

func keyEncrypt(data []byte, pub *rsa.PublicKey) ([]byte, error) {
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "error wrapping key")
	}

	return out, nil
}

// KeyDecrypt unwraps a payload produced by KeyEncrypt.
func KeyDecrypt(ciphertext, privateKey []byte) ([]byte, error) {
	priv, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}

	out, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext, nil)
	if err != nil {
		return nil, errors.WithMessage(ErrDecryptionFailed, "unable to unwrap key")
	}

	return out, nil
}

// Sealed is data that any one of several recipients can open. Keys maps each recipient to its wrapped copy of the
// ephemeral key.
type Sealed struct {
	Data []byte
	Keys map[string][]byte
}

// MultiKeyEncrypt seals data once under an ephemeral key and wraps that key for every recipient in publicKeys.
func MultiKeyEncrypt(data []byte, publicKeys map[string][]byte) (*Sealed, error) {
	if len(publicKeys) == 0 {
		return nil, errors.New("no recipients")
	}

	pubs := make(map[string]*rsa.PublicKey, len(publicKeys))

	for id, p := range publicKeys {
		pub, err := ParsePublicKey(p)
		if err != nil {
			return nil, errors.WithMessagef(err, "recipient %s", id)
		}

		pubs[id] = pub
	}

	ephemeral, err := internal.RandomBytes(KeySize)
	if err != nil {
		return nil, err
	}

	defer internal.Wipe(ephemeral)

	sealed, err := aeadSeal(data, ephemeral)
	if err != nil {
		return nil, err
	}

	out := &Sealed{
		Data: append(append([]byte{}, SealedMagic...), sealed...),
		Keys: make(map[string][]byte, len(pubs)),
	}

	for id, pub := range pubs {
		wrapped, err := keyEncrypt(ephemeral, pub)
		if err != nil {
			return nil, errors.WithMessagef(err, "recipient %s", id)
		}

		out.Keys[id] = wrapped
	}

	return out, nil
}

// MultiKeyDecrypt opens data sealed by MultiKeyEncrypt using one recipient's wrapped key and private key.
func MultiKeyDecrypt(data, shareKey, privateKey []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, SealedMagic) {
		return nil, errors.WithMessage(ErrDecryptionFailed, "not a current sealed envelope")
	}

	ephemeral, err := KeyDecrypt(shareKey, privateKey)
	if err != nil {
		return nil, err
	}

	defer internal.Wipe(ephemeral)

	return aeadOpen(data[len(SealedMagic):], ephemeral)
}

// aeadSeal encrypts data with AES-256-GCM and appends the nonce.
func aeadSeal(data, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	cipherAndNonce := make([]byte, len(data)+gcm.Overhead()+gcm.NonceSize())
	noncePos := len(cipherAndNonce) - gcm.NonceSize()

	if err := internal.ReadRandom(cipherAndNonce[noncePos:]); err != nil {
		return nil, err
	}

	gcm.Seal(cipherAndNonce[:0], cipherAndNonce[noncePos:], data, nil)

	return cipherAndNonce, nil
}

func aeadOpen(data, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return nil, errors.WithMessage(ErrDecryptionFailed, "data length is shorter than nonce size")
	}

	noncePos := len(data) - gcm.NonceSize()

	out, err := gcm.Open(nil, data[noncePos:], data[:noncePos], nil)
	if err != nil {
		return nil, errors.WithMessage(ErrDecryptionFailed, "unable to open sealed data")
	}

	return out, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}
