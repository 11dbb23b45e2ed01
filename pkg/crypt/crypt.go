// Package crypt contains the cryptographic primitives used by the file encryption engine: block encryption, IV and
// padding framing, block signatures, RSA key wrapping and multi-recipient sealing. Functions in this package perform
// no I/O.
package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"strconv"

	"github.com/pkg/errors"

	"github.com/godaddy/asherah/go/fileencryption/internal"
)

// Supported symmetric ciphers. The name is recorded in the header of every encrypted file.
const (
	AES256CTR = "AES-256-CTR"
	AES128CTR = "AES-128-CTR"
	AES256CFB = "AES-256-CFB"
	AES128CFB = "AES-128-CFB"

	DefaultCipher = AES256CTR
	// LegacyCipher is assumed for content written before headers existed.
	LegacyCipher = AES128CFB
)

const (
	// KeySize is the length of generated file keys.
	KeySize = 32
	// IVSize is the length of a block IV.
	IVSize = 16
	// IVMarker precedes the IV in every block trailer.
	IVMarker = "00iv00"
	// IVTrailerSize is the length of IVMarker plus the IV.
	IVTrailerSize = len(IVMarker) + IVSize
	// SignatureMarker precedes the hex encoded HMAC in signed blocks.
	SignatureMarker = "00sig00"
	// SignatureTrailerSize is the length of SignatureMarker plus the hex encoded signature.
	SignatureTrailerSize = len(SignatureMarker) + 2*sha256.Size
	// Padding is appended to every block after the trailers.
	Padding = "xx"
)

var (
	// ErrDecryptionFailed is returned when a cipher operation rejects its input.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrSignatureMismatch is returned when a signed block does not verify for the key, version and position given.
	ErrSignatureMismatch = errors.WithMessage(ErrDecryptionFailed, "signature mismatch")
	// ErrUnknownCipher is returned for cipher names not listed above.
	ErrUnknownCipher = errors.New("unknown cipher")
)

// GenerateKey returns a new random symmetric key.
func GenerateKey() ([]byte, error) {
	return internal.RandomBytes(KeySize)
}

// GenerateIV returns a random IV made of IVSize printable bytes so that framed blocks stay ASCII.
func GenerateIV() ([]byte, error) {
	raw, err := internal.RandomBytes(IVSize * 3 / 4)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVSize)
	base64.StdEncoding.Encode(iv, raw)

	return iv, nil
}

func keyLength(cipherName string) (int, error) {
	switch cipherName {
	case AES256CTR, AES256CFB:
		return 32, nil
	case AES128CTR, AES128CFB:
		return 16, nil
	default:
		return 0, errors.Wrapf(ErrUnknownCipher, "%q", cipherName)
	}
}

// SupportedCipher reports whether cipherName can be used with EncryptBlock.
func SupportedCipher(cipherName string) bool {
	_, err := keyLength(cipherName)
	return err == nil
}

func newStream(cipherName string, key, iv []byte, decrypt bool) (cipher.Stream, error) {
	n, err := keyLength(cipherName)
	if err != nil {
		return nil, err
	}

	if len(key) < n {
		return nil, errors.Errorf("key too short for %s: %d bytes", cipherName, len(key))
	}

	if len(iv) != IVSize {
		return nil, errors.Errorf("invalid iv size %d", len(iv))
	}

	block, err := aes.NewCipher(key[:n])
	if err != nil {
		return nil, err
	}

	switch cipherName {
	case AES256CTR, AES128CTR:
		return cipher.NewCTR(block, iv), nil
	default:
		if decrypt {
			return cipher.NewCFBDecrypter(block, iv), nil //nolint:staticcheck
		}

		return cipher.NewCFBEncrypter(block, iv), nil //nolint:staticcheck
	}
}

// EncryptBlock encrypts plain with key and iv. The ciphertext has the same length as plain.
func EncryptBlock(plain, iv, key []byte, cipherName string) ([]byte, error) {
	s, err := newStream(cipherName, key, iv, false)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(plain))
	s.XORKeyStream(out, plain)

	return out, nil
}

// DecryptBlock reverses EncryptBlock.
func DecryptBlock(ciphertext, iv, key []byte, cipherName string) ([]byte, error) {
	s, err := newStream(cipherName, key, iv, true)
	if err != nil {
		return nil, errors.WithMessage(ErrDecryptionFailed, err.Error())
	}

	out := make([]byte, len(ciphertext))
	s.XORKeyStream(out, ciphertext)

	return out, nil
}

// ConcatIV appends the IV trailer to data.
func ConcatIV(data, iv []byte) []byte {
	out := make([]byte, 0, len(data)+IVTrailerSize)
	out = append(out, data...)
	out = append(out, IVMarker...)

	return append(out, iv...)
}

// SplitIV separates the IV trailer from blob.
func SplitIV(blob []byte) (data, iv []byte, err error) {
	if len(blob) < IVTrailerSize {
		return nil, nil, errors.WithMessage(ErrDecryptionFailed, "missing iv trailer")
	}

	pos := len(blob) - IVTrailerSize
	if !bytes.Equal(blob[pos:pos+len(IVMarker)], []byte(IVMarker)) {
		return nil, nil, errors.WithMessage(ErrDecryptionFailed, "missing iv marker")
	}

	return blob[:pos], blob[pos+len(IVMarker):], nil
}

// AddPadding appends the padding marker to data.
func AddPadding(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(Padding))
	out = append(out, data...)

	return append(out, Padding...)
}

// RemovePadding strips the padding marker added by AddPadding.
func RemovePadding(padded []byte) ([]byte, error) {
	if !bytes.HasSuffix(padded, []byte(Padding)) {
		return nil, errors.WithMessage(ErrDecryptionFailed, "missing padding")
	}

	return padded[:len(padded)-len(Padding)], nil
}

// ConcatSignature appends a signature trailer to data.
func ConcatSignature(data []byte, sig string) []byte {
	out := make([]byte, 0, len(data)+SignatureTrailerSize)
	out = append(out, data...)
	out = append(out, SignatureMarker...)

	return append(out, sig...)
}

// SplitSignature separates the signature trailer from blob.
func SplitSignature(blob []byte) (data []byte, sig string, err error) {
	if len(blob) < SignatureTrailerSize {
		return nil, "", errors.WithMessage(ErrDecryptionFailed, "missing signature trailer")
	}

	pos := len(blob) - SignatureTrailerSize
	if !bytes.Equal(blob[pos:pos+len(SignatureMarker)], []byte(SignatureMarker)) {
		return nil, "", errors.WithMessage(ErrDecryptionFailed, "missing signature marker")
	}

	return blob[:pos], string(blob[pos+len(SignatureMarker):]), nil
}

// Sign returns the hex encoded HMAC-SHA256 of data bound to the encrypted version and the block position.
func Sign(data, key []byte, version int, position string) string {
	mac := hmac.New(sha256.New, signingKey(key))
	mac.Write(data)
	mac.Write([]byte(strconv.Itoa(version)))
	mac.Write([]byte("_"))
	mac.Write([]byte(position))

	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks sig against data in constant time.
func VerifySignature(data, key []byte, version int, position, sig string) error {
	want := Sign(data, key, version, position)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrSignatureMismatch
	}

	return nil
}

func signingKey(key []byte) []byte {
	h := sha512.New()
	h.Write(key)
	h.Write([]byte("a"))

	return h.Sum(nil)
}
