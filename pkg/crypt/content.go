package crypt

import (
	"bytes"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the size of the header block at the start of every encrypted file.
	HeaderSize = 8192
	// UnsignedBlockSize is the plaintext size of one block in unsigned files.
	UnsignedBlockSize = 6126
	// SignedBlockSize is the plaintext size of one block in signed files.
	SignedBlockSize = 6072

	headerStart   = "HBEGIN"
	headerEnd     = "HEND"
	headerPadding = '-'

	// DefaultModuleID names the encryption module that wrote a file.
	DefaultModuleID = "OC_DEFAULT_MODULE"
	// KeyFormatHash2 marks private keys whose passphrase is stretched with PBKDF2.
	KeyFormatHash2 = "hash2"
)

// PlainBlockSize returns the plaintext size of a block.
func PlainBlockSize(signed bool) int {
	if signed {
		return SignedBlockSize
	}

	return UnsignedBlockSize
}

// CipherBlockSize returns the encoded size of a full block.
func CipherBlockSize(signed bool) int {
	return EncodedBlockSize(PlainBlockSize(signed), signed)
}

// EncodedBlockSize returns the encoded size of a block holding n plaintext bytes.
func EncodedBlockSize(n int, signed bool) int {
	size := base64.StdEncoding.EncodedLen(n) + IVTrailerSize + len(Padding)
	if signed {
		size += SignatureTrailerSize
	}

	return size
}

// BlockOptions selects the cipher and signature binding of one framed block.
type BlockOptions struct {
	Cipher   string
	Signed   bool
	Version  int
	Position string
}

// SymmetricEncryptFileContent encrypts plain with key and frames the result: base64 ciphertext, IV trailer, an
// optional signature trailer and padding.
func SymmetricEncryptFileContent(plain, key []byte, opts BlockOptions) ([]byte, error) {
	iv, err := GenerateIV()
	if err != nil {
		return nil, err
	}

	encrypted, err := EncryptBlock(plain, iv, key, opts.Cipher)
	if err != nil {
		return nil, err
	}

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(encrypted)))
	base64.StdEncoding.Encode(encoded, encrypted)

	catfile := ConcatIV(encoded, iv)
	if opts.Signed {
		catfile = ConcatSignature(catfile, Sign(encoded, key, opts.Version, opts.Position))
	}

	return AddPadding(catfile), nil
}

// SymmetricDecryptFileContent reverses SymmetricEncryptFileContent. Signed content that does not verify for the
// version and position in opts fails with ErrSignatureMismatch.
func SymmetricDecryptFileContent(catfile, key []byte, opts BlockOptions) ([]byte, error) {
	unpadded, err := RemovePadding(catfile)
	if err != nil {
		return nil, err
	}

	if opts.Signed {
		var sig string

		unpadded, sig, err = SplitSignature(unpadded)
		if err != nil {
			return nil, err
		}

		encoded, _, err := SplitIV(unpadded)
		if err != nil {
			return nil, err
		}

		if err := VerifySignature(encoded, key, opts.Version, opts.Position, sig); err != nil {
			return nil, err
		}
	}

	encoded, iv, err := SplitIV(unpadded)
	if err != nil {
		return nil, err
	}

	encrypted := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))

	n, err := base64.StdEncoding.Decode(encrypted, encoded)
	if err != nil {
		return nil, errors.WithMessage(ErrDecryptionFailed, "invalid block encoding")
	}

	return DecryptBlock(encrypted[:n], iv, key, opts.Cipher)
}

// SymmetricEncryptFileContentKeyfile encrypts data under a newly generated key and returns both.
func SymmetricEncryptFileContentKeyfile(data []byte) (catfile, key []byte, err error) {
	key, err = GenerateKey()
	if err != nil {
		return nil, nil, err
	}

	catfile, err = SymmetricEncryptFileContent(data, key, BlockOptions{Cipher: DefaultCipher, Position: "0"})
	if err != nil {
		return nil, nil, err
	}

	return catfile, key, nil
}

// Header is the parsed form of an encrypted file or private key header.
type Header struct {
	ModuleID         string
	Cipher           string
	KeyFormat        string
	Signed           bool
	UseLegacyFileKey bool
	// Headerless is set for content written before headers existed.
	Headerless bool
}

// String renders the header without block padding.
func (h Header) String() string {
	var b strings.Builder

	b.WriteString(headerStart)
	b.WriteString(":")

	write := func(k, v string) {
		b.WriteString(k)
		b.WriteString(":")
		b.WriteString(v)
		b.WriteString(":")
	}

	if h.ModuleID != "" {
		write("oc_encryption_module", h.ModuleID)
	}

	write("cipher", h.Cipher)

	if h.KeyFormat != "" {
		write("keyFormat", h.KeyFormat)
	}

	write("signed", strconv.FormatBool(h.Signed))

	if h.ModuleID != "" {
		write("useLegacyFileKey", strconv.FormatBool(h.UseLegacyFileKey))
	}

	b.WriteString(headerEnd)

	return b.String()
}

// Block renders the header padded to HeaderSize.
func (h Header) Block() []byte {
	out := bytes.Repeat([]byte{headerPadding}, HeaderSize)
	copy(out, h.String())

	return out
}

// ParseHeader parses a header at the start of data. It returns the header and the number of bytes it spans,
// excluding any padding.
func ParseHeader(data []byte) (Header, int, error) {
	if !bytes.HasPrefix(data, []byte(headerStart+":")) {
		return Header{}, 0, errors.New("no header")
	}

	limit := data
	if len(limit) > HeaderSize {
		limit = limit[:HeaderSize]
	}

	end := bytes.Index(limit, []byte(":"+headerEnd))
	if end < 0 {
		return Header{}, 0, errors.New("unterminated header")
	}

	var body string
	if end > len(headerStart) {
		body = string(limit[len(headerStart)+1 : end])
	}

	fields := strings.Split(body, ":")
	if len(fields)%2 != 0 {
		return Header{}, 0, errors.New("odd number of header fields")
	}

	var h Header

	for i := 0; i < len(fields); i += 2 {
		k, v := fields[i], fields[i+1]

		switch k {
		case "oc_encryption_module":
			h.ModuleID = v
		case "cipher":
			h.Cipher = v
		case "keyFormat":
			h.KeyFormat = v
		case "signed":
			h.Signed = v == "true"
		case "useLegacyFileKey":
			h.UseLegacyFileKey = v == "true"
		}
	}

	if !SupportedCipher(h.Cipher) {
		return Header{}, 0, errors.Wrapf(ErrUnknownCipher, "%q", h.Cipher)
	}

	return h, end + 1 + len(headerEnd), nil
}

// Kind tags the result of ParseContent.
type Kind int

const (
	KindPlain Kind = iota
	KindEncrypted
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindEncrypted:
		return "encrypted"
	default:
		return "malformed"
	}
}

// Content is the classification of a blob: plain, encrypted with a header, or malformed.
type Content struct {
	Kind   Kind
	Header Header
	// Err describes why a blob was classified as malformed.
	Err error
}

// ParseContent classifies the start of a file. Content that starts with a header is encrypted or malformed. Content
// without a header is encrypted only if its first block frames correctly as a legacy unsigned block.
func ParseContent(data []byte) Content {
	if bytes.HasPrefix(data, []byte(headerStart+":")) {
		h, _, err := ParseHeader(data)
		if err != nil {
			return Content{Kind: KindMalformed, Err: err}
		}

		return Content{Kind: KindEncrypted, Header: h}
	}

	if isHeaderlessCatfile(data) {
		return Content{Kind: KindEncrypted, Header: Header{Cipher: LegacyCipher, Headerless: true}}
	}

	return Content{Kind: KindPlain}
}

// IsEncryptedContent reports whether data has the layout of encrypted content.
func IsEncryptedContent(data []byte) bool {
	return ParseContent(data).Kind == KindEncrypted
}

func isHeaderlessCatfile(data []byte) bool {
	block := data
	if size := CipherBlockSize(false); len(block) > size {
		block = block[:size]
	}

	unpadded, err := RemovePadding(block)
	if err != nil {
		return false
	}

	encoded, _, err := SplitIV(unpadded)
	if err != nil || len(encoded) == 0 {
		return false
	}

	_, err = base64.StdEncoding.DecodeString(string(encoded))

	return err == nil
}
