package eventstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/hkdf"
)

// Crypto bundles the two derived keys and the compressor the codec needs.
// Build one at startup and pass it where needed; nothing here is global.
type Crypto struct {
	fieldAEAD     cipher.AEAD
	transportAEAD cipher.AEAD
	zenc          *zstd.Encoder
	zdec          *zstd.Decoder
}

// MasterKeyFromHex decodes the configured master key. 32 bytes, hex.
func MasterKeyFromHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// NewCrypto derives the field and transport keys from the master key via
// HKDF-SHA256 and prepares the AEADs and zstd codecs.
func NewCrypto(masterKey []byte) (*Crypto, error) {
	if len(masterKey) != 32 {
		return nil, errors.New("master key must be 32 bytes")
	}
	fieldAEAD, err := deriveAEAD(masterKey, "event-field-encryption")
	if err != nil {
		return nil, err
	}
	transportAEAD, err := deriveAEAD(masterKey, "event-transport-encryption")
	if err != nil {
		return nil, err
	}
	zenc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &Crypto{
		fieldAEAD:     fieldAEAD,
		transportAEAD: transportAEAD,
		zenc:          zenc,
		zdec:          zdec,
	}, nil
}

func deriveAEAD(masterKey []byte, info string) (cipher.AEAD, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptField encrypts a single payload field value. The random nonce is
// prepended to the ciphertext and the whole lot is base64 encoded.
func (c *Crypto) EncryptField(plain []byte) (string, error) {
	return seal(c.fieldAEAD, plain)
}

func (c *Crypto) DecryptField(encoded string) ([]byte, error) {
	return open(c.fieldAEAD, encoded)
}

// Seal applies whole-event transport encryption: zstd compress, then
// AES-GCM with a fresh nonce, then base64.
func (c *Crypto) Seal(plain []byte) (string, error) {
	return seal(c.transportAEAD, c.zenc.EncodeAll(plain, nil))
}

// Open reverses Seal: base64 decode, decrypt, decompress.
func (c *Crypto) Open(sealed string) ([]byte, error) {
	compressed, err := open(c.transportAEAD, sealed)
	if err != nil {
		return nil, err
	}
	plain, err := c.zdec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress event: %w", err)
	}
	return plain, nil
}

func seal(aead cipher.AEAD, plain []byte) (string, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func open(aead cipher.AEAD, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}
