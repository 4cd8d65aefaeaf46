package cipherkey

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// SecretSize is the AES-128 secret length
	SecretSize = 16

	// IVSize is the CBC initialization vector length
	IVSize = aes.BlockSize

	// NonceSize is the challenge nonce length used by discovery and key rotation
	NonceSize = 30
)

// bootstrapInfo is the HKDF info label for bootstrap keys
const bootstrapInfo = "clu-bootstrap"

// FactoryPrivateKey is the placeholder private key of class-0 devices that
// were never given a device-specific secret.
var FactoryPrivateKey = []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

var (
	// ErrInvalidKey is returned for malformed key material
	ErrInvalidKey = errors.New("invalid cipher key")

	// ErrInvalidCiphertext is returned when a datagram cannot be decrypted
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// Key is an AES-128-CBC secret and IV pair
type Key struct {
	Secret [SecretSize]byte
	IV     [IVSize]byte
}

// New builds a key from raw secret and IV bytes
func New(secret, iv []byte) (*Key, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("%w: secret must be %d bytes, got %d", ErrInvalidKey, SecretSize, len(secret))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrInvalidKey, IVSize, len(iv))
	}
	k := &Key{}
	copy(k.Secret[:], secret)
	copy(k.IV[:], iv)
	return k, nil
}

// Generate creates a fresh random key
func Generate() (*Key, error) {
	k := &Key{}
	if _, err := io.ReadFull(rand.Reader, k.Secret[:]); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, k.IV[:]); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}
	return k, nil
}

// RandomNonce returns NonceSize random bytes
func RandomNonce() ([]byte, error) {
	return RandomBytes(NonceSize)
}

// RandomBytes returns n random bytes
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// DeriveBootstrap deterministically derives the key a device accepts before
// any project key was provisioned. An empty privateKey selects
// FactoryPrivateKey.
func DeriveBootstrap(iv, privateKey []byte) *Key {
	if len(privateKey) == 0 {
		privateKey = FactoryPrivateKey
	}

	k := &Key{}
	copy(k.IV[:], iv)

	r := hkdf.New(sha256.New, privateKey, k.IV[:], []byte(bootstrapInfo))
	// HKDF-SHA256 can produce up to 255*32 bytes, 16 never fails
	_, _ = io.ReadFull(r, k.Secret[:])
	return k
}

// Encrypt seals plaintext with AES-128-CBC and PKCS#7 padding
func (k *Key) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.Secret[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, k.IV[:]).CryptBlocks(out, padded)
	return out, nil
}

// Decrypt opens a ciphertext produced by Encrypt
func (k *Key) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of %d", ErrInvalidCiphertext, len(ciphertext), aes.BlockSize)
	}

	block, err := aes.NewCipher(k.Secret[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, k.IV[:]).CryptBlocks(out, ciphertext)
	return unpad(out, aes.BlockSize)
}

// Equal reports whether both keys hold the same secret and IV
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.Secret == other.Secret && k.IV == other.IV
}

// Clone returns an independent copy
func (k *Key) Clone() *Key {
	if k == nil {
		return nil
	}
	c := *k
	return &c
}

// String renders the key as "base64(secret):base64(iv)"
func (k *Key) String() string {
	return base64.StdEncoding.EncodeToString(k.Secret[:]) + ":" +
		base64.StdEncoding.EncodeToString(k.IV[:])
}

// Fingerprint returns a short identifier safe to print in logs
func (k *Key) Fingerprint() string {
	sum := sha256.Sum256(append(k.Secret[:], k.IV[:]...))
	return fmt.Sprintf("%x", sum[:4])
}

// Parse reads a key in the String form
func Parse(s string) (*Key, error) {
	secretText, ivText, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return nil, fmt.Errorf("%w: expected \"secret:iv\"", ErrInvalidKey)
	}
	secret, err := base64.StdEncoding.DecodeString(secretText)
	if err != nil {
		return nil, fmt.Errorf("%w: secret: %v", ErrInvalidKey, err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivText)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrInvalidKey, err)
	}
	return New(secret, iv)
}

// MarshalText implements encoding.TextMarshaler
func (k *Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = *parsed
	return nil
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrInvalidCiphertext)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrInvalidCiphertext)
		}
	}
	return data[:len(data)-n], nil
}
