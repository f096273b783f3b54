package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is AES-256.
	KeySize = 32

	// NonceSize is the GCM standard nonce length.
	NonceSize = 12

	// DefaultIterations for PBKDF2 key derivation.
	DefaultIterations = 100000
)

var (
	ErrInvalidKey        = errors.New("invalid key size")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor transforms downloaded bytes before they are persisted to disk
// and reverses that transform on read.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor with AES-256-GCM.
// Ciphertext layout: nonce || sealed (sealed includes the GCM tag).
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an encryptor from a raw 32-byte key.
func NewEncryptor(key []byte) (*AESEncryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &AESEncryptor{aead: aead}, nil
}

// NewEncryptorFromPassphrase derives the key with PBKDF2-SHA256.
func NewEncryptorFromPassphrase(passphrase, salt string, iterations int) (*AESEncryptor, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	key := pbkdf2.Key([]byte(passphrase), []byte(salt), iterations, KeySize, sha256.New)
	return NewEncryptor(key)
}

// Encrypt seals plaintext with a fresh random nonce.
func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, sealed := ciphertext[:NonceSize], ciphertext[NonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}
