package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeyIterations is the PBKDF2 work factor.
	KeyIterations = 65536
	// KeySize selects AES-256.
	KeySize = 32
)

// BlockCipher encrypts fixed-size storage blocks with AES-CBC.
//
// The IV is fixed at zero, so two blocks with identical plaintext produce
// identical ciphertext. This keeps every block independently addressable
// without storing per-block IVs; it does not hide equality patterns.
type BlockCipher struct {
	block cipher.Block
	iv    [aes.BlockSize]byte
}

// DeriveKey stretches password with salt using PBKDF2-HMAC-SHA256.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, KeyIterations, KeySize, sha256.New)
}

// NewBlockCipher derives a key from password and salt and returns a cipher.
func NewBlockCipher(password string, salt []byte) (*BlockCipher, error) {
	if password == "" {
		return nil, fmt.Errorf("empty password")
	}
	return NewBlockCipherWithKey(DeriveKey(password, salt))
}

// NewBlockCipherWithKey builds a cipher from an already derived key.
// The key must be 16, 24, or 32 bytes long to select AES-128, AES-192, or AES-256 respectively.
func NewBlockCipherWithKey(key []byte) (*BlockCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return &BlockCipher{block: block}, nil
}

// Encrypt encrypts src into dst. Both must have the same length, a multiple
// of the AES block size. dst and src may overlap entirely.
func (c *BlockCipher) Encrypt(dst, src []byte) error {
	if err := checkLengths(dst, src); err != nil {
		return err
	}
	cipher.NewCBCEncrypter(c.block, c.iv[:]).CryptBlocks(dst, src)
	return nil
}

// Decrypt is the inverse of Encrypt.
func (c *BlockCipher) Decrypt(dst, src []byte) error {
	if err := checkLengths(dst, src); err != nil {
		return err
	}
	cipher.NewCBCDecrypter(c.block, c.iv[:]).CryptBlocks(dst, src)
	return nil
}

func checkLengths(dst, src []byte) error {
	if len(src)%aes.BlockSize != 0 {
		return fmt.Errorf("input length %d is not a multiple of %d", len(src), aes.BlockSize)
	}
	if len(dst) != len(src) {
		return fmt.Errorf("output length %d does not match input length %d", len(dst), len(src))
	}
	return nil
}
