// Package tokencrypt reads and writes user access tokens stored in the
// passphrase-based AES format produced by CryptoJS.AES.encrypt(text, key):
// base64("Salted__" + salt[8] + AES-256-CBC ciphertext), key and IV derived
// with OpenSSL's EVP_BytesToKey over MD5.
package tokencrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	saltedPrefix = "Salted__"
	saltLen      = 8
	keyLen       = 32
)

// ErrDecrypt hides why a ciphertext was rejected
var ErrDecrypt = errors.New("failed to decrypt data")

// Cipher encrypts and decrypts with one passphrase
type Cipher struct {
	passphrase []byte
}

// New creates a Cipher; an empty passphrase is rejected
func New(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("encryption key is empty")
	}
	return &Cipher{passphrase: []byte(passphrase)}, nil
}

// Decrypt returns the plain text of an encoded token
func (c *Cipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecrypt
	}
	if len(raw) < len(saltedPrefix)+saltLen+aes.BlockSize || string(raw[:len(saltedPrefix)]) != saltedPrefix {
		return "", ErrDecrypt
	}

	salt := raw[len(saltedPrefix) : len(saltedPrefix)+saltLen]
	ciphertext := raw[len(saltedPrefix)+saltLen:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrDecrypt
	}

	key, iv := deriveKey(c.passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", ErrDecrypt
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	plain, err = unpad(plain)
	if err != nil || len(plain) == 0 {
		// Wrong key shows up as bad padding or empty output
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// Encrypt produces a token readable by Decrypt and by CryptoJS
func (c *Cipher) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key, iv := deriveKey(c.passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	data := pad([]byte(plain))
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)

	buf := make([]byte, 0, len(saltedPrefix)+saltLen+len(out))
	buf = append(buf, saltedPrefix...)
	buf = append(buf, salt...)
	buf = append(buf, out...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// deriveKey is EVP_BytesToKey(MD5, one iteration)
func deriveKey(passphrase, salt []byte) (key, iv []byte) {
	var derived, prev []byte
	for len(derived) < keyLen+aes.BlockSize {
		h := md5.New()
		h.Write(prev)
		h.Write(passphrase)
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:keyLen], derived[keyLen : keyLen+aes.BlockSize]
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrDecrypt
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrDecrypt
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrDecrypt
		}
	}
	return b[:len(b)-n], nil
}
