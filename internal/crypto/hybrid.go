// Package crypto implements the hybrid message encryption used by chat:
// AES-256-CBC for content, RSA-OAEP-SHA256 to wrap the per-message key for
// every recipient.
//
// Persisted formats:
//
//	encrypted_content = base64(IV(16) || AES-CBC(PKCS#7(plaintext)))
//	encrypted_keys    = {"<user id>": base64(RSA-OAEP-SHA256(key))}
//	encrypted_mac     = base64(HMAC-SHA256(HKDF(key), IV || ciphertext))
//
// The MAC is optional on read so rows written by older clients still open.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 message key length.
	KeySize = 32
	// IVSize is the CBC initialization vector length.
	IVSize = aes.BlockSize

	macInfo = "chat-message-mac"
)

// Envelope is the result of encrypting one message for a set of recipients.
type Envelope struct {
	Ciphertext  string
	WrappedKeys map[string]string
	MAC         string
}

// Payload is the recipient-independent part of an Envelope needed to decrypt.
type Payload struct {
	Ciphertext string
	MAC        string
}

// Payload returns the part of the envelope every recipient shares.
func (e *Envelope) Payload() Payload {
	return Payload{Ciphertext: e.Ciphertext, MAC: e.MAC}
}

// Encrypt seals plaintext under a fresh key and IV and wraps that key with
// every recipient's public key. All recipient keys are parsed before any
// encryption happens, so one malformed key fails the whole call.
func Encrypt(plaintext string, recipients map[int64]string) (*Envelope, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	publicKeys := make(map[int64]*rsa.PublicKey, len(recipients))
	for userID, pemText := range recipients {
		pub, err := ParsePublicKey(pemText)
		if err != nil {
			return nil, fmt.Errorf("recipient %d: %w", userID, err)
		}
		publicKeys[userID] = pub
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate message key: %w", err)
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate IV: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	blob := make([]byte, IVSize+len(padded))
	copy(blob, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(blob[IVSize:], padded)

	wrapped := make(map[string]string, len(publicKeys))
	for userID, pub := range publicKeys {
		wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
		if err != nil {
			return nil, fmt.Errorf("wrap key for recipient %d: %w", userID, err)
		}
		wrapped[strconv.FormatInt(userID, 10)] = base64.StdEncoding.EncodeToString(wrappedKey)
	}

	tag, err := mac(key, blob)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Ciphertext:  base64.StdEncoding.EncodeToString(blob),
		WrappedKeys: wrapped,
		MAC:         base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt parses the PEM private key and opens the payload with it.
func Decrypt(payload Payload, wrappedKeyB64, privateKeyPEM string) (string, error) {
	privateKey, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return DecryptWithKey(payload, wrappedKeyB64, privateKey)
}

// DecryptWithKey opens the payload with an already parsed private key. Use it
// when decrypting many messages for the same reader.
func DecryptWithKey(payload Payload, wrappedKeyB64 string, privateKey *rsa.PrivateKey) (string, error) {
	wrappedKey, err := base64.StdEncoding.DecodeString(wrappedKeyB64)
	if err != nil {
		return "", fmt.Errorf("%w: %w: wrapped key: %v", ErrDecrypt, ErrMalformed, err)
	}
	key, err := rsa.DecryptOAEP(sha256.New(), nil, privateKey, wrappedKey, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecrypt, ErrKeyMismatch)
	}
	if len(key) != KeySize {
		return "", fmt.Errorf("%w: %w: unwrapped key is %d bytes", ErrDecrypt, ErrKeyMismatch, len(key))
	}

	blob, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %w: ciphertext: %v", ErrDecrypt, ErrMalformed, err)
	}
	if len(blob) < IVSize+aes.BlockSize || (len(blob)-IVSize)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: %w: %d bytes", ErrDecrypt, ErrShortCiphertext, len(blob))
	}

	if payload.MAC != "" {
		want, err := base64.StdEncoding.DecodeString(payload.MAC)
		if err != nil {
			return "", fmt.Errorf("%w: %w: mac: %v", ErrDecrypt, ErrMalformed, err)
		}
		got, err := mac(key, blob)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrDecrypt, err)
		}
		if !hmac.Equal(want, got) {
			return "", fmt.Errorf("%w: %w", ErrDecrypt, ErrIntegrity)
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: create AES cipher: %v", ErrDecrypt, err)
	}
	iv, body := blob[:IVSize], blob[IVSize:]
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	plain, err = unpad(plain, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	if !utf8.Valid(plain) {
		return "", fmt.Errorf("%w: %w: plaintext is not UTF-8", ErrDecrypt, ErrMalformed)
	}
	return string(plain), nil
}

// pad applies PKCS#7: n bytes of value n, always at least one byte.
func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n < 1 || n > blockSize {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}

func mac(key, blob []byte) ([]byte, error) {
	macKey := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(macInfo)), macKey); err != nil {
		return nil, fmt.Errorf("derive mac key: %w", err)
	}
	h := hmac.New(sha256.New, macKey)
	h.Write(blob)
	return h.Sum(nil), nil
}
