package crypto

import "errors"

// Key errors.
var (
	// ErrInvalidPublicKey indicates a recipient public key could not be parsed.
	ErrInvalidPublicKey = errors.New("invalid or unsupported public key")

	// ErrInvalidPrivateKey indicates the reader's private key could not be parsed.
	ErrInvalidPrivateKey = errors.New("invalid or unsupported private key")

	// ErrNoRecipients indicates Encrypt was called without anyone to wrap the key for.
	ErrNoRecipients = errors.New("no recipients")
)

// Decryption errors. Every one of them also matches ErrDecrypt.
var (
	// ErrDecrypt is the umbrella error for any failure to open a message.
	ErrDecrypt = errors.New("decryption failed")

	// ErrKeyMismatch indicates the wrapped key was not produced for this private key.
	ErrKeyMismatch = errors.New("wrapped key does not match private key")

	// ErrShortCiphertext indicates the blob is shorter than one IV or not block aligned.
	ErrShortCiphertext = errors.New("ciphertext truncated")

	// ErrBadPadding indicates the recovered PKCS#7 padding is out of range or inconsistent.
	ErrBadPadding = errors.New("invalid padding")

	// ErrIntegrity indicates the stored MAC does not match the ciphertext.
	ErrIntegrity = errors.New("ciphertext integrity check failed")

	// ErrMalformed indicates base64 or UTF-8 decoding failed.
	ErrMalformed = errors.New("malformed encrypted payload")
)
